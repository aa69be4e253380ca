package models

import (
	"database/sql"
	"time"
)

// AggregateID identifies the system-total series.
const AggregateID = "total"

type Location struct {
	Latitude  float64 // degrees, north positive
	Longitude float64 // degrees, east positive
	Elevation float64 // metres above sea level
}

type PanelArray struct {
	ID              string
	Name            string
	Tilt            float64 // degrees from horizontal, 0-90
	Azimuth         float64 // degrees, 0 = north, 180 = south
	RatedPower      float64 // kW
	ModuleElevation float64 // metres above ground
	AlbedoClass     string  // "grass", "snow", ... or "custom"
	Albedo          float64
}

// WeatherSample holds one forecast hour of a model run. All fields are
// optional; an hour with nothing usable degrades to clear sky.
type WeatherSample struct {
	Time             time.Time // start of the hour, UTC
	ClearSkyIndex    sql.NullFloat64
	GHI              sql.NullFloat64 // W/m², mean over the hour
	DirectHorizontal sql.NullFloat64 // W/m², mean over the hour
	CloudCover       sql.NullFloat64 // percent
	Temperature      sql.NullFloat64 // °C
	WindSpeed        sql.NullFloat64 // m/s at 10 m
	Albedo           sql.NullFloat64
}

// ModelRun is one NWP issuance.
type ModelRun struct {
	Source  string
	RunTime time.Time
	Samples []WeatherSample
}

type ForecastPoint struct {
	Time          time.Time
	Power         float64 // W
	PowerClearSky float64 // W
}

type ForecastSeries struct {
	ArrayID    string
	Points     []ForecastPoint
	LastUpdate time.Time
	NextUpdate time.Time
}

// LiveForecast is the forecast that was in force for an hour when that hour
// began. It is the only thing production is scored against.
type LiveForecast struct {
	ArrayID       string
	Time          time.Time
	Power         float64
	PowerClearSky float64
	RunTime       time.Time
	PublishedAt   time.Time
}

// ProductionSample is a measured mean power for the hour starting at Time.
type ProductionSample struct {
	ArrayID string
	Time    time.Time
	Power   float64 // W
}

type AccuracyRecord struct {
	ID            int64
	ArrayID       string
	Time          time.Time
	ForecastPower float64
	ActualPower   float64
	Error         float64 // forecast - actual
	RunTime       time.Time
	PublishedAt   time.Time
	CreatedAt     time.Time
}

type AccuracyStats struct {
	ArrayID    string
	WindowDays int
	Count      int
	MeanError  sql.NullFloat64
	MAE        sql.NullFloat64
	RMSE       sql.NullFloat64
	Accuracy   sql.NullFloat64 // percent
}
