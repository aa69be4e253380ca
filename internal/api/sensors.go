package api

import (
	"math"
	"time"

	"github.com/lox/pvforecast/internal/forecast"
	"github.com/lox/pvforecast/internal/ingest"
	"github.com/lox/pvforecast/internal/models"
)

// HourlyPoint is one entry of the hourly_forecast attribute.
type HourlyPoint struct {
	Datetime      string  `json:"datetime"`
	Power         float64 `json:"power"`
	PowerClearSky float64 `json:"power_clear_sky"`
}

type HourlyForecast struct {
	Forecast   []HourlyPoint `json:"forecast"`
	LastUpdate string        `json:"last_update"`
	NextUpdate string        `json:"next_update"`
}

// SensorView is the published sensor surface for one array or the total.
// Field names and units are a compatibility contract with display layers:
// W for power, kWh for energy, ISO-8601 timestamps.
type SensorView struct {
	ArrayID          string         `json:"array_id"`
	Name             string         `json:"name,omitempty"`
	ForecastToday    float64        `json:"forecast_today"`
	ForecastTomorrow float64        `json:"forecast_tomorrow"`
	PowerForecast    float64        `json:"power_forecast"`
	PeakPower        float64        `json:"peak_power"`
	PeakHour         *string        `json:"peak_hour"`
	HourlyForecast   HourlyForecast `json:"hourly_forecast"`
	State            string         `json:"state"`
	Stale            bool           `json:"stale"`
}

// NewSensorView serializes a series at now, rendering timestamps in loc.
func NewSensorView(series models.ForecastSeries, now time.Time, loc *time.Location, status ingest.Status) SensorView {
	sum := forecast.Summarize(series, now, loc)

	v := SensorView{
		ArrayID:          series.ArrayID,
		ForecastToday:    round(sum.TodayEnergy, 2),
		ForecastTomorrow: round(sum.TomorrowEnergy, 2),
		PowerForecast:    round(sum.CurrentPower, 1),
		PeakPower:        round(sum.PeakPower, 1),
		HourlyForecast: HourlyForecast{
			Forecast:   make([]HourlyPoint, 0, len(series.Points)),
			LastUpdate: isoTime(series.LastUpdate, loc),
			NextUpdate: isoTime(series.NextUpdate, loc),
		},
		State: string(status.State),
		Stale: status.Stale,
	}
	if sum.HasPeak() {
		peak := isoTime(sum.PeakTime, loc)
		v.PeakHour = &peak
	}
	for _, p := range series.Points {
		v.HourlyForecast.Forecast = append(v.HourlyForecast.Forecast, HourlyPoint{
			Datetime:      isoTime(p.Time, loc),
			Power:         round(p.Power, 1),
			PowerClearSky: round(p.PowerClearSky, 1),
		})
	}
	return v
}

func isoTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	return t.In(loc).Format(time.RFC3339)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
