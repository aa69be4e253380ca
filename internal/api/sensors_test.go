package api

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/lox/pvforecast/internal/ingest"
	"github.com/lox/pvforecast/internal/models"
)

func TestNewSensorView(t *testing.T) {
	helsinki, err := time.LoadLocation("Europe/Helsinki")
	if err != nil {
		t.Fatal(err)
	}
	start := time.Date(2024, 6, 21, 6, 0, 0, 0, time.UTC)
	series := models.ForecastSeries{
		ArrayID:    "south",
		LastUpdate: start,
		NextUpdate: start.Add(6 * time.Hour),
		Points: []models.ForecastPoint{
			{Time: start, Power: 1234.567, PowerClearSky: 2000.04},
			{Time: start.Add(time.Hour), Power: 3000.26, PowerClearSky: 3500},
			{Time: start.Add(2 * time.Hour), Power: 1000, PowerClearSky: 1200},
		},
	}
	now := start.Add(90 * time.Minute)
	v := NewSensorView(series, now, helsinki, ingest.Status{State: ingest.StateIdle})

	if v.ForecastToday != 4 {
		t.Errorf("forecast_today = %v, want 4 (rounded from 4.00026)", v.ForecastToday)
	}
	if v.PowerForecast != 3000.3 {
		t.Errorf("power_forecast = %v, want 3000.3", v.PowerForecast)
	}
	if v.PeakPower != 3000.3 {
		t.Errorf("peak_power = %v, want 3000.3", v.PeakPower)
	}
	if v.PeakHour == nil || *v.PeakHour != "2024-06-21T10:00:00+03:00" {
		t.Errorf("peak_hour = %v", v.PeakHour)
	}
	if got := v.HourlyForecast.Forecast[0]; got.Power != 1234.6 || got.PowerClearSky != 2000 {
		t.Errorf("first hourly point = %+v", got)
	}
	if v.HourlyForecast.LastUpdate != "2024-06-21T09:00:00+03:00" {
		t.Errorf("last_update = %s", v.HourlyForecast.LastUpdate)
	}
	if v.State != "IDLE" || v.Stale {
		t.Errorf("state = %s stale = %v", v.State, v.Stale)
	}
}

func TestNewSensorView_NoPeakIsNull(t *testing.T) {
	start := time.Date(2024, 12, 21, 20, 0, 0, 0, time.UTC)
	series := models.ForecastSeries{
		ArrayID: "south",
		Points:  []models.ForecastPoint{{Time: start}, {Time: start.Add(time.Hour)}},
	}
	v := NewSensorView(series, start, time.UTC, ingest.Status{State: ingest.StateStale, Stale: true})

	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	body := string(b)
	for _, want := range []string{`"peak_hour":null`, `"peak_power":0`, `"stale":true`, `"datetime":"2024-12-21T20:00:00Z"`} {
		if !strings.Contains(body, want) {
			t.Errorf("%s missing %s", body, want)
		}
	}
}
