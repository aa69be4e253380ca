package forecast

import (
	"time"

	"github.com/lox/pvforecast/internal/models"
)

// Summary is the day-level view of one series as seen at a moment in time.
type Summary struct {
	TodayEnergy    float64 // kWh, current hour to end of the local day
	TomorrowEnergy float64 // kWh
	CurrentPower   float64 // W, the hour containing now
	PeakPower      float64 // W, highest hour of the local day
	PeakTime       time.Time
}

// HasPeak reports whether any hour today is forecast to produce.
func (s Summary) HasPeak() bool { return !s.PeakTime.IsZero() }

// Summarize reduces a series to the day-level figures in loc. Each point is
// the mean power over its hour, so its energy in kWh is Power/1000.
func Summarize(series models.ForecastSeries, now time.Time, loc *time.Location) Summary {
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	tomorrow := today.AddDate(0, 0, 1)
	dayAfter := today.AddDate(0, 0, 2)
	currentHour := now.UTC().Truncate(time.Hour)

	var s Summary
	for _, p := range series.Points {
		switch {
		case p.Time.Before(today):
		case p.Time.Before(tomorrow):
			if !p.Time.Before(currentHour) {
				s.TodayEnergy += p.Power / 1000
			}
			if p.Time.Equal(currentHour) {
				s.CurrentPower = p.Power
			}
			if p.Power > s.PeakPower {
				s.PeakPower, s.PeakTime = p.Power, p.Time
			}
		case p.Time.Before(dayAfter):
			s.TomorrowEnergy += p.Power / 1000
		}
	}
	return s
}
