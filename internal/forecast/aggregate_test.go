package forecast

import (
	"errors"
	"testing"
	"time"

	"github.com/lox/pvforecast/internal/models"
)

func hourly(id string, start time.Time, powers ...float64) models.ForecastSeries {
	s := models.ForecastSeries{ArrayID: id, LastUpdate: start, NextUpdate: NextUpdate(start)}
	for i, p := range powers {
		s.Points = append(s.Points, models.ForecastPoint{
			Time:          start.Add(time.Duration(i) * time.Hour),
			Power:         p,
			PowerClearSky: p * 2,
		})
	}
	return s
}

func TestAggregate(t *testing.T) {
	a := hourly("a", solstice, 0, 100, 250.5)
	b := hourly("b", solstice, 10, 20, 30)

	total, err := Aggregate([]models.ForecastSeries{a, b})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if total.ArrayID != models.AggregateID {
		t.Errorf("ArrayID = %q", total.ArrayID)
	}
	if !total.LastUpdate.Equal(solstice) || !total.NextUpdate.Equal(NextUpdate(solstice)) {
		t.Errorf("update times = %v / %v", total.LastUpdate, total.NextUpdate)
	}

	want := []float64{10, 120, 280.5}
	for i, p := range total.Points {
		if p.Power != want[i] {
			t.Errorf("point %d power = %v, want %v", i, p.Power, want[i])
		}
		if p.PowerClearSky != a.Points[i].PowerClearSky+b.Points[i].PowerClearSky {
			t.Errorf("point %d clear sky = %v", i, p.PowerClearSky)
		}
		if !p.Time.Equal(a.Points[i].Time) {
			t.Errorf("point %d time = %v", i, p.Time)
		}
	}
}

func TestAggregate_Misaligned(t *testing.T) {
	tests := []struct {
		name   string
		series []models.ForecastSeries
	}{
		{
			name:   "different lengths",
			series: []models.ForecastSeries{hourly("a", solstice, 1, 2, 3), hourly("b", solstice, 1, 2)},
		},
		{
			name:   "shifted grid",
			series: []models.ForecastSeries{hourly("a", solstice, 1, 2), hourly("b", solstice.Add(time.Hour), 1, 2)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Aggregate(tt.series)
			if !errors.Is(err, ErrMisalignedSeries) {
				t.Errorf("Aggregate error = %v, want ErrMisalignedSeries", err)
			}
		})
	}
}

func TestAggregate_Empty(t *testing.T) {
	total, err := Aggregate(nil)
	if err != nil {
		t.Fatal(err)
	}
	if total.ArrayID != models.AggregateID || len(total.Points) != 0 {
		t.Errorf("total = %+v", total)
	}
}
