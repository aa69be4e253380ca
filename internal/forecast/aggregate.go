package forecast

import (
	"fmt"

	"github.com/lox/pvforecast/internal/models"
)

// Aggregate sums per-array series into the system total. All inputs must
// share one timestamp grid; anything else is a bug upstream and is reported
// as ErrMisalignedSeries.
func Aggregate(series []models.ForecastSeries) (models.ForecastSeries, error) {
	total := models.ForecastSeries{ArrayID: models.AggregateID}
	if len(series) == 0 {
		return total, nil
	}

	first := series[0]
	total.LastUpdate = first.LastUpdate
	total.NextUpdate = first.NextUpdate
	total.Points = make([]models.ForecastPoint, len(first.Points))
	for i, p := range first.Points {
		total.Points[i].Time = p.Time
	}

	for _, s := range series {
		if len(s.Points) != len(total.Points) {
			return models.ForecastSeries{}, fmt.Errorf("%w: %s has %d points, %s has %d",
				ErrMisalignedSeries, s.ArrayID, len(s.Points), first.ArrayID, len(first.Points))
		}
		for i, p := range s.Points {
			if !p.Time.Equal(total.Points[i].Time) {
				return models.ForecastSeries{}, fmt.Errorf("%w: %s point %d at %s, %s at %s",
					ErrMisalignedSeries, s.ArrayID, i, p.Time.Format("2006-01-02T15:04Z07:00"),
					first.ArrayID, total.Points[i].Time.Format("2006-01-02T15:04Z07:00"))
			}
			total.Points[i].Power += p.Power
			total.Points[i].PowerClearSky += p.PowerClearSky
		}
	}
	return total, nil
}
