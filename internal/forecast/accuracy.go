package forecast

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/lox/pvforecast/internal/log"
	"github.com/lox/pvforecast/internal/metrics"
	"github.com/lox/pvforecast/internal/models"
	"github.com/lox/pvforecast/internal/store"
)

const (
	DefaultRetention  = 30 * 24 * time.Hour
	DefaultQueueSize  = 256
	maxStatsWindowDay = 365
)

// Tracker scores forecasts against measured production. Each publication
// leaves a live candidate per future hour; a production sample for hour T
// is scored against the candidate that was live when T began, never a later
// revision.
type Tracker struct {
	store     *store.Store
	samples   chan models.ProductionSample
	retention time.Duration
	now       func() time.Time
}

func NewTracker(s *store.Store, queueSize int) *Tracker {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Tracker{
		store:     s,
		samples:   make(chan models.ProductionSample, queueSize),
		retention: DefaultRetention,
		now:       time.Now,
	}
}

// ObservePublished records the live candidates of a newly published result.
// Hours that began before publishedAt keep their earlier candidate.
func (t *Tracker) ObservePublished(res *Result, publishedAt time.Time) error {
	var cands []models.LiveForecast
	add := func(s models.ForecastSeries) {
		for _, p := range s.Points {
			if p.Time.Before(publishedAt) {
				continue
			}
			cands = append(cands, models.LiveForecast{
				ArrayID:       s.ArrayID,
				Time:          p.Time,
				Power:         p.Power,
				PowerClearSky: p.PowerClearSky,
				RunTime:       res.RunTime,
				PublishedAt:   publishedAt,
			})
		}
	}
	for _, s := range res.Arrays {
		add(s)
	}
	add(res.Total)

	if err := t.store.UpsertLiveForecasts(cands); err != nil {
		return fmt.Errorf("store live forecasts: %w", err)
	}
	return nil
}

// Submit queues a production sample without blocking. It reports false when
// the queue is full and the sample was dropped.
func (t *Tracker) Submit(s models.ProductionSample) bool {
	select {
	case t.samples <- s:
		return true
	default:
		metrics.ProductionSamples.WithLabelValues("dropped").Inc()
		return false
	}
}

// Run scores queued samples until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-t.samples:
			if _, err := t.Record(s); err != nil {
				log.Warnf("accuracy: record %s at %s: %v", s.ArrayID, s.Time.Format(time.RFC3339), err)
			}
		}
	}
}

// Record scores one production sample immediately. It returns nil without
// error when the sample has nothing to be scored against, or when the hour
// was already scored.
func (t *Tracker) Record(s models.ProductionSample) (*models.AccuracyRecord, error) {
	hour := s.Time.UTC().Truncate(time.Hour)
	if math.IsNaN(s.Power) || s.Power < 0 {
		metrics.ProductionSamples.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("invalid power %v", s.Power)
	}
	if hour.After(t.now()) {
		metrics.ProductionSamples.WithLabelValues("future").Inc()
		return nil, nil
	}

	live, err := t.store.GetLiveForecast(s.ArrayID, hour)
	if err != nil {
		return nil, err
	}
	if live == nil {
		metrics.ProductionSamples.WithLabelValues("unmatched").Inc()
		return nil, nil
	}

	rec := models.AccuracyRecord{
		ArrayID:       s.ArrayID,
		Time:          hour,
		ForecastPower: live.Power,
		ActualPower:   s.Power,
		Error:         live.Power - s.Power,
		RunTime:       live.RunTime,
		PublishedAt:   live.PublishedAt,
		CreatedAt:     t.now(),
	}
	inserted, err := t.store.InsertAccuracyRecord(rec)
	if err != nil {
		return nil, err
	}
	if !inserted {
		metrics.ProductionSamples.WithLabelValues("duplicate").Inc()
		return nil, nil
	}

	metrics.ProductionSamples.WithLabelValues("scored").Inc()
	metrics.AccuracyRecords.WithLabelValues(s.ArrayID).Inc()
	return &rec, nil
}

// Stats derives error statistics over the trailing window of days.
func (t *Tracker) Stats(arrayID string, days int) (models.AccuracyStats, error) {
	if days <= 0 || days > maxStatsWindowDay {
		return models.AccuracyStats{}, fmt.Errorf("window of %d days out of range 1-%d", days, maxStatsWindowDay)
	}

	now := t.now()
	records, err := t.store.GetAccuracyRecords(arrayID, now.Add(-time.Duration(days)*24*time.Hour), now.Add(time.Hour))
	if err != nil {
		return models.AccuracyStats{}, err
	}
	return ComputeStats(arrayID, days, records), nil
}

// ComputeStats reduces records to mean error, MAE, RMSE and the energy
// accuracy percentage 100·max(0, 1 − Σ|err|/Σactual).
func ComputeStats(arrayID string, days int, records []models.AccuracyRecord) models.AccuracyStats {
	stats := models.AccuracyStats{ArrayID: arrayID, WindowDays: days, Count: len(records)}
	if len(records) == 0 {
		return stats
	}

	errs := make([]float64, len(records))
	abs := make([]float64, len(records))
	sq := make([]float64, len(records))
	var sumAbs, sumActual float64
	for i, r := range records {
		errs[i] = r.Error
		abs[i] = math.Abs(r.Error)
		sq[i] = r.Error * r.Error
		sumAbs += abs[i]
		sumActual += r.ActualPower
	}

	stats.MeanError = valid(stat.Mean(errs, nil))
	stats.MAE = valid(stat.Mean(abs, nil))
	stats.RMSE = valid(math.Sqrt(stat.Mean(sq, nil)))
	if sumActual > 0 {
		stats.Accuracy = valid(100 * math.Max(0, 1-sumAbs/sumActual))
	}
	return stats
}

// Prune drops records and candidates older than the retention window.
func (t *Tracker) Prune() (int64, int64, error) {
	return t.store.PruneAccuracy(t.now().Add(-t.retention))
}

func valid(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }
