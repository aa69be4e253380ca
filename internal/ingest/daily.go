package ingest

import (
	"time"

	"github.com/lox/pvforecast/internal/forecast"
	"github.com/lox/pvforecast/internal/log"
	"github.com/lox/pvforecast/internal/store"
)

const (
	rawPayloadRetentionDays = 7
	ingestRunRetentionDays  = 30
)

// DailyJobs is housekeeping run once per local day.
type DailyJobs struct {
	store   *store.Store
	tracker *forecast.Tracker
}

func NewDailyJobs(store *store.Store, tracker *forecast.Tracker) *DailyJobs {
	return &DailyJobs{store: store, tracker: tracker}
}

func (d *DailyJobs) RunAll(forDate time.Time) {
	log.Infof("daily: running jobs for %s", forDate.Format("2006-01-02"))

	if err := d.PruneAccuracy(); err != nil {
		log.Warnf("daily: prune accuracy: %v", err)
	}
	if err := d.CleanupAudit(); err != nil {
		log.Warnf("daily: cleanup audit: %v", err)
	}
	d.LogAccuracy()
}

func (d *DailyJobs) PruneAccuracy() error {
	if d.tracker == nil {
		return nil
	}
	records, cands, err := d.tracker.Prune()
	if err != nil {
		return err
	}
	log.Infof("daily: pruned %d accuracy records and %d live forecasts", records, cands)
	return nil
}

func (d *DailyJobs) CleanupAudit() error {
	payloads, err := d.store.CleanupOldRawPayloads(rawPayloadRetentionDays)
	if err != nil {
		return err
	}
	runs, err := d.store.CleanupOldIngestRuns(ingestRunRetentionDays)
	if err != nil {
		return err
	}
	log.Infof("daily: removed %d raw payloads and %d ingest runs", payloads, runs)

	if stats, err := d.store.GetRawPayloadStats(); err == nil {
		log.Infof("daily: %d raw payloads retained, %d bytes", stats.TotalCount, stats.TotalSizeBytes)
	}
	return nil
}

// LogAccuracy logs the trailing week's accuracy for every tracked array.
func (d *DailyJobs) LogAccuracy() {
	if d.tracker == nil {
		return
	}
	ids, err := d.store.AccuracyArrayIDs()
	if err != nil {
		log.Warnf("daily: list accuracy arrays: %v", err)
		return
	}
	for _, id := range ids {
		stats, err := d.tracker.Stats(id, 7)
		if err != nil {
			log.Warnf("daily: accuracy %s: %v", id, err)
			continue
		}
		if !stats.Accuracy.Valid {
			continue
		}
		log.Infow("daily: accuracy",
			"array", id,
			"hours", stats.Count,
			"accuracy_pct", stats.Accuracy.Float64,
			"mae_w", stats.MAE.Float64)
	}
}
