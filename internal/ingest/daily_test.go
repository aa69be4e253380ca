package ingest

import (
	"testing"
	"time"

	"github.com/lox/pvforecast/internal/forecast"
	"github.com/lox/pvforecast/internal/models"
)

func TestDailyJobs_RunAll(t *testing.T) {
	_, st := setupScheduler(t, &fakeSource{})
	tracker := forecast.NewTracker(st, 1)

	now := time.Now().UTC().Truncate(time.Hour)
	for _, ts := range []time.Time{now.Add(-40 * 24 * time.Hour), now.Add(-2 * time.Hour)} {
		if _, err := st.InsertAccuracyRecord(models.AccuracyRecord{
			ArrayID: "south", Time: ts, ForecastPower: 1100, ActualPower: 1000, Error: 100,
			RunTime: ts.Add(-6 * time.Hour), PublishedAt: ts.Add(-3 * time.Hour),
		}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := st.StoreRawPayload(nil, "fmi", "test", []byte("<xml/>")); err != nil {
		t.Fatal(err)
	}

	NewDailyJobs(st, tracker).RunAll(now)

	records, err := st.GetAccuracyRecords("south", now.Add(-60*24*time.Hour), now)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || !records[0].Time.Equal(now.Add(-2*time.Hour)) {
		t.Errorf("records after prune = %+v, want only the recent hour", records)
	}

	// Fresh payloads survive the audit cleanup.
	stats, err := st.GetRawPayloadStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalCount != 1 {
		t.Errorf("raw payloads = %d, want 1", stats.TotalCount)
	}
}

func TestDailyJobs_NilTracker(t *testing.T) {
	_, st := setupScheduler(t, &fakeSource{})
	d := NewDailyJobs(st, nil)
	if err := d.PruneAccuracy(); err != nil {
		t.Errorf("PruneAccuracy: %v", err)
	}
	d.LogAccuracy()
}
