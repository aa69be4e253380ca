package store

import (
	"database/sql"
	"time"
)

// IngestRun records one weather fetch for auditing.
type IngestRun struct {
	ID                int64
	CycleID           string
	StartedAt         time.Time
	FinishedAt        sql.NullTime
	Source            string // "fmi"
	Endpoint          string // stored query id
	RunTime           sql.NullTime
	HTTPStatus        sql.NullInt64
	ResponseSizeBytes sql.NullInt64
	RecordsParsed     sql.NullInt64
	RecordsRejected   sql.NullInt64 // samples nulled by validation
	Success           bool
	ErrorMessage      sql.NullString
}

// StartIngestRun creates a new ingest run record and returns it.
func (s *Store) StartIngestRun(cycleID, source, endpoint string) (*IngestRun, error) {
	run := &IngestRun{
		CycleID:   cycleID,
		StartedAt: time.Now().UTC(),
		Source:    source,
		Endpoint:  endpoint,
	}

	result, err := s.db.Exec(`
		INSERT INTO ingest_runs (cycle_id, started_at, source, endpoint, success)
		VALUES (?, ?, ?, ?, FALSE)
	`, run.CycleID, run.StartedAt, run.Source, run.Endpoint)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return run, nil
}

// CompleteIngestRun updates the ingest run with results.
func (s *Store) CompleteIngestRun(run *IngestRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	var runTime sql.NullInt64
	if run.RunTime.Valid {
		runTime = sql.NullInt64{Int64: unix(run.RunTime.Time), Valid: true}
	}

	_, err := s.db.Exec(`
		UPDATE ingest_runs SET
			finished_at = ?,
			run_time = ?,
			http_status = ?,
			response_size_bytes = ?,
			records_parsed = ?,
			records_rejected = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, runTime, run.HTTPStatus, run.ResponseSizeBytes, run.RecordsParsed,
		run.RecordsRejected, run.Success, run.ErrorMessage, run.ID)
	return err
}

// IngestHealthSummary represents a daily ingest health summary.
type IngestHealthSummary struct {
	Date          string `json:"date"`
	Source        string `json:"source"`
	TotalRuns     int    `json:"total_runs"`
	SuccessRuns   int    `json:"success_runs"`
	FailedRuns    int    `json:"failed_runs"`
	TotalParsed   int64  `json:"records_parsed"`
	TotalRejected int64  `json:"records_rejected"`
}

// GetIngestHealth returns ingest health summaries for the last N days.
func (s *Store) GetIngestHealth(days int) ([]IngestHealthSummary, error) {
	rows, err := s.db.Query(`
		SELECT
			DATE(SUBSTR(started_at, 1, 19)) as date,
			source,
			COUNT(*) as total_runs,
			SUM(CASE WHEN success THEN 1 ELSE 0 END) as success_runs,
			SUM(CASE WHEN NOT success THEN 1 ELSE 0 END) as failed_runs,
			COALESCE(SUM(records_parsed), 0) as total_parsed,
			COALESCE(SUM(records_rejected), 0) as total_rejected
		FROM ingest_runs
		WHERE SUBSTR(started_at, 1, 19) > datetime('now', '-' || ? || ' days')
		GROUP BY date, source
		ORDER BY date DESC, source
	`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestHealthSummary
	for rows.Next() {
		var h IngestHealthSummary
		if err := rows.Scan(&h.Date, &h.Source, &h.TotalRuns,
			&h.SuccessRuns, &h.FailedRuns, &h.TotalParsed, &h.TotalRejected); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}

// GetRecentIngestErrors returns recent failed ingest runs.
func (s *Store) GetRecentIngestErrors(limit int) ([]IngestRun, error) {
	rows, err := s.db.Query(`
		SELECT id, cycle_id, started_at, finished_at, source, endpoint,
			   http_status, response_size_bytes, records_parsed, success, error_message
		FROM ingest_runs
		WHERE success = FALSE
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestRun
	for rows.Next() {
		var r IngestRun
		var cycleID sql.NullString
		if err := rows.Scan(&r.ID, &cycleID, &r.StartedAt, &r.FinishedAt, &r.Source, &r.Endpoint,
			&r.HTTPStatus, &r.ResponseSizeBytes, &r.RecordsParsed, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		r.CycleID = cycleID.String
		results = append(results, r)
	}
	return results, rows.Err()
}

// CleanupOldIngestRuns deletes audit rows older than retentionDays that no
// stored payload still references.
func (s *Store) CleanupOldIngestRuns(retentionDays int) (int64, error) {
	result, err := s.db.Exec(`
		DELETE FROM ingest_runs
		WHERE SUBSTR(started_at, 1, 19) < datetime('now', '-' || ? || ' days')
		  AND id NOT IN (SELECT ingest_run_id FROM raw_payloads WHERE ingest_run_id IS NOT NULL)
	`, retentionDays)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
