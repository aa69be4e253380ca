package store

import (
	"database/sql"
	"time"

	"github.com/lox/pvforecast/internal/models"
)

// UpsertLiveForecasts records the candidates of one publication. A candidate
// replaces an existing one for the same array and hour only if it was
// published no earlier and the hour had not begun when it was published.
func (s *Store) UpsertLiveForecasts(cands []models.LiveForecast) error {
	if len(cands) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO live_forecasts (array_id, ts, power, power_clear_sky, run_time, published_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(array_id, ts) DO UPDATE SET
			power = excluded.power,
			power_clear_sky = excluded.power_clear_sky,
			run_time = excluded.run_time,
			published_at = excluded.published_at
		WHERE excluded.published_at >= live_forecasts.published_at
		  AND excluded.published_at <= live_forecasts.ts
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range cands {
		if c.PublishedAt.After(c.Time) {
			continue
		}
		if _, err := stmt.Exec(c.ArrayID, unix(c.Time), c.Power, c.PowerClearSky,
			unix(c.RunTime), unix(c.PublishedAt)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetLiveForecast returns the candidate for an array and hour, or nil.
func (s *Store) GetLiveForecast(arrayID string, t time.Time) (*models.LiveForecast, error) {
	row := s.db.QueryRow(`
		SELECT array_id, ts, power, power_clear_sky, run_time, published_at
		FROM live_forecasts
		WHERE array_id = ? AND ts = ?
	`, arrayID, unix(t))

	var lf models.LiveForecast
	var ts, runTime, publishedAt int64
	err := row.Scan(&lf.ArrayID, &ts, &lf.Power, &lf.PowerClearSky, &runTime, &publishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	lf.Time, lf.RunTime, lf.PublishedAt = fromUnix(ts), fromUnix(runTime), fromUnix(publishedAt)
	return &lf, nil
}

// InsertAccuracyRecord stores a scored hour. It reports false when the hour
// was already scored; the first record wins.
func (s *Store) InsertAccuracyRecord(r models.AccuracyRecord) (bool, error) {
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	result, err := s.db.Exec(`
		INSERT INTO accuracy_records (array_id, ts, forecast_power, actual_power, error, run_time, published_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(array_id, ts) DO NOTHING
	`, r.ArrayID, unix(r.Time), r.ForecastPower, r.ActualPower, r.Error,
		unix(r.RunTime), unix(r.PublishedAt), unix(created))
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetAccuracyRecords returns the records for an array with since <= T < until,
// oldest first.
func (s *Store) GetAccuracyRecords(arrayID string, since, until time.Time) ([]models.AccuracyRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, array_id, ts, forecast_power, actual_power, error, run_time, published_at, created_at
		FROM accuracy_records
		WHERE array_id = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC
	`, arrayID, unix(since), unix(until))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.AccuracyRecord
	for rows.Next() {
		var r models.AccuracyRecord
		var ts, runTime, publishedAt, created int64
		if err := rows.Scan(&r.ID, &r.ArrayID, &ts, &r.ForecastPower, &r.ActualPower, &r.Error,
			&runTime, &publishedAt, &created); err != nil {
			return nil, err
		}
		r.Time, r.RunTime = fromUnix(ts), fromUnix(runTime)
		r.PublishedAt, r.CreatedAt = fromUnix(publishedAt), fromUnix(created)
		records = append(records, r)
	}
	return records, rows.Err()
}

// DailyAccuracy is one local calendar day of scored hours.
type DailyAccuracy struct {
	Date           string  `json:"date"`
	Hours          int     `json:"hours"`
	ForecastEnergy float64 `json:"forecast_kwh"`
	ActualEnergy   float64 `json:"actual_kwh"`
}

// GetDailyAccuracy sums scored hours per local day for an array.
func (s *Store) GetDailyAccuracy(arrayID string, since time.Time) ([]DailyAccuracy, error) {
	records, err := s.GetAccuracyRecords(arrayID, since, time.Now().Add(time.Hour))
	if err != nil {
		return nil, err
	}

	var days []DailyAccuracy
	for _, r := range records {
		date := r.Time.In(s.loc).Format(time.DateOnly)
		if len(days) == 0 || days[len(days)-1].Date != date {
			days = append(days, DailyAccuracy{Date: date})
		}
		d := &days[len(days)-1]
		d.Hours++
		d.ForecastEnergy += r.ForecastPower / 1000
		d.ActualEnergy += r.ActualPower / 1000
	}
	return days, nil
}

// AccuracyArrayIDs lists arrays that have at least one record.
func (s *Store) AccuracyArrayIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT array_id FROM accuracy_records ORDER BY array_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PruneAccuracy deletes records and live candidates for hours before cutoff.
func (s *Store) PruneAccuracy(cutoff time.Time) (records, candidates int64, err error) {
	res, err := s.db.Exec(`DELETE FROM accuracy_records WHERE ts < ?`, unix(cutoff))
	if err != nil {
		return 0, 0, err
	}
	if records, err = res.RowsAffected(); err != nil {
		return 0, 0, err
	}

	res, err = s.db.Exec(`DELETE FROM live_forecasts WHERE ts < ?`, unix(cutoff))
	if err != nil {
		return records, 0, err
	}
	candidates, err = res.RowsAffected()
	return records, candidates, err
}
