package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/lox/pvforecast/internal/models"
	"github.com/lox/pvforecast/internal/store"
)

const maxProductionBody = 1 << 20

func (s *Server) handleAPIForecast(w http.ResponseWriter, r *http.Request) {
	s.writeSeries(w, models.AggregateID)
}

func (s *Server) handleAPIArray(w http.ResponseWriter, r *http.Request) {
	s.writeSeries(w, r.PathValue("id"))
}

func (s *Server) writeSeries(w http.ResponseWriter, id string) {
	pub := s.scheduler.Published()
	if pub == nil {
		writeError(w, http.StatusServiceUnavailable, "no forecast published yet")
		return
	}
	series, ok := pub.Result.Series(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown array %q", id))
		return
	}

	site := s.scheduler.Site()
	view := NewSensorView(series, s.now(), site.Timezone, s.scheduler.Status())
	if a, ok := site.Array(id); ok {
		view.Name = a.Name
	}
	writeJSON(w, http.StatusOK, view)
}

type ArrayInfo struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Tilt            float64 `json:"tilt"`
	Azimuth         float64 `json:"azimuth"`
	RatedPower      float64 `json:"rated_power"`
	ModuleElevation float64 `json:"module_elevation"`
	AlbedoClass     string  `json:"albedo_class"`
	Albedo          float64 `json:"albedo"`
}

func (s *Server) handleAPIArrays(w http.ResponseWriter, r *http.Request) {
	site := s.scheduler.Site()
	arrays := make([]ArrayInfo, 0, len(site.Arrays))
	for _, a := range site.Arrays {
		arrays = append(arrays, ArrayInfo{
			ID:              a.ID,
			Name:            a.Name,
			Tilt:            a.Tilt,
			Azimuth:         a.Azimuth,
			RatedPower:      a.RatedPower,
			ModuleElevation: a.ModuleElevation,
			AlbedoClass:     a.AlbedoClass,
			Albedo:          a.Albedo,
		})
	}
	writeJSON(w, http.StatusOK, arrays)
}

type AccuracyResponse struct {
	ArrayID    string                `json:"array_id"`
	WindowDays int                   `json:"window_days"`
	Count      int                   `json:"count"`
	MeanError  *float64              `json:"mean_error"`
	MAE        *float64              `json:"mae"`
	RMSE       *float64              `json:"rmse"`
	Accuracy   *float64              `json:"accuracy"`
	Daily      []store.DailyAccuracy `json:"daily,omitempty"`
}

func (s *Server) handleAPIAccuracy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	arrayID := q.Get("array")
	if arrayID == "" {
		arrayID = models.AggregateID
	}
	days := 7
	if v := q.Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "days must be an integer")
			return
		}
		days = n
	}

	stats, err := s.tracker.Stats(arrayID, days)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := NewAccuracyResponse(stats)
	if q.Get("daily") == "true" {
		since := s.now().Add(-time.Duration(days) * 24 * time.Hour)
		resp.Daily, err = s.store.GetDailyAccuracy(arrayID, since)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// NewAccuracyResponse renders stats with watts and percent at one decimal
// and null where there is nothing to report.
func NewAccuracyResponse(stats models.AccuracyStats) AccuracyResponse {
	return AccuracyResponse{
		ArrayID:    stats.ArrayID,
		WindowDays: stats.WindowDays,
		Count:      stats.Count,
		MeanError:  nullable(stats.MeanError, 1),
		MAE:        nullable(stats.MAE, 1),
		RMSE:       nullable(stats.RMSE, 1),
		Accuracy:   nullable(stats.Accuracy, 1),
	}
}

func nullable(v sql.NullFloat64, places int) *float64 {
	if !v.Valid {
		return nil
	}
	r := round(v.Float64, places)
	return &r
}

// ProductionInput is one measured hour posted by the production collaborator.
type ProductionInput struct {
	ArrayID   string   `json:"array_id"`
	Timestamp string   `json:"timestamp"`
	Power     *float64 `json:"power"`
}

func (p ProductionInput) sample() (models.ProductionSample, error) {
	if p.ArrayID == "" {
		return models.ProductionSample{}, errors.New("array_id is required")
	}
	t, err := time.Parse(time.RFC3339, p.Timestamp)
	if err != nil {
		return models.ProductionSample{}, fmt.Errorf("timestamp: %w", err)
	}
	if p.Power == nil || math.IsNaN(*p.Power) || math.IsInf(*p.Power, 0) || *p.Power < 0 {
		return models.ProductionSample{}, errors.New("power must be a non-negative number")
	}
	return models.ProductionSample{ArrayID: p.ArrayID, Time: t.UTC(), Power: *p.Power}, nil
}

// decodeProduction accepts either a single object or an array of them.
func decodeProduction(body []byte) ([]ProductionInput, error) {
	var many []ProductionInput
	if err := json.Unmarshal(body, &many); err == nil {
		return many, nil
	}
	var one ProductionInput
	if err := json.Unmarshal(body, &one); err != nil {
		return nil, err
	}
	return []ProductionInput{one}, nil
}

func (s *Server) handleAPIProduction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxProductionBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	inputs, err := decodeProduction(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	samples := make([]models.ProductionSample, 0, len(inputs))
	for i, in := range inputs {
		sample, err := in.sample()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("sample %d: %v", i, err))
			return
		}
		samples = append(samples, sample)
	}

	var accepted, dropped int
	for _, sample := range samples {
		if s.tracker.Submit(sample) {
			accepted++
		} else {
			dropped++
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted, "dropped": dropped})
}

func (s *Server) handleAPIRefresh(w http.ResponseWriter, r *http.Request) {
	queued := s.scheduler.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": queued})
}

type IngestResponse struct {
	Health      []store.IngestHealthSummary `json:"health"`
	Errors      []IngestError               `json:"recent_errors"`
	RawPayloads *store.RawPayloadStats      `json:"raw_payloads"`
}

type IngestError struct {
	CycleID   string    `json:"cycle_id"`
	StartedAt time.Time `json:"started_at"`
	Source    string    `json:"source"`
	Status    int64     `json:"http_status,omitempty"`
	Error     string    `json:"error"`
}

func (s *Server) handleAPIIngest(w http.ResponseWriter, r *http.Request) {
	health, err := s.store.GetIngestHealth(7)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	runs, err := s.store.GetRecentIngestErrors(10)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	payloads, err := s.store.GetRawPayloadStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := IngestResponse{
		Health:      health,
		Errors:      make([]IngestError, 0, len(runs)),
		RawPayloads: payloads,
	}
	for _, run := range runs {
		resp.Errors = append(resp.Errors, IngestError{
			CycleID:   run.CycleID,
			StartedAt: run.StartedAt,
			Source:    run.Source,
			Status:    run.HTTPStatus.Int64,
			Error:     run.ErrorMessage.String,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
