package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/pvforecast/internal/forecast"
	"github.com/lox/pvforecast/internal/ingest"
	"github.com/lox/pvforecast/internal/log"
	"github.com/lox/pvforecast/internal/store"
)

type Server struct {
	store     *store.Store
	scheduler *ingest.Scheduler
	tracker   *forecast.Tracker
	port      string
	now       func() time.Time
}

func NewServer(store *store.Store, scheduler *ingest.Scheduler, tracker *forecast.Tracker, port string) *Server {
	return &Server{
		store:     store,
		scheduler: scheduler,
		tracker:   tracker,
		port:      port,
		now:       time.Now,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/forecast", s.handleAPIForecast)
	mux.HandleFunc("GET /api/arrays", s.handleAPIArrays)
	mux.HandleFunc("GET /api/arrays/{id}", s.handleAPIArray)
	mux.HandleFunc("GET /api/accuracy", s.handleAPIAccuracy)
	mux.HandleFunc("POST /api/production", s.handleAPIProduction)
	mux.HandleFunc("POST /api/refresh", s.handleAPIRefresh)
	mux.HandleFunc("GET /api/ingest", s.handleAPIIngest)
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Infof("api: listening on :%s", s.port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

type HealthStatus struct {
	Status     string   `json:"status"`
	State      string   `json:"state"`
	LastUpdate string   `json:"last_update,omitempty"`
	NextUpdate string   `json:"next_update,omitempty"`
	Stale      bool     `json:"stale"`
	Fault      bool     `json:"fault"`
	LastError  string   `json:"last_error,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.scheduler.Status()
	health := HealthStatus{
		Status:     "ok",
		State:      string(st.State),
		LastUpdate: isoTime(st.LastUpdate, time.UTC),
		NextUpdate: isoTime(st.NextUpdate, time.UTC),
		Stale:      st.Stale,
		Fault:      st.Fault,
		LastError:  st.LastError,
	}

	if st.Stale {
		health.Status = "degraded"
	}
	if err := s.store.Ping(); err != nil {
		health.Errors = append(health.Errors, "database: "+err.Error())
	}
	if st.Fault || len(health.Errors) > 0 {
		health.Status = "error"
	}

	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("api: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
