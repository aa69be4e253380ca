package ingest

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lox/pvforecast/internal/config"
	"github.com/lox/pvforecast/internal/forecast"
	"github.com/lox/pvforecast/internal/log"
	"github.com/lox/pvforecast/internal/metrics"
	"github.com/lox/pvforecast/internal/models"
	"github.com/lox/pvforecast/internal/store"
)

// ErrWeatherUnavailable wraps every failure to obtain a usable model run.
var ErrWeatherUnavailable = errors.New("weather unavailable")

// ErrCycleInProgress is returned when a cycle is requested while another
// one is fetching or computing.
var ErrCycleInProgress = errors.New("cycle already in progress")

const DefaultPollInterval = 30 * time.Minute

type State string

const (
	StateIdle      State = "IDLE"
	StateFetching  State = "FETCHING"
	StateComputing State = "COMPUTING"
	StatePublished State = "PUBLISHED"
	StateStale     State = "STALE"
)

var allStates = []State{StateIdle, StateFetching, StateComputing, StatePublished, StateStale}

// Publication is an immutable published result. It is replaced wholesale,
// never modified.
type Publication struct {
	Result      *forecast.Result
	PublishedAt time.Time
	// Fallback is set when the series was computed without weather because
	// nothing better was available.
	Fallback bool
}

// Status describes the scheduler for consumers.
type Status struct {
	State      State
	CycleID    string
	LastError  string
	Fault      bool // a computation invariant failed; not ordinary staleness
	LastUpdate time.Time
	NextUpdate time.Time
	Stale      bool
}

type Scheduler struct {
	store   *store.Store
	source  WeatherSource
	tracker *forecast.Tracker
	daily   *DailyJobs

	engine      atomic.Pointer[forecast.Engine]
	published   atomic.Pointer[Publication]
	lastRun     atomic.Pointer[models.ModelRun] // last run behind a weather publication
	siteChanged atomic.Bool

	cycleMu  sync.Mutex
	inFlight atomic.Bool
	trigger  chan struct{}

	mu     sync.Mutex
	status Status

	interval  time.Duration
	lastDaily string
	now       func() time.Time
}

// NewScheduler wires a scheduler. st and tracker may be nil, in which case
// fetches are not audited and publications are not scored.
func NewScheduler(st *store.Store, source WeatherSource, site *config.Site, tracker *forecast.Tracker) *Scheduler {
	s := &Scheduler{
		store:    st,
		source:   source,
		tracker:  tracker,
		trigger:  make(chan struct{}, 1),
		interval: DefaultPollInterval,
		now:      time.Now,
		status:   Status{State: StateIdle},
	}
	if st != nil {
		s.daily = NewDailyJobs(st, tracker)
	}
	s.engine.Store(forecast.NewEngine(site))
	setStateMetric(StateIdle)
	return s
}

// SetInterval changes the polling interval. It must be called before Run.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

// SetSite replaces the site configuration. The next cycle recomputes with it
// even when no newer model run is available.
func (s *Scheduler) SetSite(site *config.Site) {
	s.engine.Store(forecast.NewEngine(site))
	s.siteChanged.Store(true)
	log.Infof("scheduler: site replaced, %d arrays", len(site.Arrays))
}

func (s *Scheduler) Site() *config.Site { return s.engine.Load().Site() }

// Published returns the current publication, or nil before the first one.
func (s *Scheduler) Published() *Publication { return s.published.Load() }

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()

	if pub := s.published.Load(); pub != nil {
		st.LastUpdate = pub.Result.RunTime
		st.NextUpdate = forecast.NextUpdate(pub.Result.RunTime)
		st.Stale = pub.Fallback || s.now().After(st.NextUpdate)
	} else {
		st.Stale = true
	}
	return st
}

// Trigger requests an on-demand cycle. Requests made while one is pending
// or running are dropped; it reports whether the request was queued.
func (s *Scheduler) Trigger() bool {
	if s.inFlight.Load() {
		metrics.CyclesTotal.WithLabelValues("coalesced").Inc()
		return false
	}
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	s.runCycle(ctx)
	s.runDailyJobsIfNeeded()

	ticker := time.NewTicker(s.interval)
	dailyTicker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	defer dailyTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infof("scheduler: shutting down")
			return
		case <-ticker.C:
			s.runCycle(ctx)
		case <-s.trigger:
			s.runCycle(ctx)
		case <-dailyTicker.C:
			s.runDailyJobsIfNeeded()
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	if err := s.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) && ctx.Err() == nil {
		log.Warnf("scheduler: cycle failed: %v", err)
	}
	// A trigger that slipped in while the cycle was starting is already served.
	select {
	case <-s.trigger:
	default:
	}
}

// RunCycle fetches the latest model run and, when it is newer than what is
// published, computes and publishes it. At most one cycle runs at a time;
// a concurrent call returns ErrCycleInProgress immediately. A cancelled or
// failed cycle leaves the previous publication in place.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	if !s.cycleMu.TryLock() {
		metrics.CyclesTotal.WithLabelValues("coalesced").Inc()
		return ErrCycleInProgress
	}
	defer s.cycleMu.Unlock()
	s.inFlight.Store(true)
	defer s.inFlight.Store(false)

	cycleID := uuid.NewString()
	engine := s.engine.Load()
	siteChanged := s.siteChanged.Swap(false)

	s.setState(StateFetching, cycleID)
	run, err := s.fetch(ctx, cycleID, engine.Site().Location)
	if err != nil {
		if ctx.Err() != nil {
			s.siteChanged.Store(siteChanged)
			s.settle(nil)
			metrics.CyclesTotal.WithLabelValues("cancelled").Inc()
			return ctx.Err()
		}
		metrics.CyclesTotal.WithLabelValues("weather_unavailable").Inc()
		if s.published.Load() == nil || siteChanged {
			if rerr := s.republish(ctx, engine); rerr != nil {
				if ctx.Err() != nil {
					s.siteChanged.Store(siteChanged)
					s.settle(nil)
					return ctx.Err()
				}
				s.settle(rerr)
				return rerr
			}
		}
		s.settle(err)
		return err
	}

	s.mu.Lock()
	s.status.LastError = ""
	s.mu.Unlock()

	pub := s.published.Load()
	if pub != nil && !pub.Fallback && !siteChanged && !run.RunTime.After(pub.Result.RunTime) {
		log.Infof("scheduler: no newer run than %s", pub.Result.RunTime.Format(time.RFC3339))
		metrics.CyclesTotal.WithLabelValues("no_new_data").Inc()
		s.settle(nil)
		return nil
	}

	s.setState(StateComputing, cycleID)
	res, err := s.compute(ctx, engine, run)
	if err != nil {
		if ctx.Err() != nil {
			s.siteChanged.Store(siteChanged)
			s.settle(nil)
			metrics.CyclesTotal.WithLabelValues("cancelled").Inc()
			return ctx.Err()
		}
		metrics.CyclesTotal.WithLabelValues("compute_error").Inc()
		s.settle(err)
		return err
	}

	s.lastRun.Store(run)
	s.publish(res, false)
	metrics.CyclesTotal.WithLabelValues("published").Inc()
	log.Infow("scheduler: published",
		"cycle", cycleID,
		"source", res.Source,
		"run_time", res.RunTime.Format(time.RFC3339),
		"points", len(res.Total.Points))
	s.settle(nil)
	return nil
}

func (s *Scheduler) fetch(ctx context.Context, cycleID string, loc models.Location) (*models.ModelRun, error) {
	source, endpoint := s.source.Source(), s.source.Endpoint()

	var ingestRun *store.IngestRun
	if s.store != nil {
		var err error
		ingestRun, err = s.store.StartIngestRun(cycleID, source, endpoint)
		if err != nil {
			log.Warnf("scheduler: start ingest run: %v", err)
		}
	}

	result, err := s.source.FetchRun(ctx, loc)
	if err == nil && (result == nil || result.Run == nil || len(result.Run.Samples) == 0) {
		err = ErrWeatherUnavailable
	}

	var rejected int
	if err == nil {
		rejected = ValidateRun(result.Run)
	}

	if ingestRun != nil {
		ingestRun.Success = err == nil
		if result != nil {
			ingestRun.HTTPStatus = sql.NullInt64{Int64: int64(result.HTTPStatus), Valid: result.HTTPStatus > 0}
			ingestRun.ResponseSizeBytes = sql.NullInt64{Int64: int64(result.ResponseSize), Valid: result.ResponseSize > 0}
			if result.Run != nil {
				ingestRun.RunTime = sql.NullTime{Time: result.Run.RunTime, Valid: true}
				ingestRun.RecordsParsed = sql.NullInt64{Int64: int64(len(result.Run.Samples)), Valid: true}
				ingestRun.RecordsRejected = sql.NullInt64{Int64: int64(rejected), Valid: true}
			}
			if len(result.Body) > 0 {
				if _, perr := s.store.StoreRawPayload(&ingestRun.ID, source, endpoint, result.Body); perr != nil {
					log.Warnf("scheduler: store raw payload: %v", perr)
				}
			}
		}
		if err != nil {
			ingestRun.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		}
		if cerr := s.store.CompleteIngestRun(ingestRun); cerr != nil {
			log.Warnf("scheduler: complete ingest run: %v", cerr)
		}
	}

	if err != nil {
		return nil, err
	}
	if rejected > 0 {
		log.Warnf("scheduler: %d samples had fields rejected by validation", rejected)
	}
	return result.Run, nil
}

func (s *Scheduler) compute(ctx context.Context, engine *forecast.Engine, run *models.ModelRun) (*forecast.Result, error) {
	start := time.Now()
	res, err := engine.Run(ctx, run)
	metrics.ComputeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	log.Debugw("scheduler: computed",
		"run_time", res.RunTime.Format(time.RFC3339),
		"arrays", len(res.Arrays),
		"points", len(res.Total.Points),
		"took", time.Since(start))
	return res, nil
}

// republish recomputes when weather is unavailable but the published series
// no longer matches the site, or nothing is published yet. The last fetched
// run is reused; only without one does the clear-sky fallback go out.
func (s *Scheduler) republish(ctx context.Context, engine *forecast.Engine) error {
	if run := s.lastRun.Load(); run != nil {
		res, err := s.compute(ctx, engine, run)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, forecast.ErrMisalignedSeries) {
				return err
			}
			log.Warnf("scheduler: recompute %s: %v", run.RunTime.Format(time.RFC3339), err)
			return nil
		}
		s.publish(res, false)
		log.Infof("scheduler: recomputed run %s for the new site", res.RunTime.Format(time.RFC3339))
		return nil
	}

	res, err := engine.Run(ctx, forecast.ClearSkyRun(s.now()))
	if err != nil {
		log.Warnf("scheduler: clear-sky fallback: %v", err)
		return nil
	}
	s.publish(res, true)
	log.Infof("scheduler: published clear-sky fallback")
	return nil
}

// publish is the only place the published series changes.
func (s *Scheduler) publish(res *forecast.Result, fallback bool) {
	now := s.now()
	s.published.Store(&Publication{Result: res, PublishedAt: now, Fallback: fallback})

	metrics.PublishedRunTime.Set(float64(res.RunTime.Unix()))
	for _, a := range res.Arrays {
		metrics.PublishedPoints.WithLabelValues(a.ArrayID).Set(float64(len(a.Points)))
	}
	metrics.PublishedPoints.WithLabelValues(models.AggregateID).Set(float64(len(res.Total.Points)))

	s.mu.Lock()
	s.status.State = StatePublished
	if !fallback {
		s.status.LastError = ""
		s.status.Fault = false
	}
	s.mu.Unlock()
	setStateMetric(StatePublished)

	if s.tracker != nil && !fallback {
		if err := s.tracker.ObservePublished(res, now); err != nil {
			log.Warnf("scheduler: record live forecasts: %v", err)
		}
	}
}

func (s *Scheduler) setState(state State, cycleID string) {
	s.mu.Lock()
	s.status.State = state
	s.status.CycleID = cycleID
	s.mu.Unlock()
	setStateMetric(state)
}

// settle ends a cycle in IDLE, or STALE when the published series has
// outlived its expected successor.
func (s *Scheduler) settle(err error) {
	state := StateIdle
	pub := s.published.Load()
	if pub == nil || pub.Fallback || s.now().After(forecast.NextUpdate(pub.Result.RunTime)) {
		state = StateStale
	}

	s.mu.Lock()
	s.status.State = state
	if err != nil {
		s.status.LastError = err.Error()
		if errors.Is(err, forecast.ErrMisalignedSeries) {
			s.status.Fault = true
		}
	}
	s.mu.Unlock()
	setStateMetric(state)

	if errors.Is(err, forecast.ErrMisalignedSeries) {
		log.Errorw("scheduler: internal invariant violated", "error", err)
	}
}

func (s *Scheduler) runDailyJobsIfNeeded() {
	if s.daily == nil {
		return
	}
	local := s.now().In(s.Site().Timezone)
	day := local.Format("2006-01-02")
	if local.Hour() < 3 || s.lastDaily == day {
		return
	}
	s.lastDaily = day
	s.daily.RunAll(local)
}

func setStateMetric(current State) {
	for _, st := range allStates {
		v := 0.0
		if st == current {
			v = 1
		}
		metrics.SchedulerState.WithLabelValues(string(st)).Set(v)
	}
}
