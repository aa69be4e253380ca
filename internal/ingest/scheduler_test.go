package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lox/pvforecast/internal/clearsky"
	"github.com/lox/pvforecast/internal/config"
	"github.com/lox/pvforecast/internal/forecast"
	"github.com/lox/pvforecast/internal/models"
	"github.com/lox/pvforecast/internal/store"
)

var testNow = time.Date(2024, 6, 21, 8, 15, 0, 0, time.UTC)

type fakeSource struct {
	mu      sync.Mutex
	run     *models.ModelRun
	err     error
	calls   int
	started chan struct{}
	release chan struct{}
}

func (f *fakeSource) Source() string   { return "fake" }
func (f *fakeSource) Endpoint() string { return "test" }

func (f *fakeSource) FetchRun(ctx context.Context, loc models.Location) (*FetchResult, error) {
	f.mu.Lock()
	f.calls++
	run, err, started, release := f.run, f.err, f.started, f.release
	f.started = nil
	f.mu.Unlock()

	if started != nil {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrWeatherUnavailable, ctx.Err())
		}
	}
	if err != nil {
		return &FetchResult{HTTPStatus: 503}, err
	}
	return &FetchResult{HTTPStatus: 200, ResponseSize: 7, Body: []byte("payload"), Run: run}, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSource) set(run *models.ModelRun, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.run, f.err = run, err
}

func testSite(arrays ...string) *config.Site {
	site := &config.Site{
		Location: models.Location{Latitude: 60.17, Longitude: 24.94, Elevation: 10},
		Timezone: time.UTC,
		ClearSky: clearsky.Model{Turbidity: clearsky.DefaultLinkeTurbidity},
		SubSteps: 1,
		Horizon:  config.MaxHorizon,
	}
	for _, id := range arrays {
		site.Arrays = append(site.Arrays, models.PanelArray{
			ID: id, Name: id, Tilt: 30, Azimuth: 180, RatedPower: 5,
			ModuleElevation: 5, AlbedoClass: "grass", Albedo: 0.25,
		})
	}
	return site
}

func testRun(runTime time.Time) *models.ModelRun {
	run := &models.ModelRun{Source: "fake", RunTime: runTime}
	for i := 0; i < 24; i++ {
		run.Samples = append(run.Samples, models.WeatherSample{
			Time:          runTime.Add(time.Duration(i) * time.Hour),
			ClearSkyIndex: sql.NullFloat64{Float64: 0.7, Valid: true},
		})
	}
	return run
}

func setupScheduler(t *testing.T, src *fakeSource, arrays ...string) (*Scheduler, *store.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db, time.UTC)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	s := NewScheduler(st, src, testSite(arrays...), forecast.NewTracker(st, 4))
	s.now = func() time.Time { return testNow }
	return s, st
}

func TestScheduler_PublishesNewRun(t *testing.T) {
	runTime := time.Date(2024, 6, 21, 3, 0, 0, 0, time.UTC)
	src := &fakeSource{run: testRun(runTime)}
	s, st := setupScheduler(t, src, "south")

	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	pub := s.Published()
	if pub == nil || pub.Fallback {
		t.Fatalf("expected a weather publication, got %+v", pub)
	}
	if !pub.Result.RunTime.Equal(runTime) {
		t.Errorf("RunTime = %v, want %v", pub.Result.RunTime, runTime)
	}

	status := s.Status()
	if status.State != StateIdle || status.Stale || status.LastError != "" {
		t.Errorf("status = %+v", status)
	}
	if want := runTime.Add(6 * time.Hour); !status.NextUpdate.Equal(want) {
		t.Errorf("NextUpdate = %v, want %v", status.NextUpdate, want)
	}

	health, err := st.GetIngestHealth(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(health) != 1 || health[0].SuccessRuns != 1 || health[0].TotalParsed != 24 {
		t.Errorf("ingest health = %+v", health)
	}

	// Live candidates are recorded for hours after the publication.
	live, err := st.GetLiveForecast("south", time.Date(2024, 6, 21, 10, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if live == nil {
		t.Error("expected a live forecast for a future hour")
	}
}

func TestScheduler_NoNewerRunKeepsSeries(t *testing.T) {
	runTime := time.Date(2024, 6, 21, 3, 0, 0, 0, time.UTC)
	src := &fakeSource{run: testRun(runTime)}
	s, _ := setupScheduler(t, src, "south")

	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := s.Published()

	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Published() != first {
		t.Error("same run time should not republish")
	}

	src.set(testRun(runTime.Add(3*time.Hour)), nil)
	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Published() == first {
		t.Error("newer run should republish")
	}
}

func TestScheduler_FailureKeepsLastSeries(t *testing.T) {
	runTime := time.Date(2024, 6, 21, 3, 0, 0, 0, time.UTC)
	src := &fakeSource{run: testRun(runTime)}
	s, st := setupScheduler(t, src, "south")

	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := s.Published()

	src.set(nil, fmt.Errorf("%w: status 503", ErrWeatherUnavailable))
	err := s.RunCycle(context.Background())
	if !errors.Is(err, ErrWeatherUnavailable) {
		t.Fatalf("err = %v, want ErrWeatherUnavailable", err)
	}
	if s.Published() != first {
		t.Error("failed fetch replaced the published series")
	}

	status := s.Status()
	if status.LastError == "" || status.Fault {
		t.Errorf("status = %+v, want LastError set and no fault", status)
	}

	errs, err := st.GetRecentIngestErrors(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 {
		t.Errorf("got %d failed ingest runs, want 1", len(errs))
	}
}

func TestScheduler_StaleAfterNextUpdate(t *testing.T) {
	runTime := time.Date(2024, 6, 21, 3, 0, 0, 0, time.UTC)
	src := &fakeSource{run: testRun(runTime)}
	s, _ := setupScheduler(t, src, "south")

	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return runTime.Add(7 * time.Hour) }
	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	status := s.Status()
	if status.State != StateStale || !status.Stale {
		t.Errorf("status = %+v, want STALE", status)
	}
}

func TestScheduler_FallbackWithoutWeather(t *testing.T) {
	src := &fakeSource{err: fmt.Errorf("%w: no route", ErrWeatherUnavailable)}
	s, _ := setupScheduler(t, src, "south")

	if err := s.RunCycle(context.Background()); err == nil {
		t.Fatal("expected an error")
	}
	pub := s.Published()
	if pub == nil || !pub.Fallback {
		t.Fatalf("expected clear-sky fallback, got %+v", pub)
	}
	for _, p := range pub.Result.Total.Points {
		if p.Power != p.PowerClearSky {
			t.Fatalf("fallback point %s is not clear sky", p.Time)
		}
	}
	if st := s.Status(); st.State != StateStale || !st.Stale {
		t.Errorf("status = %+v, want STALE", st)
	}

	// A real run replaces the fallback even when older than its hour.
	src.set(testRun(time.Date(2024, 6, 21, 3, 0, 0, 0, time.UTC)), nil)
	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Published().Fallback {
		t.Error("weather run did not replace the fallback")
	}
}

func TestScheduler_CoalescesConcurrentCycles(t *testing.T) {
	src := &fakeSource{
		run:     testRun(time.Date(2024, 6, 21, 3, 0, 0, 0, time.UTC)),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	s, _ := setupScheduler(t, src, "south")

	done := make(chan error, 1)
	go func() { done <- s.RunCycle(context.Background()) }()

	<-src.started
	if err := s.RunCycle(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("concurrent RunCycle = %v, want ErrCycleInProgress", err)
	}
	if st := s.Status(); st.State != StateFetching {
		t.Errorf("state = %s, want FETCHING", st.State)
	}

	close(src.release)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if n := src.callCount(); n != 1 {
		t.Errorf("source called %d times, want 1", n)
	}
}

func TestScheduler_CancelKeepsPublication(t *testing.T) {
	src := &fakeSource{run: testRun(time.Date(2024, 6, 21, 3, 0, 0, 0, time.UTC))}
	s, _ := setupScheduler(t, src, "south")
	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := s.Published()

	src.mu.Lock()
	src.run = testRun(time.Date(2024, 6, 21, 6, 0, 0, 0, time.UTC))
	src.started = make(chan struct{})
	src.release = make(chan struct{})
	src.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.RunCycle(ctx) }()
	<-src.started
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if s.Published() != first {
		t.Error("cancelled cycle changed the publication")
	}
	if st := s.Status(); st.LastError != "" {
		t.Errorf("cancellation recorded as error: %q", st.LastError)
	}
}

func TestScheduler_SetSiteRecomputes(t *testing.T) {
	src := &fakeSource{run: testRun(time.Date(2024, 6, 21, 3, 0, 0, 0, time.UTC))}
	s, _ := setupScheduler(t, src, "south")
	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	s.SetSite(testSite("south", "west"))
	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	res := s.Published().Result
	if len(res.Arrays) != 2 {
		t.Fatalf("got %d arrays after site change, want 2", len(res.Arrays))
	}
	for i, p := range res.Total.Points {
		if p.Power != res.Arrays[0].Points[i].Power+res.Arrays[1].Points[i].Power {
			t.Fatalf("total at %s is not the sum of arrays", p.Time)
		}
	}
}

func TestScheduler_TriggerCoalesces(t *testing.T) {
	s, _ := setupScheduler(t, &fakeSource{}, "south")
	if !s.Trigger() {
		t.Error("first trigger should be queued")
	}
	if s.Trigger() {
		t.Error("second trigger should coalesce with the pending one")
	}
}

func TestScheduler_RejectedSamplesAudited(t *testing.T) {
	run := testRun(time.Date(2024, 6, 21, 3, 0, 0, 0, time.UTC))
	run.Samples[5].Temperature = sql.NullFloat64{Float64: 200, Valid: true}
	s, st := setupScheduler(t, &fakeSource{run: run}, "south")

	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	health, err := st.GetIngestHealth(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(health) != 1 || health[0].TotalRejected != 1 {
		t.Errorf("ingest health = %+v, want 1 rejected", health)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScheduler_TriggerDuringCycleIsDropped(t *testing.T) {
	src := &fakeSource{
		run:     testRun(time.Date(2024, 6, 21, 3, 0, 0, 0, time.UTC)),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	s, _ := setupScheduler(t, src, "south")
	s.SetInterval(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	<-src.started
	if s.Trigger() {
		t.Error("trigger during an in-flight cycle was queued")
	}
	close(src.release)

	waitFor(t, func() bool { return s.Published() != nil })
	// Give the loop a chance to pick up anything that was queued.
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if n := src.callCount(); n != 1 {
		t.Errorf("source called %d times, want 1", n)
	}
}

func TestScheduler_SiteChangeDuringOutageReusesLastRun(t *testing.T) {
	runTime := time.Date(2024, 6, 21, 3, 0, 0, 0, time.UTC)
	src := &fakeSource{run: testRun(runTime)}
	s, _ := setupScheduler(t, src, "south")
	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := s.Published().Result.Arrays[0].Points

	src.set(nil, fmt.Errorf("%w: status 503", ErrWeatherUnavailable))
	s.SetSite(testSite("south", "east"))
	if err := s.RunCycle(context.Background()); !errors.Is(err, ErrWeatherUnavailable) {
		t.Fatalf("err = %v, want ErrWeatherUnavailable", err)
	}

	pub := s.Published()
	if pub.Fallback {
		t.Fatal("site change during an outage published the clear-sky fallback")
	}
	if !pub.Result.RunTime.Equal(runTime) {
		t.Errorf("RunTime = %v, want %v", pub.Result.RunTime, runTime)
	}
	if len(pub.Result.Arrays) != 2 {
		t.Fatalf("got %d arrays, want 2", len(pub.Result.Arrays))
	}
	south := pub.Result.Arrays[0].Points
	if len(south) != len(before) {
		t.Fatalf("got %d points, want %d", len(south), len(before))
	}
	var clouded bool
	for i, p := range south {
		if p != before[i] {
			t.Fatalf("point %d = %+v, want %+v", i, p, before[i])
		}
		if p.Power < p.PowerClearSky {
			clouded = true
		}
	}
	if !clouded {
		t.Error("recomputed series lost the weather")
	}
	if st := s.Status(); st.LastError == "" {
		t.Error("fetch failure not reported")
	}
}

func TestScheduler_SuccessfulFetchClearsLastError(t *testing.T) {
	run := testRun(time.Date(2024, 6, 21, 3, 0, 0, 0, time.UTC))
	src := &fakeSource{run: run}
	s, _ := setupScheduler(t, src, "south")
	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	src.set(nil, fmt.Errorf("%w: status 503", ErrWeatherUnavailable))
	if err := s.RunCycle(context.Background()); err == nil {
		t.Fatal("expected an error")
	}
	if s.Status().LastError == "" {
		t.Fatal("LastError not set after a failed fetch")
	}

	// Same run again: nothing new to publish, but the fetch worked.
	src.set(run, nil)
	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := s.Status(); st.LastError != "" {
		t.Errorf("LastError = %q after a successful fetch", st.LastError)
	}
}
