// Package forecast turns a weather model run into hourly power series for
// every configured array and the system total, and scores them afterwards.
package forecast

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lox/pvforecast/internal/clearsky"
	"github.com/lox/pvforecast/internal/config"
	"github.com/lox/pvforecast/internal/irradiance"
	"github.com/lox/pvforecast/internal/log"
	"github.com/lox/pvforecast/internal/models"
	"github.com/lox/pvforecast/internal/pvmodel"
	"github.com/lox/pvforecast/internal/solar"
)

const (
	// MaxPoints bounds every published series.
	MaxPoints = 66

	// RunInterval is the issuance cadence of the weather model and
	// PublicationLag the delay before a run becomes downloadable.
	RunInterval    = 3 * time.Hour
	PublicationLag = 3 * time.Hour
)

var ErrMisalignedSeries = errors.New("misaligned forecast series")

// Result is everything computed from one model run.
type Result struct {
	RunTime time.Time
	Source  string
	Arrays  []models.ForecastSeries // in configuration order
	Total   models.ForecastSeries
}

// Series returns the series for an array ID or models.AggregateID.
func (r *Result) Series(id string) (models.ForecastSeries, bool) {
	if id == models.AggregateID {
		return r.Total, true
	}
	for _, s := range r.Arrays {
		if s.ArrayID == id {
			return s, true
		}
	}
	return models.ForecastSeries{}, false
}

// Engine evaluates the forecast pipeline for one site. It holds no mutable
// state, so one Engine may serve concurrent runs.
type Engine struct {
	site        *config.Site
	angularLoss float64
}

func NewEngine(site *config.Site) *Engine {
	return &Engine{site: site, angularLoss: irradiance.DefaultAngularLoss}
}

func (e *Engine) Site() *config.Site { return e.site }

// NextUpdate is the earliest time the run after runTime can be downloaded.
func NextUpdate(runTime time.Time) time.Time {
	return runTime.Add(RunInterval + PublicationLag)
}

// ClearSkyRun is a model run without weather: every hour degrades to the
// clear-sky reference.
func ClearSkyRun(now time.Time) *models.ModelRun {
	return &models.ModelRun{Source: "clearsky", RunTime: now.UTC().Truncate(time.Hour)}
}

// instant is the sun and clear sky at one sub-step of an hour.
type instant struct {
	pos      solar.Position
	clear    clearsky.Irradiance
	dniExtra float64
}

// hour is the array-independent part of one grid point.
type hour struct {
	time    time.Time
	sky     irradiance.Sky
	steps   []instant
	weather pvmodel.Conditions
	albedo  sql.NullFloat64
}

// Run computes per-array and aggregate series for a model run. Arrays are
// evaluated concurrently; nothing is returned unless every array succeeds.
func (e *Engine) Run(ctx context.Context, run *models.ModelRun) (*Result, error) {
	hours, err := e.prepare(ctx, run)
	if err != nil {
		return nil, err
	}
	if len(hours) > 0 {
		log.Debugw("forecast: grid",
			"source", run.Source,
			"first", hours[0].time.Format(time.RFC3339),
			"hours", len(hours),
			"sky", skySources(hours))
	}

	lastUpdate := run.RunTime.UTC()
	series := make([]models.ForecastSeries, len(e.site.Arrays))

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range e.site.Arrays {
		g.Go(func() error {
			points, err := e.arrayPoints(gctx, a, hours)
			if err != nil {
				return fmt.Errorf("array %s: %w", a.ID, err)
			}
			series[i] = models.ForecastSeries{
				ArrayID:    a.ID,
				Points:     points,
				LastUpdate: lastUpdate,
				NextUpdate: NextUpdate(lastUpdate),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total, err := Aggregate(series)
	if err != nil {
		return nil, err
	}

	return &Result{
		RunTime: lastUpdate,
		Source:  run.Source,
		Arrays:  series,
		Total:   total,
	}, nil
}

// Grid returns the hourly timestamps a run is evaluated on: starting at the
// run's first valid hour, strictly before RunTime+horizon, at most MaxPoints.
func Grid(run *models.ModelRun, horizon time.Duration) []time.Time {
	runHour := run.RunTime.UTC().Truncate(time.Hour)
	start, found := runHour, false
	for _, s := range run.Samples {
		t := s.Time.UTC().Truncate(time.Hour)
		if t.Before(runHour) {
			continue
		}
		if !found || t.Before(start) {
			start, found = t, true
		}
	}

	end := run.RunTime.UTC().Add(horizon)
	var grid []time.Time
	for t := start; t.Before(end) && len(grid) < MaxPoints; t = t.Add(time.Hour) {
		grid = append(grid, t)
	}
	return grid
}

func (e *Engine) prepare(ctx context.Context, run *models.ModelRun) ([]hour, error) {
	if run == nil {
		return nil, fmt.Errorf("nil model run")
	}

	samples := make(map[int64]*models.WeatherSample, len(run.Samples))
	for i := range run.Samples {
		s := &run.Samples[i]
		samples[s.Time.UTC().Truncate(time.Hour).Unix()] = s
	}

	grid := Grid(run, e.site.Horizon)
	n := e.site.SubSteps
	step := time.Hour / time.Duration(n)

	hours := make([]hour, len(grid))
	for i, t := range grid {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		h := hour{time: t, steps: make([]instant, n)}
		var clearGHI float64
		for k := 0; k < n; k++ {
			at := t.Add(step*time.Duration(k) + step/2)
			irr, pos, err := e.site.ClearSky.At(e.site.Location, at)
			if err != nil {
				return nil, err
			}
			h.steps[k] = instant{pos: pos, clear: irr, dniExtra: solar.ExtraterrestrialDNI(at)}
			clearGHI += irr.GHI
		}

		sample := samples[t.Unix()]
		h.sky = irradiance.Estimate(sample, clearGHI/float64(n))
		h.weather = pvmodel.Conditions{
			AirTemperature: pvmodel.DefaultAirTemperature,
			WindSpeed:      pvmodel.DefaultWindSpeed,
		}
		if sample != nil {
			h.weather.AirTemperature = valueOr(sample.Temperature, pvmodel.DefaultAirTemperature)
			h.weather.WindSpeed = valueOr(sample.WindSpeed, pvmodel.DefaultWindSpeed)
			h.albedo = sample.Albedo
		}
		hours[i] = h
	}
	return hours, nil
}

func (e *Engine) arrayPoints(ctx context.Context, a models.PanelArray, hours []hour) ([]models.ForecastPoint, error) {
	elec := pvmodel.Array{RatedPower: a.RatedPower, ModuleElevation: a.ModuleElevation}

	points := make([]models.ForecastPoint, len(hours))
	for i, h := range hours {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		surface := irradiance.Surface{Tilt: a.Tilt, Azimuth: a.Azimuth, Albedo: valueOr(h.albedo, a.Albedo)}

		var power, clearPower float64
		for _, st := range h.steps {
			clearOut := e.output(st.clear, st, surface, elec, h.weather)
			clearPower += clearOut

			real := h.sky.Apply(st.clear, st.pos)
			if real == st.clear {
				power += clearOut
				continue
			}
			power += e.output(real, st, surface, elec, h.weather)
		}

		n := float64(len(h.steps))
		points[i] = models.ForecastPoint{
			Time:          h.time,
			Power:         power / n,
			PowerClearSky: clearPower / n,
		}
	}
	return points, nil
}

func (e *Engine) output(irr clearsky.Irradiance, st instant, s irradiance.Surface, elec pvmodel.Array, c pvmodel.Conditions) float64 {
	poa := irradiance.Transpose(irr, st.pos, s, st.dniExtra)
	absorbed := irradiance.Effective(poa, s.Tilt, e.angularLoss)
	return elec.Output(absorbed, c)
}

// skySources counts how each hour's clear-sky index was derived.
func skySources(hours []hour) map[irradiance.IndexSource]int {
	counts := make(map[irradiance.IndexSource]int)
	for _, h := range hours {
		counts[h.sky.Source]++
	}
	return counts
}

func valueOr(v sql.NullFloat64, def float64) float64 {
	if !v.Valid || math.IsNaN(v.Float64) || math.IsInf(v.Float64, 0) {
		return def
	}
	return v.Float64
}
