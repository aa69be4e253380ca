package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/lox/pvforecast/internal/api"
	"github.com/lox/pvforecast/internal/config"
	"github.com/lox/pvforecast/internal/forecast"
	"github.com/lox/pvforecast/internal/ingest"
	"github.com/lox/pvforecast/internal/log"
	"github.com/lox/pvforecast/internal/models"
	"github.com/lox/pvforecast/internal/store"
)

type Globals struct {
	DB    string `help:"Path to SQLite database." default:"data/pvforecast.db" env:"PVF_DB" type:"path"`
	Site  string `help:"Path to site configuration." default:"site.yaml" env:"PVF_SITE" type:"path"`
	Debug bool   `help:"Enable debug logging." env:"PVF_DEBUG"`
}

type CLI struct {
	Globals

	Serve    ServeCmd    `cmd:"" default:"withargs" help:"Run the scheduler and HTTP API."`
	Once     OnceCmd     `cmd:"" help:"Run one forecast cycle and print the result."`
	ClearSky ClearSkyCmd `cmd:"" name:"clearsky" help:"Print the clear-sky series without fetching weather."`
	Accuracy AccuracyCmd `cmd:"" help:"Print forecast accuracy statistics."`
}

func main() {
	// A missing .env is fine; flags and the environment still apply.
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("pvforecast"),
		kong.Description("Hourly solar PV power forecasts from FMI HARMONIE weather."),
		kong.UsageOnError(),
	)

	if err := log.Init(cli.Debug); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

func (g *Globals) loadSite() (*config.Site, error) {
	site, err := config.Load(g.Site)
	if err != nil {
		return nil, err
	}
	log.Infof("site: %.4f,%.4f with %d arrays", site.Location.Latitude, site.Location.Longitude, len(site.Arrays))
	return site, nil
}

func (g *Globals) openStore(loc *time.Location) (*store.Store, error) {
	if dir := filepath.Dir(g.DB); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	st, err := store.Open(g.DB, loc)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

type ServeCmd struct {
	Port         string        `help:"HTTP server port." default:"8080" env:"PVF_PORT"`
	PollInterval time.Duration `help:"Weather polling interval." default:"30m" env:"PVF_POLL_INTERVAL"`
	NoPoll       bool          `help:"Disable polling (server only, for local dev)."`
}

func (c *ServeCmd) Run(g *Globals) error {
	site, err := g.loadSite()
	if err != nil {
		return err
	}
	st, err := g.openStore(site.Timezone)
	if err != nil {
		return err
	}
	defer st.Close()

	tracker := forecast.NewTracker(st, forecast.DefaultQueueSize)
	scheduler := ingest.NewScheduler(st, ingest.NewFMIClient(), site, tracker)
	scheduler.SetInterval(c.PollInterval)
	server := api.NewServer(st, scheduler, tracker, c.Port)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		tracker.Run(ctx)
		return nil
	})
	if !c.NoPoll {
		group.Go(func() error {
			scheduler.Run(ctx)
			return nil
		})
	} else {
		log.Infof("polling disabled (--no-poll)")
	}
	group.Go(func() error {
		reloadOnHangup(ctx, g, scheduler)
		return nil
	})
	group.Go(func() error {
		return server.Run(ctx)
	})
	return group.Wait()
}

// reloadOnHangup replaces the site configuration on SIGHUP. A site that
// fails to load leaves the current one in place.
func reloadOnHangup(ctx context.Context, g *Globals, scheduler *ingest.Scheduler) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			site, err := g.loadSite()
			if err != nil {
				log.Errorf("reload: %v", err)
				continue
			}
			scheduler.SetSite(site)
			scheduler.Trigger()
		}
	}
}

type OnceCmd struct {
	Array string `help:"Array ID to print (default: system total)." default:"total"`
}

func (c *OnceCmd) Run(g *Globals) error {
	site, err := g.loadSite()
	if err != nil {
		return err
	}
	st, err := g.openStore(site.Timezone)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracker := forecast.NewTracker(st, forecast.DefaultQueueSize)
	scheduler := ingest.NewScheduler(st, ingest.NewFMIClient(), site, tracker)
	if err := scheduler.RunCycle(ctx); err != nil {
		log.Warnf("once: %v", err)
	}

	pub := scheduler.Published()
	if pub == nil {
		return fmt.Errorf("no forecast published")
	}
	series, ok := pub.Result.Series(c.Array)
	if !ok {
		return fmt.Errorf("unknown array %q", c.Array)
	}
	return printJSON(api.NewSensorView(series, time.Now(), site.Timezone, scheduler.Status()))
}

type ClearSkyCmd struct {
	Array string `help:"Array ID to print (default: system total)." default:"total"`
}

func (c *ClearSkyCmd) Run(g *Globals) error {
	site, err := g.loadSite()
	if err != nil {
		return err
	}

	now := time.Now()
	res, err := forecast.NewEngine(site).Run(context.Background(), forecast.ClearSkyRun(now))
	if err != nil {
		return err
	}
	series, ok := res.Series(c.Array)
	if !ok {
		return fmt.Errorf("unknown array %q", c.Array)
	}
	return printJSON(api.NewSensorView(series, now, site.Timezone, ingest.Status{State: ingest.StatePublished}))
}

type AccuracyCmd struct {
	Array string `help:"Array ID (default: every tracked array)."`
	Days  int    `help:"Trailing window in days." default:"7"`
}

func (c *AccuracyCmd) Run(g *Globals) error {
	site, err := g.loadSite()
	if err != nil {
		return err
	}
	st, err := g.openStore(site.Timezone)
	if err != nil {
		return err
	}
	defer st.Close()

	ids := []string{c.Array}
	if c.Array == "" {
		if ids, err = st.AccuracyArrayIDs(); err != nil {
			return err
		}
		if len(ids) == 0 {
			ids = []string{models.AggregateID}
		}
	}

	tracker := forecast.NewTracker(st, 1)
	for _, id := range ids {
		stats, err := tracker.Stats(id, c.Days)
		if err != nil {
			return err
		}
		if err := printJSON(api.NewAccuracyResponse(stats)); err != nil {
			return err
		}
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
