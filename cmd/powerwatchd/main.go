// powerwatchd is the prepaid electricity meter usage daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "time/tzdata"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/powerwatch/internal/api"
	"github.com/xtxerr/powerwatch/internal/errors"
	"github.com/xtxerr/powerwatch/internal/loader"
	"github.com/xtxerr/powerwatch/internal/logging"
	"github.com/xtxerr/powerwatch/internal/metrics"
	"github.com/xtxerr/powerwatch/internal/scheduler"
	"github.com/xtxerr/powerwatch/internal/sink"
	"github.com/xtxerr/powerwatch/internal/source"
	"github.com/xtxerr/powerwatch/internal/usage/archive"
	"github.com/xtxerr/powerwatch/internal/usage/engine"
	"github.com/xtxerr/powerwatch/internal/usage/persist"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	listen := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	if err := run(*cfgPath, *listen); err != nil {
		logging.Error("powerwatchd failed", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath, listen string) error {
	// =========================================================================
	// Configuration
	// =========================================================================

	cfg, err := loader.Load(cfgPath)
	defaulted := false
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		cfg = loader.DefaultConfig()
		defaulted = true
	}
	loader.ApplyEnv(cfg, os.Getenv)
	if listen != "" {
		cfg.Listen = listen
	}

	logging.Init(logging.ParseLevel(cfg.Log.Level), cfg.Log.JSON)
	log := logging.Component("main")
	log.Info("powerwatchd starting", "version", Version)
	if defaulted {
		log.Info("no config file found, using defaults", "path", cfgPath)
	}

	if err := loader.Validate(cfg); err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// =========================================================================
	// Persistence and Engine
	// =========================================================================

	backend := persist.Open(ctx, persist.Options{
		FilePath: cfg.Storage.File.Path,
		Mongo: persist.MongoOptions{
			URI:            cfg.Storage.Mongo.URI,
			Database:       cfg.Storage.Mongo.Database,
			ConnectTimeout: cfg.Storage.Mongo.ConnectTimeout.Duration(),
		},
		MaxHistory: cfg.History.MaxRecords,
		Location:   loc,
	})
	log.Info("persistence backend selected", "backend", backend.Name(), "available", backend.Available())

	eng := engine.New(engine.Options{
		Location:   loc,
		MaxHistory: cfg.History.MaxRecords,
		Retention:  cfg.Retention.ToRollup(),
		Backend:    backend,
		Metrics:    m,
	})
	if err := eng.Restore(ctx); err != nil {
		log.Warn("starting with empty state", "error", err)
	}

	// =========================================================================
	// Scheduler, Archive and Sinks
	// =========================================================================

	fetcher := source.NewHTTPFetcher(source.Config{
		URL:       cfg.Source.URL,
		UserAgent: cfg.Source.UserAgent,
		Timeout:   cfg.Source.Timeout.Duration(),
		Location:  loc,
	})

	sched := scheduler.New(&scheduler.Config{
		Interval:     cfg.Scheduler.Interval.Duration(),
		FetchTimeout: cfg.Source.Timeout.Duration(),
		DrainTimeout: cfg.Scheduler.DrainTimeout.Duration(),
		FetchOnStart: cfg.Scheduler.FetchOnStart,
	}, fetcher, eng, m)

	var (
		arch      *archive.Archive
		archQuery *archive.Query
	)
	if cfg.Archive.Enabled {
		arch, err = archive.New(archive.Options{
			Dir:         cfg.Archive.Dir,
			Compression: archive.ParseCompressionType(cfg.Archive.Compression),
			Retention:   cfg.Archive.Retention.Duration(),
			Location:    loc,
		}, m)
		if err != nil {
			return err
		}
		sched.AddHook(arch.Hook())

		archQuery, err = archive.NewQuery(arch.Dir(), cfg.Archive.QueryMemoryLimit.DuckDB(), loc)
		if err != nil {
			log.Warn("archive queries disabled", "error", err)
			archQuery = nil
		}
		log.Info("archive enabled", "dir", arch.Dir(), "compression", cfg.Archive.Compression)
	}

	fanout := buildSinks(cfg, m, log)
	if fanout.Len() > 0 {
		sched.AddHook(fanout.Hook())
		log.Info("sinks enabled", "sinks", fanout.Names())
	}

	// =========================================================================
	// HTTP API
	// =========================================================================

	deps := api.Deps{
		Engine:    eng,
		Scheduler: sched,
		Backend:   backend,
		Metrics:   m,
	}
	if archQuery != nil {
		deps.Archive = archQuery
	}
	srv := api.New(api.Config{
		RecentWindow:    cfg.History.RecentWindow,
		SummaryCacheTTL: cfg.API.SummaryCacheTTL.Duration(),
	}, deps)
	sched.AddHook(srv.Hook())

	// =========================================================================
	// Run
	// =========================================================================

	sched.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, cfg.Listen, cfg.ShutdownTimeout.Duration())
	})
	g.Go(func() error {
		<-gctx.Done()
		// Stop the scheduler before closing what its cycles write to.
		sched.Stop(context.Background())
		return nil
	})

	runErr := g.Wait()
	log.Info("shutting down")

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := fanout.Close(); err != nil {
		log.Warn("sink close", "error", err)
	}
	if archQuery != nil {
		if err := archQuery.Close(); err != nil {
			log.Warn("archive query close", "error", err)
		}
	}
	if err := backend.Close(closeCtx); err != nil {
		log.Warn("backend close", "error", err)
	}

	log.Info("powerwatchd stopped")
	return runErr
}

// buildSinks creates the enabled sinks. A sink that cannot be created is
// logged and skipped.
func buildSinks(cfg *loader.Config, m *metrics.Metrics, log *slog.Logger) *sink.Fanout {
	var sinks []sink.Sink

	if c := cfg.Sinks.Influx; c.Enabled {
		s, err := sink.NewInflux(sink.InfluxOptions{
			URL:         c.URL,
			Token:       c.Token,
			Org:         c.Org,
			Bucket:      c.Bucket,
			Measurement: c.Measurement,
			Timeout:     cfg.Sinks.Timeout.Duration(),
		})
		if err != nil {
			log.Warn("influxdb sink disabled", "error", err)
		} else {
			sinks = append(sinks, s)
		}
	}

	if c := cfg.Sinks.Kafka; c.Enabled {
		s, err := sink.NewKafka(sink.KafkaOptions{Brokers: c.Brokers, Topic: c.Topic})
		if err != nil {
			log.Warn("kafka sink disabled", "error", err)
		} else {
			sinks = append(sinks, s)
		}
	}

	return sink.NewFanout(cfg.Sinks.Timeout.Duration(), m, sinks...)
}
