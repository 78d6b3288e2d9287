package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"cmdsched/internal/api"
	"cmdsched/internal/codec"
	"cmdsched/internal/config"
	"cmdsched/internal/domain"
	httpcmd "cmdsched/internal/handlers/http"
	"cmdsched/internal/handlers/shell"
	"cmdsched/internal/logging"
	"cmdsched/internal/queue"
	"cmdsched/internal/scheduler"
	"cmdsched/internal/worker"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to YAML config")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		workers = flag.Int("workers", 0, "number of worker goroutines (overrides config)")
		poll    = flag.Duration("poll", 0, "poll interval for the store (overrides config)")
	)
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			log.Fatal().Err(err).Str("path", *cfgPath).Msg("load config")
		}
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Store.SQLite.Path = *dbPath
	}
	if *workers > 0 {
		cfg.Worker.Concurrency = *workers
	}
	if *poll > 0 {
		cfg.Worker.Poll = *poll
	}

	if _, err := logging.Setup(cfg.Log, os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("setup logging")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := queue.Open(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("open store")
	}
	defer store.Close()

	reg := codec.NewRegistry()
	reg.Register(func() domain.Command { return &shell.Command{} })
	reg.Register(func() domain.Command { return &httpcmd.Call{} })
	c, err := codec.Get(cfg.Codec, reg)
	if err != nil {
		log.Fatal().Err(err).Msg("codec")
	}

	sched := scheduler.New(store, c)

	svc := scheduler.NewService(sched, reg, scheduler.ServiceConfig{
		StaleAfter: cfg.Recovery.StaleAfter,
		SweepSpec:  cfg.Recovery.Sweep,
		Recurring:  cfg.Recurring,
	})
	go func() {
		if err := svc.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("schedule service")
		}
	}()

	// Handlers registry
	handlers := map[string]worker.Handler{
		shell.Name:   shell.Shell{},
		httpcmd.Name: httpcmd.HTTP{},
	}

	pool := worker.NewPool(sched, handlers, cfg.Worker.Concurrency, cfg.Worker.Poll,
		worker.WithRateLimit(cfg.Worker.Rate, cfg.Worker.Burst))
	poolDone := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(poolDone)
	}()

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: api.NewServerWithDebug(sched, reg, pool.Stats, cfg.HTTP.Debug),
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Str("store", cfg.Store.Driver).Str("codec", c.Name()).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	pool.Stop()
	select {
	case <-poolDone:
	case <-ctxTimeout.Done():
		log.Warn().Msg("worker pool did not drain in time")
	}
	cancel()
}
