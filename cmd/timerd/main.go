package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	_ "modernc.org/sqlite"

	"timerflow/internal/api"
	"timerflow/internal/config"
	"timerflow/internal/handlers"
	httphandler "timerflow/internal/handlers/http"
	"timerflow/internal/handlers/shell"
	"timerflow/internal/scheduler"
	"timerflow/internal/store"
	"timerflow/internal/timer"
	"timerflow/internal/txn"
	"timerflow/internal/worker"
)

func main() {
	cfg, err := config.Parse("timerd", os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	cfg.Log.SetupLogging(os.Stdout)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	retry, _ := cfg.Retry.Parse()

	db, err := store.Open(cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	// Handlers registry
	registry := handlers.NewRegistry()
	registry.Register("http", httphandler.HTTP{})
	registry.Register("shell", shell.Shell{})
	registry.Register("log", handlers.Log{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	queue := worker.NewQueue(cfg.Workers)
	queueDone := make(chan struct{})
	go func() {
		queue.Run(ctx)
		close(queueDone)
	}()

	svc, err := timer.NewService(timer.Options{
		Owner:   cfg.Owner,
		Store:   store.NewSQLite(db),
		Tx:      txn.NewManager(),
		Queue:   queue,
		Invoker: registry,
		Retry:   retryPolicy(retry),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("timer service")
	}
	if n, err := svc.Restore(ctx); err != nil {
		log.Error().Err(err).Msg("restore timers")
	} else {
		log.Info().Int("restored", n).Msg("restored persistent timers")
	}
	if err := scheduler.NewService(svc).Sync(ctx, definitions(cfg.Auto)); err != nil {
		log.Error().Err(err).Msg("auto timers")
	}

	// HTTP server
	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServerWithDebug(svc, registry, cfg.Debug)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("owner", cfg.Owner).Bool("debug", cfg.Debug).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	svc.Close()
	queue.Stop()
	<-queueDone
	cancel()
}

func retryPolicy(r config.Retry) timer.RetryPolicy {
	switch r.Mode {
	case "backoff":
		return timer.Backoff{Base: r.Base, Max: r.Max, Limit: r.Limit}
	case "none":
		return timer.NoRetry{}
	default:
		return timer.RetryOnce{After: r.Delay}
	}
}

func definitions(autos []config.AutoTimer) []scheduler.Definition {
	defs := make([]scheduler.Definition, 0, len(autos))
	for _, a := range autos {
		def := scheduler.Definition{Name: a.Name, Cron: a.Cron, Payload: a.Payload}
		if a.Schedule != nil {
			def.Schedule = *a.Schedule
		}
		defs = append(defs, def)
	}
	return defs
}
