package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BlackWatch0/avocado/internal/auth"
	"github.com/BlackWatch0/avocado/internal/caldav"
	"github.com/BlackWatch0/avocado/internal/config"
	"github.com/BlackWatch0/avocado/internal/engine"
	"github.com/BlackWatch0/avocado/internal/httpserver"
	"github.com/BlackWatch0/avocado/internal/logging"
	"github.com/BlackWatch0/avocado/internal/metrics"
	"github.com/BlackWatch0/avocado/internal/planner"
	"github.com/BlackWatch0/avocado/internal/router"
	"github.com/BlackWatch0/avocado/internal/scheduler"
	"github.com/BlackWatch0/avocado/internal/storage"
	"github.com/BlackWatch0/avocado/internal/storage/postgres"
	"github.com/BlackWatch0/avocado/internal/storage/sqlite"
)

func main() {
	_ = godotenv.Load()
	rt := config.LoadRuntime()
	logger := logging.New(rt.LogLevel)

	cfgStore, err := config.NewStore(rt.ConfigPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("config store init failed")
	}

	var state storage.Store
	switch rt.StateBackend {
	case "postgres":
		state, err = postgres.New(rt.PostgresDSN, logger)
	case "sqlite":
		state, err = sqlite.New(rt.StatePath, logger)
	default:
		logger.Fatal().Str("backend", rt.StateBackend).Msg("unknown state backend")
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("state store init failed")
	}
	defer state.Close()

	// Fresh clients per use so config edits through the API apply without a
	// restart.
	newDAV := func(cfg config.CalDAVConfig) caldav.Service { return caldav.New(cfg, logger) }
	newPlanner := func(cfg config.AIConfig) planner.API { return planner.NewClient(cfg) }

	m := metrics.New()
	eng := engine.New(cfgStore, state, newDAV, newPlanner, m, logger)

	sched := scheduler.New(eng, cfgStore, logger)
	sched.Start(context.Background())

	handler := router.New(router.Deps{
		Config:    cfgStore,
		State:     state,
		Engine:    eng,
		Scheduler: sched,
		CalDAV:    newDAV,
		Planner:   newPlanner,
		Metrics:   m,
		Auth:      auth.NewChain(cfgStore, logger),
		Logger:    logger,
	})
	srv := httpserver.New(rt.ListenAddr(), handler, logger)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server stopped with error")
		}
	}()

	// graceful shutdown
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	sched.Stop()
	logger.Info().Msg("bye")
}
