package router

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/BlackWatch0/avocado/internal/auth"
	"github.com/BlackWatch0/avocado/internal/caldav"
	"github.com/BlackWatch0/avocado/internal/config"
	"github.com/BlackWatch0/avocado/internal/metrics"
	"github.com/BlackWatch0/avocado/internal/model"
	"github.com/BlackWatch0/avocado/internal/planner"
	"github.com/BlackWatch0/avocado/internal/storage"
)

// SyncRunner runs one reconciliation pass inline and reports its outcome.
// The engine implements it.
type SyncRunner interface {
	RunOnce(ctx context.Context, trigger string, windowStart, windowEnd *time.Time) model.SyncResult
}

// ManualTrigger wakes the scheduler outside its interval without blocking.
type ManualTrigger interface {
	TriggerManual()
}

// CalDAVFactory builds a CalDAV client from the current settings. Handlers
// build a fresh client per request so credential edits apply immediately.
type CalDAVFactory func(config.CalDAVConfig) caldav.Service

// PlannerFactory builds a planner client from the current settings.
type PlannerFactory func(config.AIConfig) planner.API

// Deps carries everything the admin API reads or drives.
type Deps struct {
	Config    *config.Store
	State     storage.Store
	Engine    SyncRunner
	Scheduler ManualTrigger
	CalDAV    CalDAVFactory
	Planner   PlannerFactory
	Metrics   *metrics.Metrics
	Auth      *auth.Chain
	Logger    zerolog.Logger
}

// Router serves the dashboard page and the admin API.
type Router struct {
	cfg       *config.Store
	state     storage.Store
	engine    SyncRunner
	scheduler ManualTrigger
	dav       CalDAVFactory
	planner   PlannerFactory
	metrics   *metrics.Metrics
	auth      *auth.Chain
	logger    zerolog.Logger
}
