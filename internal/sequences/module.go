// Package sequences provides the follow-up sequence bounded context module:
// definitions, enrollments, the step executor, and content generation.
package sequences

import (
	"context"

	"servicecrm_backend/internal/dispatch"
	"servicecrm_backend/internal/events"
	apphttp "servicecrm_backend/internal/http"
	"servicecrm_backend/internal/identity"
	leadrepo "servicecrm_backend/internal/leads/repository"
	"servicecrm_backend/internal/sequences/enrollment"
	"servicecrm_backend/internal/sequences/executor"
	"servicecrm_backend/internal/sequences/generator"
	"servicecrm_backend/internal/sequences/handler"
	"servicecrm_backend/internal/sequences/repository"
	"servicecrm_backend/platform/config"
	"servicecrm_backend/platform/logger"
	"servicecrm_backend/platform/validator"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Module is the sequences bounded context module implementing http.Module.
type Module struct {
	handler    *handler.Handler
	enrollment *enrollment.Service
	executor   *executor.Executor
	repo       *repository.Repository
}

// NewModule wires the sequence engine. It subscribes the enrollment lifecycle
// to lead events, so constructing the module is enough to make auto-enroll and
// cancel-on-reply live.
func NewModule(
	pool *pgxpool.Pool,
	eventBus events.Bus,
	dispatcher dispatch.Dispatcher,
	gen generator.Generator,
	leadsRepo *leadrepo.Repository,
	orgsRepo *identity.Repository,
	cfg config.EngineConfig,
	val *validator.Validator,
	log *logger.Logger,
) *Module {
	repo := repository.New(pool)
	store := executor.NewPGStore(pool, repo, leadsRepo, orgsRepo, log)
	exec := executor.New(store, dispatcher, gen, eventBus, cfg, log)

	enrollSvc := enrollment.New(repo, log)
	enrollSvc.RegisterHandlers(eventBus)

	h := handler.New(repo, enrollSvc, exec, seeder(repo), val)

	return &Module{
		handler:    h,
		enrollment: enrollSvc,
		executor:   exec,
		repo:       repo,
	}
}

func seeder(repo *repository.Repository) handler.Seeder {
	return func(ctx context.Context, organizationID uuid.UUID) (int, error) {
		return InstallDefaults(ctx, repo, organizationID)
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "sequences"
}

// Executor returns the step executor for the scheduler worker.
func (m *Module) Executor() *executor.Executor {
	return m.executor
}

// Enrollment returns the enrollment service for cross-module use.
func (m *Module) Enrollment() *enrollment.Service {
	return m.enrollment
}

// Repository returns the sequences repository.
func (m *Module) Repository() *repository.Repository {
	return m.repo
}

// RegisterRoutes mounts sequence and trigger routes.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	m.handler.RegisterRoutes(ctx.V1.Group("/sequences"))
	m.handler.RegisterTriggerRoutes(ctx.V1.Group("/triggers"))
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
