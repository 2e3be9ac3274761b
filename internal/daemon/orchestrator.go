package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/msageha/conductor/internal/agentapi"
	"github.com/msageha/conductor/internal/api"
	"github.com/msageha/conductor/internal/lease"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/metrics"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/orchestrator"
	"github.com/msageha/conductor/internal/repository"
	"github.com/msageha/conductor/internal/step"
	"github.com/msageha/conductor/internal/step/builtin"
)

// orchestratorRole dispatches jobs to agents found in the lease store and drains the queue.
type orchestratorRole struct {
	logger *logging.Logger

	storeCloser io.Closer
	agents      *lease.OrchestratorService
	repo        repository.Repository
	jobs        *orchestrator.JobService
	dequeuer    *orchestrator.Dequeuer
	handler     http.Handler

	wg sync.WaitGroup
}

// OrchestratorStatus is the ctl status view of an orchestrator.
type OrchestratorStatus struct {
	Role   string        `json:"role"`
	PID    int           `json:"pid"`
	Agents []model.Lease `json:"agents"`
	Queued int           `json:"queued"`
}

func newOrchestratorRole(ctx context.Context, dataDir string, cfg model.Config, settings func() model.Config, logger *logging.Logger, m *metrics.Metrics) (*orchestratorRole, error) {
	r := &orchestratorRole{logger: logger.With("orchestrator")}

	store, closer, err := openLeaseStore(ctx, dataDir, cfg.Lease, logger)
	if err != nil {
		return nil, err
	}
	r.storeCloser = closer
	if r.repo, err = openRepository(dataDir, cfg.Repository, logger); err != nil {
		r.closeResources()
		return nil, err
	}

	catalog := step.NewCatalog()
	if err := builtin.Register(catalog); err != nil {
		r.closeResources()
		return nil, fmt.Errorf("register builtin steps: %w", err)
	}

	// Per-call deadlines come from orchestrator.agent_timeout_sec, so the shared client has none.
	httpClient := &http.Client{}
	clients := func(baseAddress string) orchestrator.AgentClient {
		return agentapi.NewClient(baseAddress, httpClient)
	}

	r.agents = lease.NewOrchestratorService(store, logger, m)
	dispatcher := orchestrator.NewDispatcher(r.agents, clients, settings, logger, m)
	r.dequeuer = orchestrator.NewDequeuer(r.repo, dispatcher, settings, logger, m)
	r.jobs = orchestrator.NewJobService(dispatcher, step.NewResolver(catalog, logger), r.repo, r.dequeuer, settings, logger, m)
	r.handler = api.NewServer(r.jobs, r.dequeuer, settings, m, logger).Routes()
	return r, nil
}

func (r *orchestratorRole) name() string          { return string(RoleOrchestrator) }
func (r *orchestratorRole) routes() http.Handler { return r.handler }

// start runs the dequeuer until ctx ends.
func (r *orchestratorRole) start(ctx context.Context) error {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.dequeuer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Errorf("dequeuer_stopped error=%v", err)
		}
	}()
	r.logger.Infof("orchestrator_ready")
	return nil
}

func (r *orchestratorRole) status(ctx context.Context) (any, error) {
	agents, err := r.agents.AllAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	queued, err := r.repo.ListQueued(ctx)
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}
	return OrchestratorStatus{Role: r.name(), PID: os.Getpid(), Agents: agents, Queued: len(queued)}, nil
}

func (r *orchestratorRole) abort(ctx context.Context, kind model.ExecutionKind, id *uuid.UUID) ([]uuid.UUID, error) {
	if kind != model.KindMigration && kind != model.KindDeletion {
		return nil, model.ValidationFailed("unknown execution kind %q", kind)
	}
	return r.jobs.Abort(ctx, kind, id)
}

func (r *orchestratorRole) TriggerDequeue() {
	r.dequeuer.TriggerDequeue()
}

// drain waits for the dequeuer, which stops with the daemon context.
func (r *orchestratorRole) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for dequeuer: %w", ctx.Err())
	}
}

func (r *orchestratorRole) stop(context.Context) error {
	r.closeResources()
	return nil
}

func (r *orchestratorRole) closeResources() {
	if r.storeCloser == nil {
		return
	}
	if err := r.storeCloser.Close(); err != nil {
		r.logger.Warnf("lease_store_close_failed error=%v", err)
	}
}
