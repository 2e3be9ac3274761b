package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	"github.com/google/uuid"

	"github.com/msageha/conductor/internal/agent"
	"github.com/msageha/conductor/internal/agentapi"
	"github.com/msageha/conductor/internal/events"
	"github.com/msageha/conductor/internal/execution"
	"github.com/msageha/conductor/internal/executor"
	"github.com/msageha/conductor/internal/lease"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/metrics"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/step"
	"github.com/msageha/conductor/internal/step/builtin"
)

// agentRole runs migrations and deletions on this host and advertises itself in the lease store.
type agentRole struct {
	logger *logging.Logger

	store       lease.Store
	storeCloser io.Closer
	leases      *lease.AgentService
	slots       *execution.Service
	cancelSlots context.CancelFunc

	bus        *events.Bus
	audit      *events.AuditSink
	stopAudit  func()
	migrations *agent.MigrationService
	deletions  *agent.DeletionService
	handler    http.Handler

	family      string
	machineName string
	baseAddress string
}

// AgentStatus is the ctl status view of an agent.
type AgentStatus struct {
	Role    string          `json:"role"`
	PID     int             `json:"pid"`
	Lease   model.Lease     `json:"lease"`
	Current *execution.Slot `json:"current,omitempty"`
}

// newAgentRole wires the agent; addr is the bound HTTP listener, advertised in the lease
// unless agent.base_address is set.
func newAgentRole(ctx context.Context, dataDir string, addr net.Addr, cfg model.Config, settings func() model.Config, logger *logging.Logger, m *metrics.Metrics) (_ *agentRole, err error) {
	r := &agentRole{
		logger:      logger.With("agent"),
		family:      cfg.Agent.Family,
		machineName: cfg.Agent.MachineName,
		baseAddress: cfg.Agent.BaseAddress,
	}
	defer func() {
		if err != nil {
			r.closeResources()
		}
	}()

	if r.machineName == "" {
		if r.machineName, err = os.Hostname(); err != nil {
			return nil, fmt.Errorf("machine name: %w", err)
		}
	}

	if r.store, r.storeCloser, err = openLeaseStore(ctx, dataDir, cfg.Lease, logger); err != nil {
		return nil, err
	}
	repo, err := openRepository(dataDir, cfg.Repository, logger)
	if err != nil {
		return nil, err
	}
	ws, err := builtin.NewWorkspace(dataPath(dataDir, cfg.Agent.Workspace, "workspace"))
	if err != nil {
		return nil, err
	}

	r.bus = events.NewBus(cfg.Events.BufferSize, logger)
	if cfg.Events.AuditLog != "" {
		if r.audit, err = events.NewAuditSink(dataPath(dataDir, cfg.Events.AuditLog, ""), cfg.Events.AuditMaxBytes); err != nil {
			return nil, err
		}
		r.stopAudit = r.audit.Attach(r.bus)
	}
	emitter := events.NewService(r.bus, cfg.Events.MaxPerSecond, logger)

	catalog := step.NewCatalog()
	if err := builtin.Register(catalog); err != nil {
		return nil, fmt.Errorf("register builtin steps: %w", err)
	}
	resolver := step.NewResolver(catalog, logger)
	services := step.ServiceMap{builtin.ServiceWorkspace: ws}

	// The slot context outlives the daemon context so shutdown can drain a running job.
	slotCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancelSlots = cancel
	if r.baseAddress == "" {
		r.baseAddress = advertisedAddress(r.machineName, addr)
	}
	r.leases = lease.NewAgentService(r.store, lease.Identity{
		BaseAddress: r.baseAddress,
		MachineName: r.machineName,
		Family:      r.family,
		TTL:         cfg.LeaseTTL(),
	}, logger, m)
	r.slots = execution.NewService(slotCtx, r.leases, logger, m)

	r.migrations = agent.NewMigrationService(r.slots, resolver, services,
		executor.NewMigrationExecutor(repo, emitter, settings, logger, m), repo, r.family, logger)
	r.deletions = agent.NewDeletionService(r.slots,
		executor.NewDeletionExecutor(ws, emitter, settings, logger, m), logger)
	r.handler = agentapi.NewServer(r.migrations, r.deletions, m, logger).Routes()
	return r, nil
}

func (r *agentRole) name() string          { return string(RoleAgent) }
func (r *agentRole) routes() http.Handler { return r.handler }

// start publishes the idle lease.
func (r *agentRole) start(ctx context.Context) error {
	if err := r.leases.Create(ctx); err != nil {
		return err
	}
	r.logger.Infof("agent_ready base_address=%s family=%s machine=%s", r.baseAddress, r.family, r.machineName)
	return nil
}

// advertisedAddress replaces a wildcard listen host with the machine name.
func advertisedAddress(machine string, addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "http://" + addr.String()
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = machine
	}
	return "http://" + net.JoinHostPort(host, port)
}

func (r *agentRole) status(context.Context) (any, error) {
	st := AgentStatus{Role: r.name(), PID: os.Getpid(), Lease: r.leases.Current()}
	if slot, ok := r.slots.Current(); ok {
		st.Current = &slot
	}
	return st, nil
}

func (r *agentRole) abort(_ context.Context, kind model.ExecutionKind, id *uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	switch kind {
	case model.KindMigration:
		ids = r.migrations.Abort(id)
	case model.KindDeletion:
		ids = r.deletions.Abort(id)
	default:
		return nil, model.ValidationFailed("unknown execution kind %q", kind)
	}
	if id != nil && len(ids) == 0 {
		return nil, model.NoSuchInstance(*id)
	}
	return ids, nil
}

// drain refuses new work and waits for the running execution. When ctx expires first the
// execution is cancelled.
func (r *agentRole) drain(ctx context.Context) error {
	if err := r.slots.WaitForFinish(ctx); err != nil {
		r.logger.Warnf("drain_timeout error=%v", err)
		r.cancelSlots()
		return err
	}
	return nil
}

// stop removes the lease and releases the stores.
func (r *agentRole) stop(ctx context.Context) error {
	err := r.leases.Delete(ctx)
	r.closeResources()
	return err
}

func (r *agentRole) closeResources() {
	if r.cancelSlots != nil {
		r.cancelSlots()
	}
	if r.stopAudit != nil {
		r.stopAudit()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	var errs []error
	if r.audit != nil {
		errs = append(errs, r.audit.Close())
	}
	if r.storeCloser != nil {
		errs = append(errs, r.storeCloser.Close())
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Warnf("agent_close_failed error=%v", err)
	}
}
