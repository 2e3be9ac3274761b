package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/metrics"
	"github.com/msageha/conductor/internal/model"
)

// Dispatcher hands executions to agents picked from the lease store.
type Dispatcher struct {
	agents   Agents
	clients  ClientFactory
	settings func() model.Config
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

func NewDispatcher(agents Agents, clients ClientFactory, settings func() model.Config, logger *logging.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		agents:   agents,
		clients:  clients,
		settings: settings,
		logger:   logger.With("dispatch"),
		metrics:  m,
	}
}

// Start offers the execution to the idle agents of family until one accepts, and returns
// the instance id it reported. A conflicting active lease, seen locally or reported by
// the agent, stops the search with ConflictingExecution. Running out of agents is
// NoAgentAvailable.
func (d *Dispatcher) Start(ctx context.Context, family string, kind model.ExecutionKind, hasConflict model.ConflictFunc, start func(ctx context.Context, c AgentClient) (uuid.UUID, error)) (uuid.UUID, error) {
	d.logger.Debugf("dispatch_scan kind=%s family=%s", kind, family)
	for l, err := range d.agents.IdleAgents(ctx, family, kind, hasConflict) {
		if err != nil {
			if model.HasLabel(err, model.LabelConflictingExecution) {
				d.metrics.Dispatch(string(kind), "conflict")
			}
			return uuid.Nil, err
		}

		var id uuid.UUID
		accepted, err := d.offer(ctx, kind, l, func(ctx context.Context, c AgentClient) error {
			var err error
			id, err = start(ctx, c)
			return err
		})
		if err != nil {
			return uuid.Nil, err
		}
		if accepted {
			d.metrics.Dispatch(string(kind), "started")
			d.logger.Infof("dispatched kind=%s instance=%s agent=%s", kind, id, l.MachineName)
			return id, nil
		}
	}
	d.metrics.Dispatch(string(kind), "no_agent")
	d.logger.Warnf("no_agent_available kind=%s family=%s", kind, family)
	return uuid.Nil, model.NoAgentAvailable()
}

// Dequeue asks the idle agents of family to pick up the queued migration at coord.
// It reports false when no agent took it.
func (d *Dispatcher) Dequeue(ctx context.Context, coord model.Coordinate, family string) (bool, error) {
	for l, err := range d.agents.IdleAgents(ctx, family, model.KindMigration, nil) {
		if err != nil {
			return false, err
		}
		accepted, err := d.offer(ctx, model.KindMigration, l, func(ctx context.Context, c AgentClient) error {
			return c.DequeueMigration(ctx, coord)
		})
		if err != nil {
			return false, err
		}
		if accepted {
			d.logger.Infof("dequeued instance=%s attempt=%d agent=%s", coord.ID, coord.Attempt, l.MachineName)
			return true, nil
		}
	}
	return false, nil
}

// offer runs call against one agent. Busy agents and timeouts are skipped; a conflict
// reported by the agent becomes a local ConflictingExecution.
func (d *Dispatcher) offer(ctx context.Context, kind model.ExecutionKind, l model.Lease, call func(ctx context.Context, c AgentClient) error) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.settings().AgentTimeout())
	defer cancel()

	err := call(callCtx, d.clients(l.BaseAddress))
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if d.timedOut(callCtx, err) {
		d.metrics.Dispatch(string(kind), "skipped_timeout")
		d.logger.Warnf("agent_timeout agent=%s address=%s error=%v", l.MachineName, l.BaseAddress, err)
		return false, nil
	}

	label, _ := model.DownstreamLabel(err)
	switch label {
	case model.LabelAlreadyExecuting:
		d.metrics.Dispatch(string(kind), "skipped_busy")
		d.logger.Debugf("agent_busy agent=%s", l.MachineName)
		return false, nil
	case model.LabelConflictingExecution:
		ee, _ := model.AsExecError(err)
		otherKind, otherID, ok := ee.Inner.ExecutionRef()
		if !ok {
			return false, err
		}
		d.metrics.Dispatch(string(kind), "conflict")
		d.logger.Infof("dispatch_conflict kind=%s other_kind=%s other_instance=%s agent=%s", kind, otherKind, otherID, l.MachineName)
		return false, model.ConflictingExecution(otherKind, otherID)
	}
	d.metrics.Dispatch(string(kind), "error")
	return false, err
}

func (d *Dispatcher) timedOut(callCtx context.Context, err error) bool {
	return errors.Is(err, model.ErrAgentTimeout) || errors.Is(callCtx.Err(), context.DeadlineExceeded)
}

// Abort asks every agent to abort executions of kind, or only instance id when it is
// non-nil. With an id it stops at the first agent that reports it.
func (d *Dispatcher) Abort(ctx context.Context, kind model.ExecutionKind, id *uuid.UUID) ([]uuid.UUID, error) {
	leases, err := d.agents.AllAgents(ctx)
	if err != nil {
		return nil, err
	}
	aborted := []uuid.UUID{}
	for _, l := range leases {
		ids, err := d.abortOne(ctx, kind, l, id)
		if err != nil {
			if ctx.Err() != nil {
				return aborted, ctx.Err()
			}
			if errors.Is(err, model.ErrAgentTimeout) {
				d.logger.Warnf("agent_timeout agent=%s address=%s error=%v", l.MachineName, l.BaseAddress, err)
				continue
			}
			if id != nil && isNotFound(err) {
				continue
			}
			return aborted, err
		}
		if id != nil {
			d.logger.Infof("aborted kind=%s instance=%s agent=%s", kind, *id, l.MachineName)
			return []uuid.UUID{*id}, nil
		}
		aborted = append(aborted, ids...)
	}
	if len(aborted) > 0 {
		d.logger.Infof("aborted kind=%s count=%d", kind, len(aborted))
	}
	return aborted, nil
}

func (d *Dispatcher) abortOne(ctx context.Context, kind model.ExecutionKind, l model.Lease, id *uuid.UUID) ([]uuid.UUID, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.settings().AgentTimeout())
	defer cancel()
	c := d.clients(l.BaseAddress)
	abort := c.AbortMigration
	if kind == model.KindDeletion {
		abort = c.AbortDeletion
	}
	ids, err := abort(callCtx, id)
	if err != nil && ctx.Err() == nil && d.timedOut(callCtx, err) {
		return nil, fmt.Errorf("%w: %v", model.ErrAgentTimeout, err)
	}
	return ids, err
}

func isNotFound(err error) bool {
	ee, ok := model.AsExecError(err)
	if !ok || ee.Label != model.LabelDownstreamException {
		return false
	}
	if ee.Inner != nil {
		return ee.Inner.StatusCode == http.StatusNotFound
	}
	return len(ee.Params) > 0 && ee.Params[0] == http.StatusNotFound
}
