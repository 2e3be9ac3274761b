// Package execution guards the single execution slot of an agent process.
package execution

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/metrics"
	"github.com/msageha/conductor/internal/model"
)

const releaseTimeout = 30 * time.Second

// Leases is the lease side of a start: announce an active lease, give it back later.
type Leases interface {
	Acquire(ctx context.Context, kind model.ExecutionKind, instanceID uuid.UUID, fill func(*model.Lease), hasConflict model.ConflictFunc) (model.Lease, error)
	Release(ctx context.Context) error
}

type StartRequest struct {
	Kind model.ExecutionKind
	// RequestedID is used as the instance id when set; a new id is generated otherwise.
	RequestedID uuid.UUID
	FillLease   func(*model.Lease)
	HasConflict model.ConflictFunc
}

// Run is the long-running body of an execution.
type Run func(ctx context.Context) error

// Slot describes the occupied slot.
type Slot struct {
	Kind       model.ExecutionKind `json:"kind"`
	InstanceID uuid.UUID           `json:"instanceId"`
	StartedAt  time.Time           `json:"startedAt"`
}

type slot struct {
	Slot
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
	detached bool
}

// Service serializes starts, aborts and shutdown around one execution at a time.
type Service struct {
	base    context.Context
	leases  Leases
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu           sync.Mutex
	shuttingDown bool
	current      *slot
}

// NewService returns a guard whose executions are cancelled when base is.
func NewService(base context.Context, leases Leases, logger *logging.Logger, m *metrics.Metrics) *Service {
	return &Service{
		base:    base,
		leases:  leases,
		logger:  logger.With("execution"),
		metrics: m,
	}
}

// Start claims the slot and the agent lease, then calls start with the slot context and
// the instance id. start is expected to hand the work to RunDetached; if it returns
// without doing so the slot is released on return. ctx only bounds the start itself.
func (s *Service) Start(ctx context.Context, req StartRequest, start func(ctx context.Context, id uuid.UUID) error) (uuid.UUID, error) {
	sl, err := s.occupy(ctx, req)
	if err != nil {
		return uuid.Nil, err
	}

	if err := start(sl.ctx, sl.InstanceID); err != nil {
		s.finish(sl)
		return uuid.Nil, err
	}

	s.mu.Lock()
	detached := sl.detached
	s.mu.Unlock()
	if !detached {
		s.finish(sl)
	}
	return sl.InstanceID, nil
}

func (s *Service) occupy(ctx context.Context, req StartRequest) (*slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shuttingDown {
		return nil, model.ShuttingDown()
	}
	if cur := s.current; cur != nil {
		return nil, model.AlreadyExecuting(cur.Kind, cur.InstanceID)
	}

	id := req.RequestedID
	if id == uuid.Nil {
		id = uuid.New()
	}
	if _, err := s.leases.Acquire(ctx, req.Kind, id, req.FillLease, req.HasConflict); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(s.base)
	sl := &slot{
		Slot:   Slot{Kind: req.Kind, InstanceID: id, StartedAt: time.Now()},
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.current = sl
	s.metrics.SlotOccupied(true)
	s.logger.Infof("slot_occupied kind=%s instance=%s", req.Kind, id)
	return sl, nil
}

// RunDetached runs prepare and then its Run on a background goroutine bound to the
// slot of id. It returns prepare's error once prepare has finished; the slot is
// released when the goroutine ends, whatever the outcome.
func (s *Service) RunDetached(id uuid.UUID, prepare func(ctx context.Context) (Run, error)) error {
	s.mu.Lock()
	sl := s.current
	if sl == nil || sl.InstanceID != id {
		s.mu.Unlock()
		return fmt.Errorf("run detached: instance %s does not own the slot", id)
	}
	sl.detached = true
	s.mu.Unlock()

	ready := make(chan error, 1)
	go func() {
		prepared := false
		defer s.finish(sl)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Errorf("execution_panic kind=%s instance=%s panic=%v\n%s", sl.Kind, sl.InstanceID, r, debug.Stack())
				if !prepared {
					ready <- fmt.Errorf("prepare execution %s: panic: %v", sl.InstanceID, r)
				}
			}
		}()

		run, err := prepare(sl.ctx)
		prepared = true
		ready <- err
		if err != nil {
			return
		}
		if err := run(sl.ctx); err != nil {
			s.logger.Errorf("execution_failed kind=%s instance=%s error=%v", sl.Kind, sl.InstanceID, err)
		}
	}()
	return <-ready
}

// finish cancels the slot, releases the lease and frees the slot. Safe to call twice.
func (s *Service) finish(sl *slot) {
	sl.once.Do(func() {
		sl.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := s.leases.Release(ctx); err != nil {
			s.logger.Errorf("lease_release_failed kind=%s instance=%s error=%v", sl.Kind, sl.InstanceID, err)
		}

		s.mu.Lock()
		if s.current == sl {
			s.current = nil
		}
		s.mu.Unlock()
		s.metrics.SlotOccupied(false)
		close(sl.done)
		s.logger.Infof("slot_released kind=%s instance=%s", sl.Kind, sl.InstanceID)
	})
}

// Abort cancels the running execution of kind, optionally only if it is id.
// It returns the aborted instance ids, empty when nothing matched.
func (s *Service) Abort(kind model.ExecutionKind, id *uuid.UUID) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.current
	if sl == nil || sl.Kind != kind || (id != nil && *id != sl.InstanceID) {
		return []uuid.UUID{}
	}
	sl.cancel()
	s.logger.Infof("execution_abort_requested kind=%s instance=%s", kind, sl.InstanceID)
	return []uuid.UUID{sl.InstanceID}
}

// Current reports the occupied slot.
func (s *Service) Current() (Slot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Slot{}, false
	}
	return s.current.Slot, true
}

// WaitForFinish refuses new starts and waits for the running execution, if any, to end.
func (s *Service) WaitForFinish(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	sl := s.current
	s.mu.Unlock()

	if sl == nil {
		return nil
	}
	s.logger.Infof("waiting_for_execution kind=%s instance=%s", sl.Kind, sl.InstanceID)
	select {
	case <-sl.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for execution %s: %w", sl.InstanceID, ctx.Err())
	}
}
