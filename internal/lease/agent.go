package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/metrics"
	"github.com/msageha/conductor/internal/model"
)

const keepaliveMargin = 30 * time.Second

// Identity describes the agent publishing leases.
type Identity struct {
	BaseAddress string
	MachineName string
	Family      string
	TTL         time.Duration
}

// AgentService owns one agent's row in the lease store.
type AgentService struct {
	store    Store
	identity Identity
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	lease   model.Lease
	created bool
	// stale holds ids of rows this agent wrote but failed to delete.
	stale map[string]struct{}

	stopKeepalive context.CancelFunc
	keepaliveDone chan struct{}
}

func NewAgentService(store Store, identity Identity, logger *logging.Logger, m *metrics.Metrics) *AgentService {
	if identity.Family == "" {
		identity.Family = model.DefaultFamily
	}
	return &AgentService{
		store:    store,
		identity: identity,
		logger:   logger.With("lease"),
		metrics:  m,
		stale:    make(map[string]struct{}),
	}
}

func keepaliveInterval(ttl time.Duration) time.Duration {
	if d := ttl - keepaliveMargin; d >= time.Second {
		return d
	}
	return time.Second
}

// Create publishes the agent's idle lease and starts the keepalive loop.
func (s *AgentService) Create(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created {
		return fmt.Errorf("lease already created")
	}

	l := model.NewLease(s.identity.BaseAddress, s.identity.MachineName, s.identity.Family, s.identity.TTL)
	if err := s.store.Upsert(ctx, l); err != nil {
		return fmt.Errorf("create lease: %w", err)
	}
	s.lease = l
	s.created = true

	kctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.stopKeepalive = cancel
	s.keepaliveDone = make(chan struct{})
	go s.keepalive(kctx, keepaliveInterval(s.identity.TTL), s.keepaliveDone)

	s.logger.Infof("lease_created id=%s family=%s ttl=%s", l.ID, l.Family, s.identity.TTL)
	return nil
}

func (s *AgentService) keepalive(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *AgentService) refresh(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.created {
		return
	}
	if err := s.store.Upsert(ctx, s.lease); err != nil {
		s.logger.Warnf("lease_keepalive_failed id=%s error=%v", s.lease.ID, err)
		return
	}
	s.logger.Debugf("lease_keepalive id=%s", s.lease.ID)
	s.purgeStale(ctx)
}

// purgeStale retries deleting rows left behind by a failed release. Caller holds mu.
func (s *AgentService) purgeStale(ctx context.Context) {
	for id := range s.stale {
		if err := s.store.Delete(ctx, id); err != nil {
			s.logger.Warnf("lease_stale_delete_failed id=%s error=%v", id, err)
			continue
		}
		delete(s.stale, id)
		s.logger.Infof("lease_stale_deleted id=%s", id)
	}
}

// ownRow reports whether other was written by this agent under an earlier identity.
func (s *AgentService) ownRow(other model.Lease) bool {
	if _, ok := s.stale[other.ID]; ok {
		return true
	}
	return other.MachineName == s.identity.MachineName && other.BaseAddress == s.identity.BaseAddress
}

// Current returns the lease as last written by this agent.
func (s *AgentService) Current() model.Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lease.Clone()
}

// Acquire turns the idle lease into an active one for instanceID. The candidate row is
// written first and then every other active lease is checked with hasConflict; on the
// first conflict the original idle row is written back and ConflictingExecution returned.
func (s *AgentService) Acquire(ctx context.Context, kind model.ExecutionKind, instanceID uuid.UUID, fill func(*model.Lease), hasConflict model.ConflictFunc) (model.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.created {
		return model.Lease{}, fmt.Errorf("acquire lease: agent lease not created")
	}
	if s.lease.IsActive() {
		return model.Lease{}, model.AlreadyExecuting(s.lease.Kind, s.lease.InstanceID)
	}

	original := s.lease.Clone()
	candidate := original.Activate(kind, instanceID)
	if fill != nil {
		fill(&candidate)
	}
	if err := s.store.Upsert(ctx, candidate); err != nil {
		s.revert(ctx, original)
		return model.Lease{}, fmt.Errorf("announce lease: %w", err)
	}

	others, err := s.store.List(ctx, Filter{ActiveOnly: true, ExcludeID: candidate.ID})
	if err != nil {
		s.revert(ctx, original)
		return model.Lease{}, fmt.Errorf("scan leases: %w", err)
	}
	for _, other := range others {
		if hasConflict == nil {
			break
		}
		if s.ownRow(other) {
			continue
		}
		conflict, err := hasConflict(ctx, other)
		if err != nil {
			s.revert(ctx, original)
			return model.Lease{}, fmt.Errorf("check conflict with lease %s: %w", other.ID, err)
		}
		if conflict {
			s.revert(ctx, original)
			s.metrics.LeaseConflict("agent", string(kind))
			s.logger.Infof("lease_conflict kind=%s instance=%s other_kind=%s other_instance=%s other_agent=%s",
				kind, instanceID, other.Kind, other.InstanceID, other.MachineName)
			return model.Lease{}, model.ConflictingExecution(other.Kind, other.InstanceID)
		}
	}

	s.lease = candidate
	s.logger.Infof("lease_acquired id=%s kind=%s instance=%s", candidate.ID, kind, instanceID)
	return candidate.Clone(), nil
}

// revert writes original back even when ctx is already cancelled.
func (s *AgentService) revert(ctx context.Context, original model.Lease) {
	if err := s.store.Upsert(context.WithoutCancel(ctx), original); err != nil {
		s.logger.Errorf("lease_revert_failed id=%s error=%v", original.ID, err)
	}
}

// Release replaces the active lease with a fresh idle one. The new row is written
// before the old one is deleted so the agent never disappears from a scan.
//
// The agent is idle afterwards even when the store rejects a write: the keepalive loop
// republishes the idle row and retries deleting the old one.
func (s *AgentService) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.created || !s.lease.IsActive() {
		return nil
	}

	ctx = context.WithoutCancel(ctx)
	old := s.lease
	renewed := old.Renewed()
	s.lease = renewed
	s.stale[old.ID] = struct{}{}

	if err := s.store.Upsert(ctx, renewed); err != nil {
		s.logger.Warnf("lease_release_upsert_failed old=%s new=%s error=%v", old.ID, renewed.ID, err)
		return fmt.Errorf("release lease: %w", err)
	}
	s.purgeStale(ctx)
	s.logger.Infof("lease_released old=%s new=%s", old.ID, renewed.ID)
	return nil
}

// Delete stops the keepalive loop and removes the agent's row.
func (s *AgentService) Delete(ctx context.Context) error {
	s.mu.Lock()
	if !s.created {
		s.mu.Unlock()
		return nil
	}
	s.created = false
	id := s.lease.ID
	stop, done := s.stopKeepalive, s.keepaliveDone
	s.mu.Unlock()

	stop()
	<-done

	s.mu.Lock()
	s.purgeStale(ctx)
	s.mu.Unlock()
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	s.logger.Infof("lease_deleted id=%s", id)
	return nil
}
