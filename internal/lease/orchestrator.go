package lease

import (
	"context"
	"fmt"
	"iter"

	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/metrics"
	"github.com/msageha/conductor/internal/model"
)

// OrchestratorService reads the lease table to pick agents for dispatch.
type OrchestratorService struct {
	store   Store
	logger  *logging.Logger
	metrics *metrics.Metrics
}

func NewOrchestratorService(store Store, logger *logging.Logger, m *metrics.Metrics) *OrchestratorService {
	return &OrchestratorService{store: store, logger: logger.With("lease_scan"), metrics: m}
}

// IdleAgents yields the idle leases of family in scan order. Every active lease is
// checked with hasConflict before the first idle lease is yielded; a conflict ends the
// sequence with a ConflictingExecution error since the job could not start anywhere.
// An empty family scans all families.
func (s *OrchestratorService) IdleAgents(ctx context.Context, family string, kind model.ExecutionKind, hasConflict model.ConflictFunc) iter.Seq2[model.Lease, error] {
	return func(yield func(model.Lease, error) bool) {
		leases, err := s.store.List(ctx, Filter{Family: family})
		if err != nil {
			yield(model.Lease{}, fmt.Errorf("scan leases: %w", err))
			return
		}

		var idle []model.Lease
		for _, l := range leases {
			if !l.IsActive() {
				if family == "" || l.Family == family {
					idle = append(idle, l)
				}
				continue
			}
			if hasConflict == nil {
				continue
			}
			conflict, err := hasConflict(ctx, l)
			if err != nil {
				yield(model.Lease{}, fmt.Errorf("check conflict with lease %s: %w", l.ID, err))
				return
			}
			if conflict {
				s.metrics.LeaseConflict("orchestrator", string(kind))
				s.logger.Infof("dispatch_conflict kind=%s other_kind=%s other_instance=%s agent=%s",
					kind, l.Kind, l.InstanceID, l.MachineName)
				yield(model.Lease{}, model.ConflictingExecution(l.Kind, l.InstanceID))
				return
			}
			s.logger.Debugf("agent_busy agent=%s kind=%s instance=%s", l.MachineName, l.Kind, l.InstanceID)
		}

		for _, l := range idle {
			if err := ctx.Err(); err != nil {
				yield(model.Lease{}, err)
				return
			}
			if !yield(l, nil) {
				return
			}
		}
	}
}

// AllAgents returns every live lease, idle or active, of any family.
func (s *OrchestratorService) AllAgents(ctx context.Context) ([]model.Lease, error) {
	leases, err := s.store.List(ctx, Filter{})
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return leases, nil
}
