// Package lease implements the shared lease store and the agent and orchestrator
// sides of the lease protocol.
package lease

import (
	"context"
	"sort"

	"github.com/msageha/conductor/internal/model"
)

// Filter selects lease rows. Expired rows are never returned.
type Filter struct {
	// ActiveOnly keeps rows that carry an execution kind.
	ActiveOnly bool
	// ExcludeID drops the row with this id.
	ExcludeID string
	// Family keeps active rows of any family plus idle rows of this family.
	// Empty matches every family.
	Family string
}

func (f Filter) Match(l model.Lease) bool {
	if f.ActiveOnly && !l.IsActive() {
		return false
	}
	if f.ExcludeID != "" && l.ID == f.ExcludeID {
		return false
	}
	if f.Family != "" && !l.IsActive() && l.Family != f.Family {
		return false
	}
	return true
}

// Store is the shared lease table. Writes are single-row atomic; a written row must be
// visible to the next List from any process. Upsert stamps UpdatedAt.
type Store interface {
	Upsert(ctx context.Context, l model.Lease) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f Filter) ([]model.Lease, error)
}

// sortLeases orders rows by machine name then id so scans are repeatable.
func sortLeases(leases []model.Lease) {
	sort.Slice(leases, func(i, j int) bool {
		if leases[i].MachineName != leases[j].MachineName {
			return leases[i].MachineName < leases[j].MachineName
		}
		return leases[i].ID < leases[j].ID
	})
}
