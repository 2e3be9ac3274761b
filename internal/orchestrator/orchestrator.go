// Package orchestrator places jobs on idle agents, queues the ones that cannot be placed
// and pushes queued jobs back out once agents free up.
package orchestrator

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/google/uuid"

	"github.com/msageha/conductor/internal/agent"
	"github.com/msageha/conductor/internal/model"
)

// AgentClient is the orchestrator's view of one agent.
type AgentClient interface {
	StartMigration(ctx context.Context, req agent.MigrationRequest, recipients []string) (uuid.UUID, error)
	DequeueMigration(ctx context.Context, coord model.Coordinate) error
	StartDeletion(ctx context.Context, req agent.DeletionRequest, recipients []string) (uuid.UUID, error)
	AbortMigration(ctx context.Context, id *uuid.UUID) ([]uuid.UUID, error)
	AbortDeletion(ctx context.Context, id *uuid.UUID) ([]uuid.UUID, error)
}

// ClientFactory returns a client for the agent listening at baseAddress.
type ClientFactory func(baseAddress string) AgentClient

// Agents lists the agent pool from the lease store.
type Agents interface {
	IdleAgents(ctx context.Context, family string, kind model.ExecutionKind, hasConflict model.ConflictFunc) iter.Seq2[model.Lease, error]
	AllAgents(ctx context.Context) ([]model.Lease, error)
}

// QueuingPolicy selects which dispatch failures turn into a queued job.
type QueuingPolicy int

const (
	QueueNever      QueuingPolicy = 0
	QueueIfFull     QueuingPolicy = 1 << 0
	QueueIfConflict QueuingPolicy = 1 << 1
	QueueAlways                   = QueueIfFull | QueueIfConflict
)

func ParseQueuingPolicy(s string) (QueuingPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "never":
		return QueueNever, nil
	case "if_full":
		return QueueIfFull, nil
	case "if_conflict":
		return QueueIfConflict, nil
	case "always":
		return QueueAlways, nil
	default:
		return QueueNever, fmt.Errorf("unknown queuing policy %q", s)
	}
}

func (p QueuingPolicy) String() string {
	switch p {
	case QueueNever:
		return "never"
	case QueueIfFull:
		return "if_full"
	case QueueIfConflict:
		return "if_conflict"
	case QueueAlways:
		return "always"
	default:
		return fmt.Sprintf("QueuingPolicy(%d)", int(p))
	}
}

// ShouldQueue reports whether err is a dispatch failure the policy absorbs.
func (p QueuingPolicy) ShouldQueue(err error) bool {
	switch {
	case model.HasLabel(err, model.LabelNoAgentAvailable):
		return p&QueueIfFull != 0
	case model.HasLabel(err, model.LabelConflictingExecution):
		return p&QueueIfConflict != 0
	default:
		return false
	}
}
