package agent

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"github.com/msageha/conductor/internal/execution"
	"github.com/msageha/conductor/internal/executor"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
)

type DeletionRequest struct {
	SiteIDs     []uuid.UUID                 `json:"siteIds"`
	Parallelism map[model.ExecutionKind]int `json:"parallelism,omitempty"`
	EventMeta   map[string][]string         `json:"eventMeta,omitempty"`
}

type DeletionService struct {
	slots    *execution.Service
	executor *executor.DeletionExecutor
	logger   *logging.Logger
}

func NewDeletionService(slots *execution.Service, exec *executor.DeletionExecutor, logger *logging.Logger) *DeletionService {
	return &DeletionService{slots: slots, executor: exec, logger: logger.With("agent")}
}

// Start claims the slot for a deletion of req's sites. Any active lease holding one of
// those sites conflicts.
func (s *DeletionService) Start(ctx context.Context, req DeletionRequest, recipients []string) (uuid.UUID, error) {
	if len(req.SiteIDs) == 0 {
		return uuid.Nil, model.ValidationFailed("deletion needs at least one site")
	}
	siteIDs := slices.Clone(req.SiteIDs)
	start := execution.StartRequest{
		Kind:        model.KindDeletion,
		FillLease:   func(l *model.Lease) { l.SiteIDs = slices.Clone(siteIDs) },
		HasConflict: func(_ context.Context, other model.Lease) (bool, error) { return other.OverlapsSites(siteIDs), nil },
	}
	settings := model.DequeuingInfo{
		Parallelism:     req.Parallelism,
		EventRecipients: recipients,
		EventMeta:       req.EventMeta,
	}

	return s.slots.Start(ctx, start, func(_ context.Context, id uuid.UUID) error {
		return s.slots.RunDetached(id, func(context.Context) (execution.Run, error) {
			d := executor.Deletion{InstanceID: id, SiteIDs: siteIDs, Settings: settings}
			return func(ctx context.Context) error {
				s.executor.Execute(ctx, d)
				return nil
			}, nil
		})
	})
}

func (s *DeletionService) Abort(id *uuid.UUID) []uuid.UUID {
	return s.slots.Abort(model.KindDeletion, id)
}
