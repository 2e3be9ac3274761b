package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/conductor/internal/agent"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/metrics"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/repository"
	"github.com/msageha/conductor/internal/step"
)

// StartOptions are the orchestration settings of one submission.
type StartOptions struct {
	Family     string
	Policy     QueuingPolicy
	Recipients []string
}

type StartResult struct {
	InstanceID uuid.UUID `json:"instanceId"`
	Queued     bool      `json:"queued"`
}

// Trigger wakes the dequeuer.
type Trigger interface {
	TriggerDequeue()
}

// JobService is the orchestrator's job API: start, queue, cancel, abort and look up jobs.
type JobService struct {
	dispatcher *Dispatcher
	resolver   *step.Resolver
	repo       repository.Repository
	trigger    Trigger
	settings   func() model.Config
	logger     *logging.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewJobService(dispatcher *Dispatcher, resolver *step.Resolver, repo repository.Repository, trigger Trigger, settings func() model.Config, logger *logging.Logger, m *metrics.Metrics) *JobService {
	return &JobService{
		dispatcher: dispatcher,
		resolver:   resolver,
		repo:       repo,
		trigger:    trigger,
		settings:   settings,
		logger:     logger.With("jobs"),
		metrics:    m,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *JobService) family(requested string) string {
	if requested != "" {
		return requested
	}
	return s.settings().Orchestrator.DefaultFamily
}

// StartMigration validates req against the step catalog and dispatches it. When dispatch
// fails with an error the policy absorbs, the job is stored as pending instead.
func (s *JobService) StartMigration(ctx context.Context, req agent.MigrationRequest, opts StartOptions) (StartResult, error) {
	family := s.family(opts.Family)
	global := maps.Clone(req.GlobalInfo)
	plan, err := s.resolver.CalculateSteps(ctx, req.GlobalSteps, req.SiteSteps, &global, req.Sites)
	if err != nil {
		return StartResult{}, err
	}
	if req.Attempt <= 0 {
		req.Attempt = 1
	}
	req.GlobalInfo = global

	id, err := s.dispatcher.Start(ctx, family, model.KindMigration, plan.ConflictFunc(global, req.Sites),
		func(ctx context.Context, c AgentClient) (uuid.UUID, error) {
			return c.StartMigration(ctx, req, opts.Recipients)
		})
	if err == nil {
		return StartResult{InstanceID: id}, nil
	}
	if !opts.Policy.ShouldQueue(err) {
		return StartResult{}, err
	}

	coord := model.Coordinate{ID: uuid.New(), Attempt: req.Attempt}
	snap := model.NewQueuedSnapshot(model.JobSpec{
		Kind:        model.KindMigration,
		Coordinate:  coord,
		Family:      family,
		GlobalInfo:  global,
		Sites:       req.Sites,
		GlobalSteps: plan.GlobalNames(),
		SiteSteps:   plan.SiteNames(),
		Settings: model.DequeuingInfo{
			Parallelism:     req.Parallelism,
			EventRecipients: opts.Recipients,
			EventMeta:       req.EventMeta,
		},
	}, s.now())
	if err := s.repo.Insert(ctx, snap); err != nil {
		return StartResult{}, fmt.Errorf("queue migration %s: %w", coord, err)
	}
	s.metrics.Dispatch(string(model.KindMigration), "queued")
	s.logger.Infof("migration_queued instance=%s family=%s policy=%s reason=%v", coord.ID, family, opts.Policy, err)
	return StartResult{InstanceID: coord.ID, Queued: true}, nil
}

// StartDeletion dispatches a deletion of req.SiteIDs. Deletions are never queued.
func (s *JobService) StartDeletion(ctx context.Context, req agent.DeletionRequest, opts StartOptions) (uuid.UUID, error) {
	if len(req.SiteIDs) == 0 {
		return uuid.Nil, model.ValidationFailed("no sites to delete")
	}
	hasConflict := func(_ context.Context, other model.Lease) (bool, error) {
		return other.OverlapsSites(req.SiteIDs), nil
	}
	return s.dispatcher.Start(ctx, s.family(opts.Family), model.KindDeletion, hasConflict,
		func(ctx context.Context, c AgentClient) (uuid.UUID, error) {
			return c.StartDeletion(ctx, req, opts.Recipients)
		})
}

// Cancel removes a queued job that has not started yet.
func (s *JobService) Cancel(ctx context.Context, coord model.Coordinate) error {
	snap, err := s.GetSnapshot(ctx, coord, false)
	if err != nil {
		return err
	}
	if snap.Status != model.StatusPending {
		return model.NotPending(coord.ID)
	}
	if err := s.repo.Delete(ctx, coord); err != nil {
		return fmt.Errorf("cancel %s: %w", coord, err)
	}
	s.logger.Infof("migration_cancelled instance=%s attempt=%d", coord.ID, coord.Attempt)
	s.trigger.TriggerDequeue()
	return nil
}

// Abort aborts running executions of kind across all agents.
func (s *JobService) Abort(ctx context.Context, kind model.ExecutionKind, id *uuid.UUID) ([]uuid.UUID, error) {
	ids, err := s.dispatcher.Abort(ctx, kind, id)
	if err != nil {
		return ids, err
	}
	if id != nil && len(ids) == 0 {
		return ids, model.NoSuchInstance(*id)
	}
	if len(ids) > 0 {
		s.trigger.TriggerDequeue()
	}
	return ids, nil
}

func (s *JobService) GetSnapshot(ctx context.Context, coord model.Coordinate, withProgress bool) (model.JobSnapshot, error) {
	snap, err := s.repo.GetSnapshot(ctx, coord, withProgress)
	if errors.Is(err, repository.ErrNotFound) {
		return model.JobSnapshot{}, model.NoSuchInstance(coord.ID)
	}
	if err != nil {
		return model.JobSnapshot{}, fmt.Errorf("get %s: %w", coord, err)
	}
	return snap, nil
}

// ListJobs pages through every job, newest first.
func (s *JobService) ListJobs(ctx context.Context, page, size int, withProgress bool) (repository.Page, error) {
	return s.repo.GetSnapshotsPage(ctx, page, s.settings().PageSize(size), withProgress)
}

// ListQueued pages through pending jobs, oldest first.
func (s *JobService) ListQueued(ctx context.Context, page, size int) (repository.Page, error) {
	return s.repo.GetQueuedSnapshotsPage(ctx, page, s.settings().PageSize(size))
}
