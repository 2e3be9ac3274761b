// Package agent exposes the execution services of an agent process: starting,
// dequeuing and aborting migrations and deletions on the local execution slot.
package agent

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/conductor/internal/execution"
	"github.com/msageha/conductor/internal/executor"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/repository"
	"github.com/msageha/conductor/internal/step"
)

// MigrationRequest is the body of a migration start. A nil step list selects every
// registered step of that scope; an empty one selects none.
type MigrationRequest struct {
	Attempt     int                          `json:"attempt,omitempty"`
	GlobalInfo  model.GlobalInfo             `json:"globalInfo"`
	Sites       map[uuid.UUID]model.SiteInfo `json:"sites"`
	GlobalSteps []string                     `json:"globalSteps"`
	SiteSteps   []string                     `json:"siteSteps"`
	Parallelism map[model.ExecutionKind]int  `json:"parallelism,omitempty"`
	EventMeta   map[string][]string          `json:"eventMeta,omitempty"`
}

type MigrationService struct {
	slots    *execution.Service
	resolver *step.Resolver
	services step.Services
	executor *executor.MigrationExecutor
	repo     repository.Repository
	family   string
	logger   *logging.Logger
}

func NewMigrationService(slots *execution.Service, resolver *step.Resolver, services step.Services, exec *executor.MigrationExecutor, repo repository.Repository, family string, logger *logging.Logger) *MigrationService {
	return &MigrationService{
		slots:    slots,
		resolver: resolver,
		services: services,
		executor: exec,
		repo:     repo,
		family:   family,
		logger:   logger.With("agent"),
	}
}

// migrationStart is everything a start needs once the steps are sorted.
type migrationStart struct {
	requestedID uuid.UUID
	attempt     int
	family      string
	queuedAt    *time.Time
	global      model.GlobalInfo
	sites       map[uuid.UUID]model.SiteInfo
	settings    model.DequeuingInfo
}

// Start validates req, claims the slot and runs the migration in the background. It
// returns the new instance id once the job has been stored.
func (s *MigrationService) Start(ctx context.Context, req MigrationRequest, recipients []string) (uuid.UUID, error) {
	global := maps.Clone(req.GlobalInfo)
	plan, err := s.resolver.CalculateSteps(ctx, req.GlobalSteps, req.SiteSteps, &global, req.Sites)
	if err != nil {
		return uuid.Nil, err
	}
	attempt := req.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	return s.start(ctx, plan, migrationStart{
		attempt: attempt,
		family:  s.family,
		global:  global,
		sites:   maps.Clone(req.Sites),
		settings: model.DequeuingInfo{
			Parallelism:     req.Parallelism,
			EventRecipients: recipients,
			EventMeta:       req.EventMeta,
		},
	})
}

// Dequeue starts the queued job stored under coord, with the settings captured when it
// was queued.
func (s *MigrationService) Dequeue(ctx context.Context, coord model.Coordinate) error {
	snap, err := s.repo.GetSnapshot(ctx, coord, false)
	if errors.Is(err, repository.ErrNotFound) {
		return model.NoSuchInstance(coord.ID)
	}
	if err != nil {
		return fmt.Errorf("load queued job %s: %w", coord, err)
	}
	if snap.Status != model.StatusPending || snap.StartedAt != nil || snap.QueuedAt == nil {
		return model.NotPending(coord.ID)
	}

	global := maps.Clone(snap.GlobalInfo)
	siteNames := snap.SiteStepNames
	if siteNames == nil {
		siteNames = []string{}
	}
	sites := snap.SiteInfos()
	plan, err := s.resolver.CalculateSteps(ctx, snap.GlobalStepNames(), siteNames, &global, sites)
	if err != nil {
		return err
	}
	var settings model.DequeuingInfo
	if snap.Dequeuing != nil {
		settings = snap.Dequeuing.Clone()
	}
	family := snap.Family
	if family == "" {
		family = s.family
	}

	_, err = s.start(ctx, plan, migrationStart{
		requestedID: coord.ID,
		attempt:     coord.Attempt,
		family:      family,
		queuedAt:    snap.QueuedAt,
		global:      global,
		sites:       sites,
		settings:    settings,
	})
	return err
}

func (s *MigrationService) start(ctx context.Context, plan step.Plan, p migrationStart) (uuid.UUID, error) {
	siteIDs := model.SortedSiteIDs(p.sites)
	conflict := plan.ConflictFunc(p.global, p.sites)
	req := execution.StartRequest{
		Kind:        model.KindMigration,
		RequestedID: p.requestedID,
		FillLease: func(l *model.Lease) {
			plan.FillLease(l)
			jobID := l.InstanceID
			l.JobID = &jobID
			l.Attempt = p.attempt
			l.SiteIDs = siteIDs
		},
		// A dequeued job already has its id; another agent running it is a conflict too.
		HasConflict: func(ctx context.Context, other model.Lease) (bool, error) {
			if p.requestedID != uuid.Nil && other.JobID != nil && *other.JobID == p.requestedID {
				return true, nil
			}
			return conflict(ctx, other)
		},
	}

	return s.slots.Start(ctx, req, func(_ context.Context, id uuid.UUID) error {
		return s.slots.RunDetached(id, func(ctx context.Context) (execution.Run, error) {
			global, site, err := plan.Executors(s.services)
			if err != nil {
				return nil, err
			}
			job := model.NewJobContext(model.JobSpec{
				Kind:        model.KindMigration,
				Coordinate:  model.Coordinate{ID: id, Attempt: p.attempt},
				Family:      p.family,
				GlobalInfo:  p.global,
				Sites:       p.sites,
				GlobalSteps: plan.GlobalNames(),
				SiteSteps:   plan.SiteNames(),
				Settings:    p.settings,
				QueuedAt:    p.queuedAt,
			})
			m := executor.Migration{Job: job, Global: global, Site: site}
			// Prepare stores the job before the caller hears the instance id.
			if err := s.executor.Prepare(ctx, m); err != nil {
				return nil, err
			}
			return func(ctx context.Context) error {
				s.executor.Run(ctx, m)
				return nil
			}, nil
		})
	})
}

// Abort cancels the running migration, or only instance id when it is non-nil.
func (s *MigrationService) Abort(id *uuid.UUID) []uuid.UUID {
	return s.slots.Abort(model.KindMigration, id)
}

// Current reports what the agent is running, if anything.
func (s *MigrationService) Current() (execution.Slot, bool) {
	return s.slots.Current()
}
