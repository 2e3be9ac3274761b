package agent

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conductor/internal/events"
	"github.com/msageha/conductor/internal/execution"
	"github.com/msageha/conductor/internal/executor"
	"github.com/msageha/conductor/internal/lease"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/repository"
	"github.com/msageha/conductor/internal/step"
)

type harness struct {
	store      *lease.MemoryStore
	leases     *lease.AgentService
	slots      *execution.Service
	repo       *repository.MemoryRepository
	migrations *MigrationService
	deletions  *DeletionService
}

type deleterFunc func(ctx context.Context, siteID uuid.UUID) (bool, error)

func (f deleterFunc) DeleteSite(ctx context.Context, siteID uuid.UUID) (bool, error) {
	return f(ctx, siteID)
}

func newHarness(t *testing.T, catalog *step.Catalog, deleter executor.Deleter) *harness {
	t.Helper()
	logger := logging.Discard()
	settings := func() model.Config { return model.Config{}.WithDefaults() }

	h := &harness{store: lease.NewMemoryStore(), repo: repository.NewMemoryRepository()}
	h.leases = lease.NewAgentService(h.store, lease.Identity{
		BaseAddress: "http://agent-1:8081",
		MachineName: "agent-1",
		TTL:         5 * time.Minute,
	}, logger, nil)
	require.NoError(t, h.leases.Create(context.Background()))
	t.Cleanup(func() { _ = h.leases.Delete(context.Background()) })

	h.slots = execution.NewService(context.Background(), h.leases, logger, nil)
	emitter := events.NewService(nil, 0, logger)
	h.migrations = NewMigrationService(h.slots, step.NewResolver(catalog, logger), step.ServiceMap{},
		executor.NewMigrationExecutor(h.repo, emitter, settings, logger, nil), h.repo, model.DefaultFamily, logger)
	if deleter == nil {
		deleter = deleterFunc(func(context.Context, uuid.UUID) (bool, error) { return true, nil })
	}
	h.deletions = NewDeletionService(h.slots, executor.NewDeletionExecutor(deleter, emitter, settings, logger, nil), logger)
	return h
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, busy := h.slots.Current()
		return !busy
	}, 5*time.Second, 5*time.Millisecond)
}

func initCopyCatalog(hold <-chan struct{}) *step.Catalog {
	c := step.NewCatalog()
	initStep := &step.Definition{StepName: "Init", StepScope: model.ScopeGlobal}
	if hold != nil {
		initStep.NewExecutor = func(step.Services) (step.Executor, error) {
			return step.Funcs{Before: func(ctx context.Context, _ model.Phase) error {
				select {
				case <-hold:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}}, nil
		}
	}
	c.MustRegister(
		initStep,
		&step.Definition{StepName: "Copy", StepScope: model.ScopeSite, DependsOn: []step.Dependency{step.Global("Init")}},
	)
	return c
}

func twoSites() map[uuid.UUID]model.SiteInfo {
	return map[uuid.UUID]model.SiteInfo{uuid.New(): {}, uuid.New(): {}}
}

func TestMigrationService_StartRunsToCompletion(t *testing.T) {
	h := newHarness(t, initCopyCatalog(nil), nil)
	sites := twoSites()

	id, err := h.migrations.Start(context.Background(), MigrationRequest{Sites: sites}, []string{"ops"})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)
	h.waitIdle(t)

	snap, err := h.repo.GetSnapshot(context.Background(), model.Coordinate{ID: id, Attempt: 1}, false)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, snap.Status)
	assert.Equal(t, []string{"Init"}, snap.GlobalStepNames())
	assert.Equal(t, []string{"Copy"}, snap.SiteStepNames)
	assert.Len(t, snap.Sites, 2)
	assert.False(t, h.leases.Current().IsActive(), "lease released")
}

func TestMigrationService_UnknownStepLeavesSlotFree(t *testing.T) {
	h := newHarness(t, initCopyCatalog(nil), nil)

	_, err := h.migrations.Start(context.Background(), MigrationRequest{GlobalSteps: []string{"Nope"}}, nil)
	assert.True(t, model.HasLabel(err, model.LabelUnknownStep))
	_, busy := h.migrations.Current()
	assert.False(t, busy)
}

func TestMigrationService_AlreadyExecutingAndAbort(t *testing.T) {
	hold := make(chan struct{})
	h := newHarness(t, initCopyCatalog(hold), nil)

	id, err := h.migrations.Start(context.Background(), MigrationRequest{Sites: twoSites()}, nil)
	require.NoError(t, err)

	cur, busy := h.migrations.Current()
	require.True(t, busy)
	assert.Equal(t, id, cur.InstanceID)
	assert.Equal(t, model.KindMigration, cur.Kind)

	_, err = h.migrations.Start(context.Background(), MigrationRequest{Sites: twoSites()}, nil)
	require.True(t, model.HasLabel(err, model.LabelAlreadyExecuting))
	ee, _ := model.AsExecError(err)
	kind, occupant, ok := ee.ExecutionRef()
	require.True(t, ok)
	assert.Equal(t, model.KindMigration, kind)
	assert.Equal(t, id, occupant)

	other := uuid.New()
	assert.Empty(t, h.migrations.Abort(&other))
	assert.Empty(t, h.deletions.Abort(nil), "kind must match")
	assert.Equal(t, []uuid.UUID{id}, h.migrations.Abort(nil))
	h.waitIdle(t)

	snap, err := h.repo.GetSnapshot(context.Background(), model.Coordinate{ID: id, Attempt: 1}, false)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAborted, snap.Status)
}

func TestMigrationService_ConflictWithDeletionElsewhere(t *testing.T) {
	h := newHarness(t, initCopyCatalog(nil), nil)
	sites := twoSites()
	shared := model.SortedSiteIDs(sites)[0]
	deletion := uuid.New()
	require.NoError(t, h.store.Upsert(context.Background(), model.Lease{
		ID:          "agent-2-lease",
		BaseAddress: "http://agent-2:8081",
		MachineName: "agent-2",
		Family:      model.DefaultFamily,
		TTLSeconds:  300,
		Kind:        model.KindDeletion,
		InstanceID:  deletion,
		SiteIDs:     []uuid.UUID{shared},
	}))

	_, err := h.migrations.Start(context.Background(), MigrationRequest{Sites: sites}, nil)
	require.True(t, model.HasLabel(err, model.LabelConflictingExecution))
	ee, _ := model.AsExecError(err)
	kind, id, _ := ee.ExecutionRef()
	assert.Equal(t, model.KindDeletion, kind)
	assert.Equal(t, deletion, id)

	assert.False(t, h.leases.Current().IsActive())
	_, busy := h.slots.Current()
	assert.False(t, busy)
}

func TestMigrationService_Dequeue(t *testing.T) {
	h := newHarness(t, initCopyCatalog(nil), nil)
	ctx := context.Background()

	missing := model.Coordinate{ID: uuid.New(), Attempt: 1}
	assert.True(t, model.HasLabel(h.migrations.Dequeue(ctx, missing), model.LabelNoSuchInstance))

	coord := model.Coordinate{ID: uuid.New(), Attempt: 1}
	queued := model.NewQueuedSnapshot(model.JobSpec{
		Kind:        model.KindMigration,
		Coordinate:  coord,
		Family:      "blue",
		GlobalInfo:  model.GlobalInfo{},
		Sites:       twoSites(),
		GlobalSteps: []string{"Init"},
		SiteSteps:   []string{"Copy"},
		Settings:    model.DequeuingInfo{EventRecipients: []string{"ops"}},
	}, time.Now().UTC())
	require.NoError(t, h.repo.Insert(ctx, queued))

	require.NoError(t, h.migrations.Dequeue(ctx, coord))
	h.waitIdle(t)

	snap, err := h.repo.GetSnapshot(ctx, coord, false)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, snap.Status)
	assert.Equal(t, "blue", snap.Family)
	assert.NotNil(t, snap.QueuedAt)

	assert.True(t, model.HasLabel(h.migrations.Dequeue(ctx, coord), model.LabelNotPending))
}

func TestMigrationService_DequeueConflictsWithSameJobElsewhere(t *testing.T) {
	h := newHarness(t, initCopyCatalog(nil), nil)
	ctx := context.Background()

	coord := model.Coordinate{ID: uuid.New(), Attempt: 1}
	require.NoError(t, h.repo.Insert(ctx, model.NewQueuedSnapshot(model.JobSpec{
		Kind:        model.KindMigration,
		Coordinate:  coord,
		GlobalSteps: []string{"Init"},
		SiteSteps:   []string{},
	}, time.Now().UTC())))
	jobID := coord.ID
	require.NoError(t, h.store.Upsert(ctx, model.Lease{
		ID:         "agent-2-lease",
		Family:     model.DefaultFamily,
		TTLSeconds: 300,
		Kind:       model.KindMigration,
		InstanceID: coord.ID,
		JobID:      &jobID,
	}))

	err := h.migrations.Dequeue(ctx, coord)
	assert.True(t, model.HasLabel(err, model.LabelConflictingExecution))
}

func TestDeletionService_StartAndAbort(t *testing.T) {
	started := make(chan struct{}, 1)
	h := newHarness(t, initCopyCatalog(nil), deleterFunc(func(ctx context.Context, _ uuid.UUID) (bool, error) {
		started <- struct{}{}
		<-ctx.Done()
		return false, ctx.Err()
	}))

	_, err := h.deletions.Start(context.Background(), DeletionRequest{}, nil)
	assert.True(t, model.HasLabel(err, model.LabelValidationFailed))

	site := uuid.New()
	id, err := h.deletions.Start(context.Background(), DeletionRequest{SiteIDs: []uuid.UUID{site}}, nil)
	require.NoError(t, err)
	<-started

	l := h.leases.Current()
	assert.Equal(t, model.KindDeletion, l.Kind)
	assert.Equal(t, []uuid.UUID{site}, l.SiteIDs)

	assert.Empty(t, h.migrations.Abort(nil))
	assert.Equal(t, []uuid.UUID{id}, h.deletions.Abort(&id))
	h.waitIdle(t)
	assert.False(t, h.leases.Current().IsActive())
}
