package builtin

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conductor/internal/events"
	"github.com/msageha/conductor/internal/executor"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/repository"
	"github.com/msageha/conductor/internal/step"
)

func newResolver(t *testing.T) *step.Resolver {
	t.Helper()
	c := step.NewCatalog()
	require.NoError(t, Register(c))
	return step.NewResolver(c, logging.Discard())
}

func TestRegister_FullGroupSortsAfterInit(t *testing.T) {
	r := newResolver(t)
	plan, err := r.Sort(nil, []string{GroupFull})
	require.NoError(t, err)
	assert.Equal(t, []string{StepInit}, plan.GlobalNames())
	assert.Equal(t, []string{StepCopy, StepVerify}, plan.SiteNames())
}

func TestInit_ValidateRequiresSites(t *testing.T) {
	r := newResolver(t)
	global := model.GlobalInfo{}
	_, err := r.CalculateSteps(context.Background(), nil, nil, &global, nil)
	assert.True(t, model.HasLabel(err, model.LabelValidationFailed))

	_, err = r.CalculateSteps(context.Background(), nil, nil, &global, map[uuid.UUID]model.SiteInfo{uuid.New(): {}})
	require.NoError(t, err)
	assert.Equal(t, "migration", global["label"])
}

func TestCopy_ConflictsWithOverlappingCopy(t *testing.T) {
	r := newResolver(t)
	site := uuid.New()
	sites := map[uuid.UUID]model.SiteInfo{site: {}}
	plan, err := r.Sort(nil, nil)
	require.NoError(t, err)

	other := model.Lease{Kind: model.KindMigration, SiteIDs: []uuid.UUID{site}, SiteSteps: []string{StepCopy}}
	conflict, err := plan.HasConflict(context.Background(), model.GlobalInfo{}, sites, other)
	require.NoError(t, err)
	assert.True(t, conflict)

	other.SiteSteps = []string{StepVerify}
	conflict, err = plan.HasConflict(context.Background(), model.GlobalInfo{}, sites, other)
	require.NoError(t, err)
	assert.False(t, conflict)
}

func TestSteps_RunAgainstWorkspace(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)
	r := newResolver(t)
	ctx := context.Background()

	sites := map[uuid.UUID]model.SiteInfo{
		uuid.New(): {"region": "eu", "tier": "gold"},
		uuid.New(): {"region": "us"},
	}
	global := model.GlobalInfo{}
	plan, err := r.CalculateSteps(ctx, nil, nil, &global, sites)
	require.NoError(t, err)
	globalSteps, siteSteps, err := plan.Executors(step.ServiceMap{ServiceWorkspace: ws})
	require.NoError(t, err)

	coord := model.Coordinate{ID: uuid.New(), Attempt: 1}
	job := model.NewJobContext(model.JobSpec{
		Kind:        model.KindMigration,
		Coordinate:  coord,
		GlobalInfo:  global,
		Sites:       sites,
		GlobalSteps: plan.GlobalNames(),
		SiteSteps:   plan.SiteNames(),
	})
	repo := repository.NewMemoryRepository()
	settings := func() model.Config { return model.Config{}.WithDefaults() }
	exec := executor.NewMigrationExecutor(repo, events.NewService(nil, 0, logging.Discard()), settings, logging.Discard(), nil)

	status, err := exec.Execute(ctx, executor.Migration{Job: job, Global: globalSteps, Site: siteSteps})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, status)
	assert.NoDirExists(t, ws.stagingDir(coord), "init teardown removes the staging area")

	for id := range sites {
		assert.True(t, ws.HasSite(id))
	}
	for _, site := range job.Sites {
		p, err := model.ReadProgress(site.Progress, copyProgressKey)
		require.NoError(t, err)
		assert.True(t, p.Verified)
		assert.Equal(t, len(site.Info), p.Copied)
	}

	for id := range sites {
		ok, err := ws.DeleteSite(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.False(t, ws.HasSite(id))
	}
	ok, err := ws.DeleteSite(ctx, uuid.New())
	require.NoError(t, err)
	assert.True(t, ok, "absent sites count as deleted")
}

func TestVerify_FailsWithoutCopy(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)
	exec, err := verifyStep().CreateExecutor(step.ServiceMap{ServiceWorkspace: ws})
	require.NoError(t, err)

	job := model.NewJobContext(model.JobSpec{
		Kind:       model.KindMigration,
		Coordinate: model.Coordinate{ID: uuid.New(), Attempt: 1},
		Sites:      map[uuid.UUID]model.SiteInfo{uuid.New(): {}},
		SiteSteps:  []string{StepVerify},
	})
	err = exec.Execute(context.Background(), model.Phase{Job: job, Site: job.Sites[0]})
	assert.Error(t, err)
}

func TestExecutors_RequireWorkspace(t *testing.T) {
	_, err := copyStep().CreateExecutor(step.ServiceMap{})
	assert.Error(t, err)
}
