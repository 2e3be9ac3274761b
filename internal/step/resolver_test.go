package step

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
)

func def(scope model.Scope, name string, deps ...Dependency) *Definition {
	return &Definition{StepName: name, StepScope: scope, DependsOn: deps}
}

func newTestResolver(t *testing.T, steps ...Step) *Resolver {
	t.Helper()
	c := NewCatalog()
	for _, s := range steps {
		require.NoError(t, c.Register(s))
	}
	return NewResolver(c, logging.Discard())
}

func TestSort_InitThenCopy(t *testing.T) {
	r := newTestResolver(t,
		def(model.ScopeGlobal, "Init"),
		def(model.ScopeSite, "Copy", Global("Init")),
	)

	plan, err := r.Sort(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Init"}, plan.GlobalNames())
	assert.Equal(t, []string{"Copy"}, plan.SiteNames())
}

func TestSort_DependencyOrderOverridesRegistration(t *testing.T) {
	r := newTestResolver(t,
		def(model.ScopeGlobal, "C", Global("B")),
		def(model.ScopeGlobal, "B", Global("A")),
		def(model.ScopeGlobal, "A"),
		def(model.ScopeSite, "Y", Site("X")),
		def(model.ScopeSite, "X"),
	)

	plan, err := r.Sort(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, plan.GlobalNames())
	assert.Equal(t, []string{"X", "Y"}, plan.SiteNames())
}

func TestSort_DeterministicAcrossDesiredOrder(t *testing.T) {
	r := newTestResolver(t,
		def(model.ScopeGlobal, "A"),
		def(model.ScopeGlobal, "B"),
		def(model.ScopeGlobal, "C", Global("A")),
		def(model.ScopeGlobal, "D"),
	)

	first, err := r.Sort([]string{"D", "C", "B"}, []string{})
	require.NoError(t, err)
	second, err := r.Sort([]string{"B", "C", "D"}, []string{})
	require.NoError(t, err)
	again, err := r.Sort([]string{"D", "C", "B"}, []string{})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C", "D"}, first.GlobalNames())
	assert.Equal(t, first.GlobalNames(), second.GlobalNames())
	assert.Equal(t, first.GlobalNames(), again.GlobalNames())
}

func TestSort_OnlyReachableSteps(t *testing.T) {
	r := newTestResolver(t,
		def(model.ScopeGlobal, "Init"),
		def(model.ScopeGlobal, "Unused"),
		def(model.ScopeSite, "Copy", Global("Init")),
		def(model.ScopeSite, "Verify", Site("Copy")),
	)

	plan, err := r.Sort([]string{}, []string{"Copy"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Init"}, plan.GlobalNames(), "dependency pulled in")
	assert.Equal(t, []string{"Copy"}, plan.SiteNames())
}

func TestSort_EmptySelection(t *testing.T) {
	r := newTestResolver(t, def(model.ScopeGlobal, "Init"))

	plan, err := r.Sort([]string{}, []string{})
	require.NoError(t, err)
	assert.Empty(t, plan.Global)
	assert.Empty(t, plan.Site)
}

func TestSort_Groups(t *testing.T) {
	c := NewCatalog()
	c.MustRegister(
		def(model.ScopeGlobal, "Init"),
		def(model.ScopeSite, "Copy", Global("Init")),
		def(model.ScopeSite, "Verify", Site("Copy")),
		def(model.ScopeSite, "Report"),
	)
	require.NoError(t, c.RegisterGroup(Group{Name: "full", SiteSteps: []string{"Verify", "Copy"}}))
	r := NewResolver(c, logging.Discard())

	plan, err := r.Sort([]string{}, []string{"full"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Init"}, plan.GlobalNames())
	assert.Equal(t, []string{"Copy", "Verify"}, plan.SiteNames())
}

func TestSort_UnknownStep(t *testing.T) {
	r := newTestResolver(t, def(model.ScopeGlobal, "Init"))

	_, err := r.Sort([]string{"Nope"}, nil)
	require.Error(t, err)
	ee, ok := model.AsExecError(err)
	require.True(t, ok)
	assert.Equal(t, model.LabelUnknownStep, ee.Label)
	assert.Equal(t, 400, ee.StatusCode)
}

func TestSort_UnknownDependency(t *testing.T) {
	r := newTestResolver(t, def(model.ScopeSite, "Copy", Global("Missing")))

	_, err := r.Sort(nil, nil)
	ee, ok := model.AsExecError(err)
	require.True(t, ok)
	assert.Equal(t, model.LabelUnknownStepDependencies, ee.Label)
	assert.Equal(t, 500, ee.StatusCode)
	assert.Contains(t, ee.Message, "global/Missing")
}

func TestSort_Cycle(t *testing.T) {
	r := newTestResolver(t,
		def(model.ScopeGlobal, "A", Global("B")),
		def(model.ScopeGlobal, "B", Global("A")),
	)

	plan, err := r.Sort(nil, nil)
	require.Error(t, err)
	assert.Empty(t, plan.Global, "no partial order")
	ee, ok := model.AsExecError(err)
	require.True(t, ok)
	assert.Equal(t, model.LabelCircularStepDependency, ee.Label)
	assert.Contains(t, ee.Message, "global/A -> global/B -> global/A")
}

func TestSort_GlobalDependingOnSiteIsCycle(t *testing.T) {
	r := newTestResolver(t,
		def(model.ScopeGlobal, "G", Site("S")),
		def(model.ScopeSite, "S"),
	)

	_, err := r.Sort(nil, nil)
	assert.True(t, model.HasLabel(err, model.LabelCircularStepDependency))
}

func TestCalculateSteps_ValidationAdjustsGlobalInfo(t *testing.T) {
	var seen []string
	initStep := def(model.ScopeGlobal, "Init")
	initStep.ValidateFunc = func(_ context.Context, g *model.GlobalInfo, _ map[uuid.UUID]model.SiteInfo) error {
		seen = append(seen, "Init")
		(*g)["target"] = "default"
		return nil
	}
	cp := def(model.ScopeSite, "Copy", Global("Init"))
	cp.ValidateFunc = func(_ context.Context, g *model.GlobalInfo, _ map[uuid.UUID]model.SiteInfo) error {
		seen = append(seen, "Copy")
		if (*g)["target"] != "default" {
			return model.ValidationFailed("target not filled")
		}
		return nil
	}
	r := newTestResolver(t, cp, initStep)

	var global model.GlobalInfo
	plan, err := r.CalculateSteps(context.Background(), nil, nil, &global, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Init", "Copy"}, seen)
	assert.Equal(t, "default", global["target"])
	assert.Equal(t, []string{"Copy"}, plan.SiteNames())
}

func TestCalculateSteps_ValidationErrorPropagates(t *testing.T) {
	bad := def(model.ScopeGlobal, "Init")
	bad.ValidateFunc = func(context.Context, *model.GlobalInfo, map[uuid.UUID]model.SiteInfo) error {
		return model.ValidationFailed("nope")
	}
	r := newTestResolver(t, bad)

	global := model.GlobalInfo{}
	_, err := r.CalculateSteps(context.Background(), nil, nil, &global, nil)
	assert.True(t, model.HasLabel(err, model.LabelValidationFailed))
}

func TestPlan_HasConflictShortCircuits(t *testing.T) {
	calls := 0
	conflicting := def(model.ScopeGlobal, "A")
	conflicting.ConflictFunc = func(context.Context, model.GlobalInfo, map[uuid.UUID]model.SiteInfo, model.Lease) (bool, error) {
		calls++
		return true, nil
	}
	never := def(model.ScopeSite, "B")
	never.ConflictFunc = func(context.Context, model.GlobalInfo, map[uuid.UUID]model.SiteInfo, model.Lease) (bool, error) {
		calls++
		return false, nil
	}
	plan := Plan{Global: []Step{conflicting}, Site: []Step{never}}
	ctx := context.Background()

	got, err := plan.HasConflict(ctx, nil, nil, model.Lease{Kind: model.KindMigration})
	require.NoError(t, err)
	assert.True(t, got)
	assert.Equal(t, 1, calls)

	got, err = plan.HasConflict(ctx, nil, nil, model.Lease{Kind: model.KindDeletion})
	require.NoError(t, err)
	assert.False(t, got, "only migration leases are checked step by step")
	assert.Equal(t, 1, calls)
}

func TestPlan_ConflictFunc(t *testing.T) {
	site := uuid.New()
	failing := def(model.ScopeGlobal, "A")
	failing.ConflictFunc = func(context.Context, model.GlobalInfo, map[uuid.UUID]model.SiteInfo, model.Lease) (bool, error) {
		return false, errors.New("store down")
	}
	plan := Plan{Global: []Step{failing}}
	fn := plan.ConflictFunc(nil, map[uuid.UUID]model.SiteInfo{site: nil})
	ctx := context.Background()

	got, err := fn(ctx, model.Lease{Kind: model.KindDeletion, SiteIDs: []uuid.UUID{site}})
	require.NoError(t, err)
	assert.True(t, got)

	got, err = fn(ctx, model.Lease{Kind: model.KindDeletion, SiteIDs: []uuid.UUID{uuid.New()}})
	require.NoError(t, err)
	assert.False(t, got)

	_, err = fn(ctx, model.Lease{Kind: model.KindMigration})
	assert.ErrorContains(t, err, "store down")
}

func TestPlan_FillLeaseAndExecutors(t *testing.T) {
	built := 0
	s := def(model.ScopeSite, "Copy")
	s.NewExecutor = func(services Services) (Executor, error) {
		built++
		_, ok := services.Lookup("workspace")
		assert.True(t, ok)
		return Funcs{After: func(context.Context, model.Phase) error { return nil }}, nil
	}
	plan := Plan{Global: []Step{def(model.ScopeGlobal, "Init")}, Site: []Step{s}}

	var l model.Lease
	plan.FillLease(&l)
	assert.Equal(t, []string{"Init"}, l.GlobalSteps)
	assert.Equal(t, []string{"Copy"}, l.SiteSteps)

	global, site, err := plan.Executors(ServiceMap{"workspace": "/tmp"})
	require.NoError(t, err)
	assert.Len(t, global, 1)
	require.Len(t, site, 1)
	assert.True(t, site[0].Executor.HasAfter())
	assert.False(t, global[0].Executor.HasAfter())
	assert.Equal(t, 1, built)
}

func TestCatalog_RejectsDuplicates(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Register(def(model.ScopeGlobal, "A")))
	assert.Error(t, c.Register(def(model.ScopeGlobal, "A")))
	assert.NoError(t, c.Register(def(model.ScopeSite, "A")), "scopes are separate namespaces")
	assert.Error(t, c.RegisterGroup(Group{Name: "A"}))
	assert.NoError(t, c.RegisterGroup(Group{Name: "g"}))
	assert.Error(t, c.RegisterGroup(Group{Name: "g"}))
	assert.Error(t, c.Register(def(model.ScopeSite, "g")))
	assert.Error(t, c.Register(def(model.Scope("bogus"), "z")))
}
