// Package step holds the step plugin contracts, the step catalog and the dependency resolver
// that turns a request's desired step names into one validated execution order.
package step

import (
	"context"

	"github.com/google/uuid"

	"github.com/msageha/conductor/internal/model"
)

// Dependency names a step (or group) in a given scope.
type Dependency struct {
	Scope model.Scope
	Name  string
}

func Global(name string) Dependency { return Dependency{Scope: model.ScopeGlobal, Name: name} }
func Site(name string) Dependency   { return Dependency{Scope: model.ScopeSite, Name: name} }

func (d Dependency) String() string {
	if d.Name == "" {
		return string(d.Scope) + "/*"
	}
	return string(d.Scope) + "/" + d.Name
}

// Services resolves the collaborators a step executor needs.
type Services interface {
	Lookup(name string) (any, bool)
}

type ServiceMap map[string]any

func (m ServiceMap) Lookup(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// Step is a registered unit of migration work.
type Step interface {
	Name() string
	Scope() model.Scope
	Dependencies() []Dependency
	// Validate may reject the request or adjust the shared global info in place.
	Validate(ctx context.Context, global *model.GlobalInfo, sites map[uuid.UUID]model.SiteInfo) error
	// HasConflict reports whether other, an active migration lease, blocks this step.
	HasConflict(ctx context.Context, global model.GlobalInfo, sites map[uuid.UUID]model.SiteInfo, other model.Lease) (bool, error)
	CreateExecutor(services Services) (Executor, error)
}

// Executor runs one step for one job.
type Executor interface {
	Execute(ctx context.Context, phase model.Phase) error
	ExecuteAfter(ctx context.Context, phase model.Phase) error
	// HasAfter reports whether the step has a teardown phase.
	HasAfter() bool
	// DisableProgressFlushTimer opts the step out of periodic progress flushing.
	DisableProgressFlushTimer() bool
}

// Group is a named alias for ordered lists of steps.
type Group struct {
	Name        string
	GlobalSteps []string
	SiteSteps   []string
}

// Definition implements Step with plain functions. Nil functions are no-ops.
type Definition struct {
	StepName     string
	StepScope    model.Scope
	DependsOn    []Dependency
	ValidateFunc func(ctx context.Context, global *model.GlobalInfo, sites map[uuid.UUID]model.SiteInfo) error
	ConflictFunc func(ctx context.Context, global model.GlobalInfo, sites map[uuid.UUID]model.SiteInfo, other model.Lease) (bool, error)
	NewExecutor  func(services Services) (Executor, error)
}

func (d *Definition) Name() string               { return d.StepName }
func (d *Definition) Scope() model.Scope         { return d.StepScope }
func (d *Definition) Dependencies() []Dependency { return d.DependsOn }

func (d *Definition) Validate(ctx context.Context, global *model.GlobalInfo, sites map[uuid.UUID]model.SiteInfo) error {
	if d.ValidateFunc == nil {
		return nil
	}
	return d.ValidateFunc(ctx, global, sites)
}

func (d *Definition) HasConflict(ctx context.Context, global model.GlobalInfo, sites map[uuid.UUID]model.SiteInfo, other model.Lease) (bool, error) {
	if d.ConflictFunc == nil {
		return false, nil
	}
	return d.ConflictFunc(ctx, global, sites, other)
}

func (d *Definition) CreateExecutor(services Services) (Executor, error) {
	if d.NewExecutor == nil {
		return Funcs{}, nil
	}
	return d.NewExecutor(services)
}

// Funcs implements Executor with plain functions. A nil After means no teardown.
type Funcs struct {
	Before          func(ctx context.Context, phase model.Phase) error
	After           func(ctx context.Context, phase model.Phase) error
	NoProgressFlush bool
}

func (f Funcs) Execute(ctx context.Context, phase model.Phase) error {
	if f.Before == nil {
		return nil
	}
	return f.Before(ctx, phase)
}

func (f Funcs) ExecuteAfter(ctx context.Context, phase model.Phase) error {
	if f.After == nil {
		return nil
	}
	return f.After(ctx, phase)
}

func (f Funcs) HasAfter() bool                  { return f.After != nil }
func (f Funcs) DisableProgressFlushTimer() bool { return f.NoProgressFlush }
