package step

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
)

var (
	globalAnchor = Dependency{Scope: model.ScopeGlobal}
	siteAnchor   = Dependency{Scope: model.ScopeSite}
)

// Plan is the sorted, validated selection of steps for one job.
type Plan struct {
	Global []Step
	Site   []Step
}

func names(steps []Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Name()
	}
	return out
}

func (p Plan) GlobalNames() []string { return names(p.Global) }
func (p Plan) SiteNames() []string   { return names(p.Site) }

// FillLease records the selected steps on an active lease.
func (p Plan) FillLease(l *model.Lease) {
	l.GlobalSteps = p.GlobalNames()
	l.SiteSteps = p.SiteNames()
}

// HasConflict asks each step, in order, whether other blocks it. Only active
// migration leases are considered.
func (p Plan) HasConflict(ctx context.Context, global model.GlobalInfo, sites map[uuid.UUID]model.SiteInfo, other model.Lease) (bool, error) {
	if other.Kind != model.KindMigration {
		return false, nil
	}
	for _, steps := range [][]Step{p.Global, p.Site} {
		for _, s := range steps {
			conflict, err := s.HasConflict(ctx, global, sites, other)
			if err != nil {
				return false, fmt.Errorf("step %s conflict check: %w", s.Name(), err)
			}
			if conflict {
				return true, nil
			}
		}
	}
	return false, nil
}

// ConflictFunc is the full conflict predicate of a migration job: active deletions
// conflict on shared sites, active migrations are checked step by step.
func (p Plan) ConflictFunc(global model.GlobalInfo, sites map[uuid.UUID]model.SiteInfo) model.ConflictFunc {
	siteIDs := model.SortedSiteIDs(sites)
	return func(ctx context.Context, other model.Lease) (bool, error) {
		switch other.Kind {
		case model.KindDeletion:
			return other.OverlapsSites(siteIDs), nil
		case model.KindMigration:
			return p.HasConflict(ctx, global, sites, other)
		default:
			return false, nil
		}
	}
}

// Bound pairs a step name with the executor built for one job.
type Bound struct {
	Name     string
	Executor Executor
}

// Executors instantiates the executors of every selected step.
func (p Plan) Executors(services Services) (global, site []Bound, err error) {
	build := func(steps []Step) ([]Bound, error) {
		out := make([]Bound, 0, len(steps))
		for _, s := range steps {
			ex, err := s.CreateExecutor(services)
			if err != nil {
				return nil, fmt.Errorf("create executor for %s step %s: %w", s.Scope(), s.Name(), err)
			}
			out = append(out, Bound{Name: s.Name(), Executor: ex})
		}
		return out, nil
	}
	if global, err = build(p.Global); err != nil {
		return nil, nil, err
	}
	if site, err = build(p.Site); err != nil {
		return nil, nil, err
	}
	return global, site, nil
}

// Resolver sorts and validates step selections against a catalog.
type Resolver struct {
	catalog *Catalog
	logger  *logging.Logger
}

func NewResolver(catalog *Catalog, logger *logging.Logger) *Resolver {
	return &Resolver{catalog: catalog, logger: logger.With("resolver")}
}

func (r *Resolver) Catalog() *Catalog {
	return r.catalog
}

// CalculateSteps sorts the desired steps and validates each of them in order.
// A nil name list selects every registered step of that scope.
func (r *Resolver) CalculateSteps(ctx context.Context, globalNames, siteNames []string, global *model.GlobalInfo, sites map[uuid.UUID]model.SiteInfo) (Plan, error) {
	plan, err := r.Sort(globalNames, siteNames)
	if err != nil {
		return Plan{}, err
	}
	if global == nil {
		global = &model.GlobalInfo{}
	}
	if *global == nil {
		*global = model.GlobalInfo{}
	}
	for _, steps := range [][]Step{plan.Global, plan.Site} {
		for _, s := range steps {
			if err := s.Validate(ctx, global, sites); err != nil {
				r.logger.Debugf("step_validation_failed scope=%s step=%s error=%v", s.Scope(), s.Name(), err)
				return Plan{}, err
			}
		}
	}
	return plan, nil
}

// Sort returns the steps reachable from the desired names in dependency order.
func (r *Resolver) Sort(globalNames, siteNames []string) (Plan, error) {
	if globalNames == nil {
		globalNames = r.catalog.Names(model.ScopeGlobal)
	}
	if siteNames == nil {
		siteNames = r.catalog.Names(model.ScopeSite)
	}

	var desired []Dependency
	for _, n := range globalNames {
		desired = append(desired, Dependency{Scope: model.ScopeGlobal, Name: n})
	}
	for _, n := range siteNames {
		desired = append(desired, Dependency{Scope: model.ScopeSite, Name: n})
	}
	for _, d := range desired {
		if _, known := r.dependencies(d); !known {
			return Plan{}, model.UnknownStep(d.Scope, d.Name)
		}
	}

	nodes, edges, unknown := r.reachable(desired)
	if len(unknown) > 0 {
		return Plan{}, model.UnknownStepDependencies(unknown)
	}

	sorted, cycle := topoSort(nodes, edges, r.rank)
	if cycle != nil {
		path := make([]string, len(cycle))
		for i, d := range cycle {
			path[i] = d.String()
		}
		return Plan{}, model.CircularStepDependency(path)
	}

	var plan Plan
	for _, d := range sorted {
		s, ok := r.catalog.Lookup(d.Scope, d.Name)
		if !ok {
			continue // anchors and groups
		}
		if d.Scope == model.ScopeGlobal {
			plan.Global = append(plan.Global, s)
		} else {
			plan.Site = append(plan.Site, s)
		}
	}
	r.logger.Debugf("steps_sorted global=%v site=%v", plan.GlobalNames(), plan.SiteNames())
	return plan, nil
}

// dependencies returns the declared edges of node, and whether node exists.
// The site anchor's dependency on every global step is added by reachable.
func (r *Resolver) dependencies(node Dependency) ([]Dependency, bool) {
	switch node {
	case globalAnchor:
		return nil, true
	case siteAnchor:
		return []Dependency{globalAnchor}, true
	}
	if s, ok := r.catalog.Lookup(node.Scope, node.Name); ok {
		anchor := globalAnchor
		if node.Scope == model.ScopeSite {
			anchor = siteAnchor
		}
		return append([]Dependency{anchor}, s.Dependencies()...), true
	}
	if g, ok := r.catalog.group(node.Name); ok {
		members := g.GlobalSteps
		if node.Scope == model.ScopeSite {
			members = g.SiteSteps
		}
		deps := make([]Dependency, len(members))
		for i, m := range members {
			deps[i] = Dependency{Scope: node.Scope, Name: m}
		}
		return deps, true
	}
	return nil, false
}

func (r *Resolver) reachable(desired []Dependency) ([]Dependency, map[Dependency][]Dependency, []string) {
	edges := make(map[Dependency][]Dependency)
	seen := make(map[Dependency]bool)
	missing := make(map[string]bool)
	var nodes []Dependency

	stack := append([]Dependency(nil), desired...)
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[node] {
			continue
		}
		deps, known := r.dependencies(node)
		if !known {
			missing[node.String()] = true
			continue
		}
		seen[node] = true
		nodes = append(nodes, node)
		edges[node] = deps
		stack = append(stack, deps...)
	}

	if seen[siteAnchor] {
		for _, n := range nodes {
			if n.Scope == model.ScopeGlobal && n != globalAnchor {
				edges[siteAnchor] = append(edges[siteAnchor], n)
			}
		}
	}

	unknown := make([]string, 0, len(missing))
	for name := range missing {
		unknown = append(unknown, name)
	}
	sort.Strings(unknown)

	sort.Slice(nodes, func(i, j int) bool { return r.rank(nodes[i]) < r.rank(nodes[j]) })
	return nodes, edges, unknown
}

// rank orders anchors first, then steps by registration, then groups.
func (r *Resolver) rank(d Dependency) int {
	switch d {
	case globalAnchor:
		return -2
	case siteAnchor:
		return -1
	}
	if i, ok := r.catalog.index[d]; ok {
		return i
	}
	i := r.catalog.gindex[d.Name]
	offset := 0
	if d.Scope == model.ScopeSite {
		offset = len(r.catalog.groups)
	}
	return len(r.catalog.steps) + offset + i
}
