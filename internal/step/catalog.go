package step

import (
	"fmt"

	"github.com/msageha/conductor/internal/model"
)

// Catalog is the registry of known steps and groups. Registration order breaks ties
// when sorting otherwise unordered steps.
type Catalog struct {
	steps  []Step
	groups []Group
	index  map[Dependency]int
	gindex map[string]int
}

func NewCatalog() *Catalog {
	return &Catalog{
		index:  make(map[Dependency]int),
		gindex: make(map[string]int),
	}
}

func (c *Catalog) Register(s Step) error {
	if s.Name() == "" {
		return fmt.Errorf("register step: empty name")
	}
	if s.Scope() != model.ScopeGlobal && s.Scope() != model.ScopeSite {
		return fmt.Errorf("register step %q: invalid scope %q", s.Name(), s.Scope())
	}
	key := Dependency{Scope: s.Scope(), Name: s.Name()}
	if _, ok := c.index[key]; ok {
		return fmt.Errorf("register step %s: duplicate", key)
	}
	if _, ok := c.gindex[s.Name()]; ok {
		return fmt.Errorf("register step %s: name taken by a group", key)
	}
	c.index[key] = len(c.steps)
	c.steps = append(c.steps, s)
	return nil
}

func (c *Catalog) RegisterGroup(g Group) error {
	if g.Name == "" {
		return fmt.Errorf("register group: empty name")
	}
	if _, ok := c.gindex[g.Name]; ok {
		return fmt.Errorf("register group %q: duplicate", g.Name)
	}
	for _, scope := range []model.Scope{model.ScopeGlobal, model.ScopeSite} {
		if _, ok := c.index[Dependency{Scope: scope, Name: g.Name}]; ok {
			return fmt.Errorf("register group %q: name taken by a step", g.Name)
		}
	}
	c.gindex[g.Name] = len(c.groups)
	c.groups = append(c.groups, g)
	return nil
}

// MustRegister registers steps and panics on error. For static wiring only.
func (c *Catalog) MustRegister(steps ...Step) {
	for _, s := range steps {
		if err := c.Register(s); err != nil {
			panic(err)
		}
	}
}

func (c *Catalog) Lookup(scope model.Scope, name string) (Step, bool) {
	i, ok := c.index[Dependency{Scope: scope, Name: name}]
	if !ok {
		return nil, false
	}
	return c.steps[i], true
}

func (c *Catalog) group(name string) (Group, bool) {
	i, ok := c.gindex[name]
	if !ok {
		return Group{}, false
	}
	return c.groups[i], true
}

// Names returns the registered step names of scope in registration order.
func (c *Catalog) Names(scope model.Scope) []string {
	var names []string
	for _, s := range c.steps {
		if s.Scope() == scope {
			names = append(names, s.Name())
		}
	}
	return names
}
