// Package builtin registers the steps an agent ships with: a staging area for the job,
// a per-site copy of the site description into the agent workspace and its verification.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/step"
	"github.com/msageha/conductor/internal/yaml"
)

const (
	StepInit   = "init"
	StepCopy   = "copy"
	StepVerify = "verify"
	GroupFull  = "full"

	// ServiceWorkspace is the step.Services name of the *Workspace.
	ServiceWorkspace = "workspace"
)

// CopyProgress is the per-site progress of the copy and verify steps.
type CopyProgress struct {
	Copied   int  `json:"copied"`
	Verified bool `json:"verified"`
}

var copyProgressKey = model.NewProgressKey[CopyProgress]("copy")

// Register adds the builtin steps and the full group to c.
func Register(c *step.Catalog) error {
	for _, s := range []step.Step{initStep(), copyStep(), verifyStep()} {
		if err := c.Register(s); err != nil {
			return err
		}
	}
	return c.RegisterGroup(step.Group{Name: GroupFull, SiteSteps: []string{StepCopy, StepVerify}})
}

func initStep() *step.Definition {
	return &step.Definition{
		StepName:  StepInit,
		StepScope: model.ScopeGlobal,
		ValidateFunc: func(_ context.Context, global *model.GlobalInfo, sites map[uuid.UUID]model.SiteInfo) error {
			if len(sites) == 0 {
				return model.ValidationFailed("no sites")
			}
			if _, ok := (*global)["label"]; !ok {
				(*global)["label"] = "migration"
			}
			return nil
		},
		NewExecutor: func(services step.Services) (step.Executor, error) {
			ws, err := workspaceFrom(services)
			if err != nil {
				return nil, err
			}
			return step.Funcs{
				Before: func(_ context.Context, phase model.Phase) error {
					return os.MkdirAll(ws.stagingDir(phase.Job.Coordinate), 0755)
				},
				After: func(_ context.Context, phase model.Phase) error {
					return os.RemoveAll(ws.stagingDir(phase.Job.Coordinate))
				},
			}, nil
		},
	}
}

func copyStep() *step.Definition {
	return &step.Definition{
		StepName:  StepCopy,
		StepScope: model.ScopeSite,
		DependsOn: []step.Dependency{step.Global(StepInit)},
		// Two copies into the same site directory would race.
		ConflictFunc: func(_ context.Context, _ model.GlobalInfo, sites map[uuid.UUID]model.SiteInfo, other model.Lease) (bool, error) {
			return slices.Contains(other.SiteSteps, StepCopy) && other.OverlapsSites(model.SortedSiteIDs(sites)), nil
		},
		NewExecutor: func(services step.Services) (step.Executor, error) {
			ws, err := workspaceFrom(services)
			if err != nil {
				return nil, err
			}
			return step.Funcs{Before: func(ctx context.Context, phase model.Phase) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				site := phase.Site
				doc := siteDocument{
					SchemaHeader: yaml.NewHeader(yaml.FileTypeSite),
					SiteID:       site.SiteID,
					Job:          phase.Job.Coordinate,
					Info:         site.Info,
					CopiedAt:     time.Now().UTC(),
				}
				if err := yaml.WriteDocument(ws.sitePath(site.SiteID), yaml.FileTypeSite, doc); err != nil {
					return fmt.Errorf("copy site %s: %w", site.SiteID, err)
				}
				return model.UpdateProgress(phase.Progress(), copyProgressKey, func(p *CopyProgress) {
					p.Copied += max(len(site.Info), 1)
				})
			}}, nil
		},
	}
}

func verifyStep() *step.Definition {
	return &step.Definition{
		StepName:  StepVerify,
		StepScope: model.ScopeSite,
		DependsOn: []step.Dependency{step.Site(StepCopy)},
		NewExecutor: func(services step.Services) (step.Executor, error) {
			ws, err := workspaceFrom(services)
			if err != nil {
				return nil, err
			}
			return step.Funcs{
				NoProgressFlush: true,
				Before: func(_ context.Context, phase model.Phase) error {
					site := phase.Site
					var doc siteDocument
					if err := ws.readSite(site.SiteID, &doc); err != nil {
						return err
					}
					if doc.SiteID != site.SiteID || doc.Job != phase.Job.Coordinate {
						return fmt.Errorf("site %s holds data of job %s", site.SiteID, doc.Job)
					}
					if len(doc.Info) != len(site.Info) {
						return fmt.Errorf("site %s: copied %d fields, expected %d", site.SiteID, len(doc.Info), len(site.Info))
					}
					return model.UpdateProgress(phase.Progress(), copyProgressKey, func(p *CopyProgress) {
						p.Verified = true
					})
				},
			}, nil
		},
	}
}

func workspaceFrom(services step.Services) (*Workspace, error) {
	v, ok := services.Lookup(ServiceWorkspace)
	if !ok {
		return nil, errors.New("workspace service not configured")
	}
	ws, ok := v.(*Workspace)
	if !ok {
		return nil, fmt.Errorf("workspace service has type %T", v)
	}
	return ws, nil
}

type siteDocument struct {
	yaml.SchemaHeader `yaml:",inline"`
	SiteID            uuid.UUID        `yaml:"site_id"`
	Job               model.Coordinate `yaml:"job"`
	Info              model.SiteInfo   `yaml:"info,omitempty"`
	CopiedAt          time.Time        `yaml:"copied_at"`
}

// Workspace is the agent's data directory: staging areas per job and one document per site.
type Workspace struct {
	root string
}

func NewWorkspace(root string) (*Workspace, error) {
	if err := os.MkdirAll(filepath.Join(root, "sites"), 0755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{root: root}, nil
}

func (w *Workspace) stagingDir(coord model.Coordinate) string {
	return filepath.Join(w.root, "staging", fmt.Sprintf("%s-%d", coord.ID, coord.Attempt))
}

func (w *Workspace) sitePath(id uuid.UUID) string {
	return filepath.Join(w.root, "sites", id.String()+".yaml")
}

func (w *Workspace) readSite(id uuid.UUID, out *siteDocument) error {
	return yaml.ReadDocument(w.sitePath(id), yaml.FileTypeSite, filepath.Join(w.root, "quarantine"), out)
}

// HasSite reports whether a site document exists.
func (w *Workspace) HasSite(id uuid.UUID) bool {
	_, err := os.Stat(w.sitePath(id))
	return err == nil
}

// DeleteSite removes the data of a site. Deleting an absent site succeeds.
func (w *Workspace) DeleteSite(ctx context.Context, id uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := yaml.Remove(w.sitePath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("delete site %s: %w", id, err)
	}
	return true, nil
}
