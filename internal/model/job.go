package model

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeSite   Scope = "site"
)

// Coordinate identifies one execution attempt. Deletions always use attempt 1.
type Coordinate struct {
	ID      uuid.UUID `json:"id" yaml:"id"`
	Attempt int       `json:"attempt" yaml:"attempt"`
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%s/%d", c.ID, c.Attempt)
}

type GlobalInfo map[string]any

type SiteInfo map[string]any

// DequeuingInfo snapshots the orchestration-time settings of a job so that a later
// dequeue runs it exactly as it was submitted.
type DequeuingInfo struct {
	Parallelism     map[ExecutionKind]int `json:"parallelism,omitempty" yaml:"parallelism,omitempty"`
	EventRecipients []string              `json:"eventRecipients,omitempty" yaml:"event_recipients,omitempty"`
	EventMeta       map[string][]string   `json:"eventMeta,omitempty" yaml:"event_meta,omitempty"`
}

func (d DequeuingInfo) ParallelismFor(kind ExecutionKind, fallback int) int {
	if n := d.Parallelism[kind]; n > 0 {
		return n
	}
	if fallback <= 0 {
		return 1
	}
	return fallback
}

func (d DequeuingInfo) Clone() DequeuingInfo {
	c := DequeuingInfo{
		Parallelism:     maps.Clone(d.Parallelism),
		EventRecipients: slices.Clone(d.EventRecipients),
	}
	if d.EventMeta != nil {
		c.EventMeta = make(map[string][]string, len(d.EventMeta))
		for k, v := range d.EventMeta {
			c.EventMeta[k] = slices.Clone(v)
		}
	}
	return c
}

// StepHistory is the execution record of one step within one scope.
type StepHistory struct {
	Name            string          `json:"name" yaml:"name"`
	Status          TimeBoundStatus `json:"status" yaml:"status"`
	StartedAt       *time.Time      `json:"startedAt,omitempty" yaml:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finishedAt,omitempty" yaml:"finished_at,omitempty"`
	AfterStartedAt  *time.Time      `json:"afterStartedAt,omitempty" yaml:"after_started_at,omitempty"`
	AfterFinishedAt *time.Time      `json:"afterFinishedAt,omitempty" yaml:"after_finished_at,omitempty"`
	Problem         *Problem        `json:"problem,omitempty" yaml:"problem,omitempty"`
}

func newHistories(names []string) []*StepHistory {
	out := make([]*StepHistory, len(names))
	for i, n := range names {
		out[i] = &StepHistory{Name: n, Status: StatusPending}
	}
	return out
}

func copyHistories(in []*StepHistory) []StepHistory {
	out := make([]StepHistory, len(in))
	for i, h := range in {
		out[i] = *h
		if h.Problem != nil {
			p := *h.Problem
			out[i].Problem = &p
		}
	}
	return out
}

// SiteContext is the per-site failure and history domain of a job.
type SiteContext struct {
	SiteID uuid.UUID
	Info   SiteInfo
	Failable
	Steps    []*StepHistory
	Progress *Progress
}

// JobContext is the live record of one execution attempt. All fields, including those of
// its sites, are guarded by the job's mutex; mutate them through Mutate.
type JobContext struct {
	mu sync.Mutex

	Kind       ExecutionKind
	Coordinate Coordinate
	Family     string
	Status     TimeBoundStatus
	QueuedAt   *time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	GlobalInfo GlobalInfo
	Failable
	Steps         []*StepHistory
	SiteStepNames []string
	Sites         []*SiteContext
	Progress      *Progress
	Settings      DequeuingInfo
}

// JobSpec describes a job whose steps have already been sorted.
type JobSpec struct {
	Kind        ExecutionKind
	Coordinate  Coordinate
	Family      string
	GlobalInfo  GlobalInfo
	Sites       map[uuid.UUID]SiteInfo
	GlobalSteps []string
	SiteSteps   []string
	Settings    DequeuingInfo
	QueuedAt    *time.Time
}

func NewJobContext(spec JobSpec) *JobContext {
	jc := &JobContext{
		Kind:          spec.Kind,
		Coordinate:    spec.Coordinate,
		Family:        spec.Family,
		Status:        StatusPending,
		QueuedAt:      spec.QueuedAt,
		GlobalInfo:    spec.GlobalInfo,
		Steps:         newHistories(spec.GlobalSteps),
		SiteStepNames: slices.Clone(spec.SiteSteps),
		Progress:      NewProgress(),
		Settings:      spec.Settings.Clone(),
	}
	for _, id := range SortedSiteIDs(spec.Sites) {
		jc.Sites = append(jc.Sites, &SiteContext{
			SiteID:   id,
			Info:     spec.Sites[id],
			Steps:    newHistories(spec.SiteSteps),
			Progress: NewProgress(),
		})
	}
	return jc
}

// Mutate runs fn with the job locked.
func (j *JobContext) Mutate(fn func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn()
}

// SiteIDs returns the job's sites in execution order.
func (j *JobContext) SiteIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(j.Sites))
	for i, s := range j.Sites {
		ids[i] = s.SiteID
	}
	return ids
}

func (j *JobContext) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	snap := JobSnapshot{
		Kind:          j.Kind,
		Coordinate:    j.Coordinate,
		Family:        j.Family,
		Status:        j.Status,
		QueuedAt:      j.QueuedAt,
		StartedAt:     j.StartedAt,
		FinishedAt:    j.FinishedAt,
		Problem:       j.Problem(),
		GlobalInfo:    maps.Clone(j.GlobalInfo),
		GlobalSteps:   copyHistories(j.Steps),
		SiteStepNames: slices.Clone(j.SiteStepNames),
	}
	if j.QueuedAt != nil {
		info := j.Settings.Clone()
		snap.Dequeuing = &info
	}
	for _, s := range j.Sites {
		snap.Sites = append(snap.Sites, SiteSnapshot{
			SiteID:  s.SiteID,
			Info:    maps.Clone(s.Info),
			Problem: s.Problem(),
			Steps:   copyHistories(s.Steps),
		})
	}
	return snap
}

func (j *JobContext) ProgressDocument() (ProgressDocument, error) {
	doc := ProgressDocument{Sites: make(map[uuid.UUID]ProgressData, len(j.Sites))}
	data, err := j.Progress.Marshal()
	if err != nil {
		return ProgressDocument{}, err
	}
	doc.Job = data
	for _, s := range j.Sites {
		data, err := s.Progress.Marshal()
		if err != nil {
			return ProgressDocument{}, fmt.Errorf("site %s: %w", s.SiteID, err)
		}
		doc.Sites[s.SiteID] = data
	}
	return doc, nil
}

// Phase is the scope a step runs in: the job itself, or one of its sites.
type Phase struct {
	Job  *JobContext
	Site *SiteContext
}

func (p Phase) Scope() Scope {
	if p.Site != nil {
		return ScopeSite
	}
	return ScopeGlobal
}

func (p Phase) Failable() *Failable {
	if p.Site != nil {
		return &p.Site.Failable
	}
	return &p.Job.Failable
}

func (p Phase) Progress() *Progress {
	if p.Site != nil {
		return p.Site.Progress
	}
	return p.Job.Progress
}

func (p Phase) Histories() []*StepHistory {
	if p.Site != nil {
		return p.Site.Steps
	}
	return p.Job.Steps
}

// SiteID returns nil for the global scope.
func (p Phase) SiteID() *uuid.UUID {
	if p.Site == nil {
		return nil
	}
	id := p.Site.SiteID
	return &id
}

// Succeeded reads the scope's failure state under the job lock.
func (p Phase) Succeeded() bool {
	p.Job.mu.Lock()
	defer p.Job.mu.Unlock()
	return p.Failable().IsSucceeded()
}

// JobSnapshot is the persisted form of a JobContext.
type JobSnapshot struct {
	Kind          ExecutionKind     `json:"kind" yaml:"kind"`
	Coordinate    Coordinate        `json:"coordinate" yaml:"coordinate"`
	Family        string            `json:"family" yaml:"family"`
	Status        TimeBoundStatus   `json:"status" yaml:"status"`
	QueuedAt      *time.Time        `json:"queuedAt,omitempty" yaml:"queued_at,omitempty"`
	StartedAt     *time.Time        `json:"startedAt,omitempty" yaml:"started_at,omitempty"`
	FinishedAt    *time.Time        `json:"finishedAt,omitempty" yaml:"finished_at,omitempty"`
	Problem       *Problem          `json:"problem,omitempty" yaml:"problem,omitempty"`
	GlobalInfo    GlobalInfo        `json:"globalInfo,omitempty" yaml:"global_info,omitempty"`
	GlobalSteps   []StepHistory     `json:"globalSteps" yaml:"global_steps"`
	SiteStepNames []string          `json:"siteStepNames" yaml:"site_step_names"`
	Sites         []SiteSnapshot    `json:"sites" yaml:"sites"`
	Dequeuing     *DequeuingInfo    `json:"dequeuing,omitempty" yaml:"dequeuing,omitempty"`
	Progress      *ProgressDocument `json:"progress,omitempty" yaml:"-"`
}

type SiteSnapshot struct {
	SiteID  uuid.UUID     `json:"siteId" yaml:"site_id"`
	Info    SiteInfo      `json:"info,omitempty" yaml:"info,omitempty"`
	Problem *Problem      `json:"problem,omitempty" yaml:"problem,omitempty"`
	Steps   []StepHistory `json:"steps" yaml:"steps"`
}

// NewQueuedSnapshot builds the pending record persisted when a job cannot be dispatched.
func NewQueuedSnapshot(spec JobSpec, queuedAt time.Time) JobSnapshot {
	spec.QueuedAt = &queuedAt
	jc := NewJobContext(spec)
	return jc.Snapshot()
}

func (s JobSnapshot) GlobalStepNames() []string {
	names := make([]string, len(s.GlobalSteps))
	for i, h := range s.GlobalSteps {
		names[i] = h.Name
	}
	return names
}

func (s JobSnapshot) SiteInfos() map[uuid.UUID]SiteInfo {
	out := make(map[uuid.UUID]SiteInfo, len(s.Sites))
	for _, site := range s.Sites {
		out[site.SiteID] = site.Info
	}
	return out
}

func (s JobSnapshot) SortKey() time.Time {
	switch {
	case s.QueuedAt != nil:
		return *s.QueuedAt
	case s.StartedAt != nil:
		return *s.StartedAt
	default:
		return time.Time{}
	}
}

func (s JobSnapshot) Clone() JobSnapshot {
	c := s
	c.GlobalInfo = maps.Clone(s.GlobalInfo)
	c.GlobalSteps = slices.Clone(s.GlobalSteps)
	c.SiteStepNames = slices.Clone(s.SiteStepNames)
	c.Sites = make([]SiteSnapshot, len(s.Sites))
	for i, site := range s.Sites {
		site.Info = maps.Clone(site.Info)
		site.Steps = slices.Clone(site.Steps)
		c.Sites[i] = site
	}
	if s.Dequeuing != nil {
		d := s.Dequeuing.Clone()
		c.Dequeuing = &d
	}
	if s.Progress != nil {
		p := s.Progress.Clone()
		c.Progress = &p
	}
	return c
}

// SortedSiteIDs returns the keys of sites in byte order.
func SortedSiteIDs(sites map[uuid.UUID]SiteInfo) []uuid.UUID {
	ids := slices.Collect(maps.Keys(sites))
	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		return bytes.Compare(a[:], b[:])
	})
	return ids
}
