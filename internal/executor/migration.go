package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/conductor/internal/events"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/metrics"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/repository"
	"github.com/msageha/conductor/internal/step"
)

const skippedReasonGlobalFailed = "global steps failed"

// Migration is one job ready to run: its context plus the executors of its sorted steps,
// index-aligned with the job's global and site step histories.
type Migration struct {
	Job    *model.JobContext
	Global []step.Bound
	Site   []step.Bound
}

type MigrationExecutor struct {
	repo     repository.Repository
	emitter  Emitter
	settings func() model.Config
	logger   *logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewMigrationExecutor reads parallelism and the progress flush interval from settings
// at the start of every run.
func NewMigrationExecutor(repo repository.Repository, emitter Emitter, settings func() model.Config, logger *logging.Logger, m *metrics.Metrics) *MigrationExecutor {
	return &MigrationExecutor{
		repo:     repo,
		emitter:  emitter,
		settings: settings,
		logger:   logger.With("migration"),
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Execute prepares and runs m in the calling goroutine.
func (e *MigrationExecutor) Execute(ctx context.Context, m Migration) (model.TimeBoundStatus, error) {
	if err := e.Prepare(ctx, m); err != nil {
		return "", err
	}
	return e.Run(ctx, m), nil
}

// Prepare marks the job running and stores it. A dequeued job replaces its pending
// record; a fresh job must not exist yet.
func (e *MigrationExecutor) Prepare(ctx context.Context, m Migration) error {
	job := m.Job
	if len(m.Global) != len(job.Steps) || len(m.Site) != len(job.SiteStepNames) {
		return fmt.Errorf("prepare migration %s: %d/%d executors for %d/%d steps",
			job.Coordinate, len(m.Global), len(m.Site), len(job.Steps), len(job.SiteStepNames))
	}

	job.Mutate(func() {
		now := e.now()
		job.Status = model.StatusRunning
		job.StartedAt = &now
	})
	snap := job.Snapshot()
	var err error
	if snap.QueuedAt != nil {
		err = e.repo.Upsert(ctx, snap)
	} else {
		err = e.repo.Insert(ctx, snap)
	}
	if err != nil {
		return fmt.Errorf("persist migration %s: %w", job.Coordinate, err)
	}

	queued := snap.QueuedAt != nil
	e.emitter.Emit(job.Settings.EventRecipients, job.Settings.EventMeta, func() (events.EventType, map[string]any) {
		return events.EventMigrationStarted, map[string]any{
			"instance_id": job.Coordinate.ID.String(),
			"attempt":     job.Coordinate.Attempt,
			"queued":      queued,
		}
	})
	e.logger.Infof("migration_started coordinate=%s queued=%t global=%d site=%d sites=%d",
		job.Coordinate, queued, len(m.Global), len(m.Site), len(job.Sites))
	return nil
}

// Run executes the prepared job until it ends and returns its final status. Step failures
// are recorded on the job, never returned.
func (e *MigrationExecutor) Run(ctx context.Context, m Migration) model.TimeBoundStatus {
	cfg := e.settings()
	r := &migrationRun{
		MigrationExecutor: e,
		job:               m.Job,
		global:            m.Global,
		site:              m.Site,
		parallelism:       m.Job.Settings.ParallelismFor(model.KindMigration, cfg.ParallelismFor(model.KindMigration)),
		flushEvery:        cfg.ProgressFlushInterval(),
	}
	r.logger = e.logger.With("migration[" + m.Job.Coordinate.String() + "]")

	stopHook := onCancel(ctx, func() {
		r.job.Mutate(func() {
			if r.job.Status == model.StatusRunning {
				transition(r.logger, &r.job.Status, model.StatusRunningAborting)
			}
		})
		r.persist(ctx)
	})

	r.runGlobalBefore(ctx)
	if ctx.Err() == nil {
		if (model.Phase{Job: m.Job}).Succeeded() {
			r.runSiteBefore(ctx)
		} else {
			r.skipSites()
		}
		r.runSiteAfter(ctx)
	}
	r.runGlobalAfter(ctx)

	stopHook()
	return r.finish(ctx)
}

type migrationRun struct {
	*MigrationExecutor
	job         *model.JobContext
	global      []step.Bound
	site        []step.Bound
	parallelism int
	flushEvery  time.Duration
	logger      *logging.Logger

	persistMu sync.Mutex
}

func (r *migrationRun) runGlobalBefore(ctx context.Context) {
	phase := model.Phase{Job: r.job}
	for i, b := range r.global {
		if ctx.Err() != nil || !phase.Succeeded() {
			return
		}
		r.runStep(ctx, phase, i, b, false)
	}
}

func (r *migrationRun) skipSites() {
	r.job.Mutate(func() {
		for _, s := range r.job.Sites {
			if s.IsSucceeded() {
				s.Skip(skippedReasonGlobalFailed)
			}
		}
	})
	r.logger.Warnf("sites_skipped reason=%q", skippedReasonGlobalFailed)
}

// runSiteBefore runs each site step on every site that has not failed, one step at a
// time across all sites.
func (r *migrationRun) runSiteBefore(ctx context.Context) {
	for i, b := range r.site {
		if ctx.Err() != nil {
			return
		}
		fanOut(ctx, r.parallelism, r.job.Sites, func(ctx context.Context, site *model.SiteContext) {
			phase := model.Phase{Job: r.job, Site: site}
			if phase.Succeeded() {
				r.runStep(ctx, phase, i, b, false)
			}
		})
	}
}

// runSiteAfter tears site steps down in reverse order. A site stops tearing down at its
// first failed teardown.
func (r *migrationRun) runSiteAfter(ctx context.Context) {
	sites := make([]int, len(r.job.Sites))
	for i := range sites {
		sites[i] = i
	}
	stopped := make([]bool, len(r.job.Sites))
	for i := len(r.site) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return
		}
		b := r.site[i]
		fanOut(ctx, r.parallelism, sites, func(ctx context.Context, si int) {
			if stopped[si] {
				return
			}
			phase := model.Phase{Job: r.job, Site: r.job.Sites[si]}
			if !r.awaitsTeardown(phase, i) {
				return
			}
			if r.runStep(ctx, phase, i, b, true) == model.StatusFailed {
				stopped[si] = true
			}
		})
	}
}

func (r *migrationRun) runGlobalAfter(ctx context.Context) {
	phase := model.Phase{Job: r.job}
	for i := len(r.global) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return
		}
		if !r.awaitsTeardown(phase, i) {
			continue
		}
		if r.runStep(ctx, phase, i, r.global[i], true) == model.StatusFailed {
			return
		}
	}
}

func (r *migrationRun) awaitsTeardown(phase model.Phase, idx int) bool {
	var ok bool
	r.job.Mutate(func() {
		ok = phase.Histories()[idx].Status == model.StatusPartiallyCompleted
	})
	return ok
}

// runStep runs the before- or after-phase of one step in one scope and records it in
// the step's history. It returns the status the history ended in.
func (r *migrationRun) runStep(ctx context.Context, phase model.Phase, idx int, b step.Bound, after bool) model.TimeBoundStatus {
	hist := phase.Histories()[idx]
	scope := phase.Scope()
	siteID := phase.SiteID()

	started := r.now()
	r.job.Mutate(func() {
		transition(r.logger, &hist.Status, model.StatusRunning)
		if after {
			hist.AfterStartedAt = &started
		} else {
			hist.StartedAt = &started
		}
	})
	r.persist(ctx)
	r.emitStep(events.EventStepStarted, b.Name, siteID, after, "")
	r.logger.Debugf("step_started scope=%s step=%s site=%s after=%t", scope, b.Name, siteLabel(siteID), after)

	stopFlush := func() {}
	if !b.Executor.DisableProgressFlushTimer() {
		stopFlush = repository.StartTimedFlush(ctx, r.repo, r.job, r.flushEvery, r.logger)
	}
	stopHook := onCancel(ctx, func() {
		r.job.Mutate(func() {
			if hist.Status == model.StatusRunning {
				transition(r.logger, &hist.Status, model.StatusRunningAborting)
			}
		})
		r.persist(ctx)
	})

	err := call(func() error {
		if after {
			return b.Executor.ExecuteAfter(ctx, phase)
		}
		return b.Executor.Execute(ctx, phase)
	})
	stopHook()
	stopFlush()

	var status model.TimeBoundStatus
	switch {
	case err == nil && !after && b.Executor.HasAfter():
		status = model.StatusPartiallyCompleted
	case err == nil:
		status = model.StatusCompleted
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		status = model.StatusAborted
	default:
		status = model.StatusFailed
	}

	finished := r.now()
	r.job.Mutate(func() {
		transition(r.logger, &hist.Status, status)
		if after {
			hist.AfterFinishedAt = &finished
		} else {
			hist.FinishedAt = &finished
		}
		if status == model.StatusFailed {
			hist.Problem = &model.Problem{Kind: model.ProblemFailed, Error: err.Error()}
			if f := phase.Failable(); f.IsSucceeded() {
				f.Fail(fmt.Errorf("step %s: %w", b.Name, err))
			}
		}
	})
	if status == model.StatusFailed {
		r.logger.Errorf("step_failed scope=%s step=%s site=%s after=%t error=%v", scope, b.Name, siteLabel(siteID), after, err)
	} else {
		r.logger.Debugf("step_finished scope=%s step=%s site=%s after=%t status=%s", scope, b.Name, siteLabel(siteID), after, status)
	}

	r.persist(ctx)
	r.emitStep(events.EventStepFinished, b.Name, siteID, after, status)
	r.metrics.StepObserved(string(scope), after, string(status), finished.Sub(started))
	return status
}

// finish settles the job status, closes histories a cancellation left open and stores
// the final record.
func (r *migrationRun) finish(ctx context.Context) model.TimeBoundStatus {
	cancelled := ctx.Err() != nil
	var status model.TimeBoundStatus
	r.job.Mutate(func() {
		switch {
		case !r.job.IsSucceeded():
			status = model.StatusFailed
		case cancelled:
			status = model.StatusAborted
		default:
			status = model.StatusCompleted
		}
		if cancelled {
			abortOpen(r.logger, r.job.Steps)
			for _, s := range r.job.Sites {
				abortOpen(r.logger, s.Steps)
			}
		}
		transition(r.logger, &r.job.Status, status)
		now := r.now()
		r.job.FinishedAt = &now
	})

	r.persist(ctx)
	if err := repository.FlushProgress(context.WithoutCancel(ctx), r.repo, r.job); err != nil {
		r.logger.Warnf("progress_flush_failed error=%v", err)
	}
	r.emitter.Emit(r.job.Settings.EventRecipients, r.job.Settings.EventMeta, func() (events.EventType, map[string]any) {
		return events.EventMigrationFinished, map[string]any{
			"instance_id": r.job.Coordinate.ID.String(),
			"attempt":     r.job.Coordinate.Attempt,
			"status":      string(status),
		}
	})
	r.metrics.ExecutionFinished(string(model.KindMigration), string(status))
	r.logger.Infof("migration_finished status=%s", status)
	return status
}

// abortOpen marks steps that never ran, or never got their teardown, as aborted.
func abortOpen(logger *logging.Logger, steps []*model.StepHistory) {
	for _, h := range steps {
		if h.Status == model.StatusPending || h.Status == model.StatusPartiallyCompleted {
			transition(logger, &h.Status, model.StatusAborted)
		}
	}
}

// persist stores the current snapshot. Writes are serialized so that an older
// snapshot never overwrites a newer one, and survive cancellation of ctx.
func (r *migrationRun) persist(ctx context.Context) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	if err := r.repo.Upsert(context.WithoutCancel(ctx), r.job.Snapshot()); err != nil {
		r.logger.Warnf("persist_failed error=%v", err)
	}
}

func (r *migrationRun) emitStep(t events.EventType, name string, siteID *uuid.UUID, after bool, status model.TimeBoundStatus) {
	r.emitter.Emit(r.job.Settings.EventRecipients, r.job.Settings.EventMeta, func() (events.EventType, map[string]any) {
		data := map[string]any{
			"instance_id": r.job.Coordinate.ID.String(),
			"attempt":     r.job.Coordinate.Attempt,
			"name":        name,
			"is_after":    after,
		}
		if siteID != nil {
			data["site_id"] = siteID.String()
		}
		if status != "" {
			data["status"] = string(status)
		}
		return t, data
	})
}

func siteLabel(id *uuid.UUID) string {
	if id == nil {
		return "-"
	}
	return id.String()
}
