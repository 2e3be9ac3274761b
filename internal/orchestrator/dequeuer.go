package orchestrator

import (
	"context"
	"time"

	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/metrics"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/repository"
)

// DequeueDispatcher offers one queued job to the pool.
type DequeueDispatcher interface {
	Dequeue(ctx context.Context, coord model.Coordinate, family string) (bool, error)
}

// PassResult summarizes one dequeuer pass.
type PassResult struct {
	Dispatched int
	Conflicts  int
	Failures   int
	Suspended  bool
}

// Dequeuer periodically pushes pending jobs onto idle agents.
type Dequeuer struct {
	repo       repository.Repository
	dispatcher DequeueDispatcher
	settings   func() model.Config
	logger     *logging.Logger
	metrics    *metrics.Metrics
	trigger    chan struct{}
}

func NewDequeuer(repo repository.Repository, dispatcher DequeueDispatcher, settings func() model.Config, logger *logging.Logger, m *metrics.Metrics) *Dequeuer {
	return &Dequeuer{
		repo:       repo,
		dispatcher: dispatcher,
		settings:   settings,
		logger:     logger.With("dequeuer"),
		metrics:    m,
		trigger:    make(chan struct{}, 1),
	}
}

// TriggerDequeue cuts the current wait short. It never blocks.
func (d *Dequeuer) TriggerDequeue() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run performs passes until ctx is cancelled, waiting the configured interval (or for a
// trigger) between them.
func (d *Dequeuer) Run(ctx context.Context) error {
	for {
		d.Pass(ctx)

		timer := time.NewTimer(d.settings().DequeuerInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-d.trigger:
			timer.Stop()
			d.logger.Debugf("dequeue_triggered")
		case <-timer.C:
		}
	}
}

// Pass offers every queued job, oldest first, to the pool once. It stops early after
// the configured number of jobs found no agent; conflicts are expected and not counted.
func (d *Dequeuer) Pass(ctx context.Context) PassResult {
	var res PassResult
	defer d.metrics.DequeuePass()

	d.logger.Debugf("dequeue_pass_started")
	queued, err := d.repo.ListQueued(ctx)
	if err != nil {
		d.logger.Errorf("dequeue_list_failed error=%v", err)
		return res
	}
	maxFailures := d.settings().Orchestrator.DequeuerMaxFailures

	for _, snap := range queued {
		if ctx.Err() != nil {
			return res
		}
		d.logger.Infof("queued_job_found instance=%s attempt=%d family=%s", snap.Coordinate.ID, snap.Coordinate.Attempt, snap.Family)

		accepted, err := d.dispatcher.Dequeue(ctx, snap.Coordinate, snap.Family)
		switch {
		case err != nil && ctx.Err() != nil:
			return res
		case err != nil && model.HasLabel(err, model.LabelConflictingExecution):
			res.Conflicts++
			d.metrics.DequeueAttempt("conflict")
			continue
		case err != nil:
			d.logger.Warnf("dequeue_agent_error instance=%s error=%v", snap.Coordinate.ID, err)
			res.Failures++
			d.metrics.DequeueAttempt("failed")
		case !accepted:
			res.Failures++
			d.metrics.DequeueAttempt("failed")
		default:
			res.Dispatched++
			d.metrics.DequeueAttempt("dispatched")
		}

		if maxFailures > 0 && res.Failures >= maxFailures {
			d.logger.Debugf("dequeue_pass_suspended failures=%d", res.Failures)
			res.Suspended = true
			break
		}
	}
	return res
}
