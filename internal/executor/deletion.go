package executor

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/msageha/conductor/internal/events"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/metrics"
	"github.com/msageha/conductor/internal/model"
)

// Deleter removes everything a site holds. It reports false for a site it could not
// fully clean without that being an error.
type Deleter interface {
	DeleteSite(ctx context.Context, siteID uuid.UUID) (bool, error)
}

// Deletion is one deletion request bound to its instance id.
type Deletion struct {
	InstanceID uuid.UUID
	SiteIDs    []uuid.UUID
	Settings   model.DequeuingInfo
}

// DeletionResult maps every processed site to whether it was deleted. Sites not reached
// before cancellation are absent.
type DeletionResult struct {
	Status    model.TimeBoundStatus
	Succeeded map[uuid.UUID]bool
}

type DeletionExecutor struct {
	deleter  Deleter
	emitter  Emitter
	settings func() model.Config
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

func NewDeletionExecutor(deleter Deleter, emitter Emitter, settings func() model.Config, logger *logging.Logger, m *metrics.Metrics) *DeletionExecutor {
	return &DeletionExecutor{
		deleter:  deleter,
		emitter:  emitter,
		settings: settings,
		logger:   logger.With("deletion"),
		metrics:  m,
	}
}

// Execute deletes every site of d in parallel. A failing site is logged and reported as
// not succeeded; it does not stop the others.
func (e *DeletionExecutor) Execute(ctx context.Context, d Deletion) DeletionResult {
	parallelism := d.Settings.ParallelismFor(model.KindDeletion, e.settings().ParallelismFor(model.KindDeletion))
	e.logger.Infof("deletion_started instance=%s sites=%d parallelism=%d", d.InstanceID, len(d.SiteIDs), parallelism)

	var mu sync.Mutex
	result := DeletionResult{Succeeded: make(map[uuid.UUID]bool, len(d.SiteIDs))}
	fanOut(ctx, parallelism, d.SiteIDs, func(ctx context.Context, siteID uuid.UUID) {
		e.emit(d, events.EventDeletionStarted, map[string]any{"site_id": siteID.String(), "queued": false})
		e.logger.Debugf("processing_site instance=%s site=%s", d.InstanceID, siteID)

		var succeeded bool
		err := call(func() (err error) {
			succeeded, err = e.deleter.DeleteSite(ctx, siteID)
			return err
		})
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, context.Canceled) {
				e.logger.Infof("site_aborted instance=%s site=%s", d.InstanceID, siteID)
				return
			}
			succeeded = false
			e.logger.Errorf("site_failed instance=%s site=%s error=%v", d.InstanceID, siteID, err)
		} else if succeeded {
			e.logger.Debugf("site_processed instance=%s site=%s", d.InstanceID, siteID)
		}

		mu.Lock()
		result.Succeeded[siteID] = succeeded
		mu.Unlock()
		e.emit(d, events.EventDeletionFinished, map[string]any{"site_id": siteID.String(), "succeeded": succeeded})
	})

	result.Status = model.StatusCompleted
	for _, ok := range result.Succeeded {
		if !ok {
			result.Status = model.StatusFailed
		}
	}
	if ctx.Err() != nil && result.Status == model.StatusCompleted && len(result.Succeeded) < len(d.SiteIDs) {
		result.Status = model.StatusAborted
	}
	e.metrics.ExecutionFinished(string(model.KindDeletion), string(result.Status))
	e.logger.Infof("deletion_finished instance=%s status=%s", d.InstanceID, result.Status)
	return result
}

func (e *DeletionExecutor) emit(d Deletion, t events.EventType, data map[string]any) {
	e.emitter.Emit(d.Settings.EventRecipients, d.Settings.EventMeta, func() (events.EventType, map[string]any) {
		data["instance_id"] = d.InstanceID.String()
		return t, data
	})
}
