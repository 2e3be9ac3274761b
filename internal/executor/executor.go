// Package executor runs the step protocol of one job on the agent that owns it:
// global steps, then site steps fanned out across sites, then teardowns in reverse.
package executor

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/conductor/internal/events"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
)

// Emitter is the event sink executors report to. It must not block.
type Emitter interface {
	Emit(recipients []string, meta map[string][]string, factory events.Factory)
}

// onCancel runs fn once ctx is cancelled. The returned stop prevents a pending call
// and waits for one already running.
func onCancel(ctx context.Context, fn func()) (stop func()) {
	done := make(chan struct{})
	unregister := context.AfterFunc(ctx, func() {
		defer close(done)
		fn()
	})
	return func() {
		if !unregister() {
			<-done
		}
	}
}

// call runs fn, turning a panic into an error.
func call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}

// fanOut calls fn for every item with at most limit calls in flight and waits for all of
// them. No new calls start once ctx is cancelled.
func fanOut[T any](ctx context.Context, limit int, items []T, fn func(ctx context.Context, item T)) {
	if limit <= 0 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			fn(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
}

// transition moves *status to to when the lifecycle allows it. Call with the job locked.
func transition(logger *logging.Logger, status *model.TimeBoundStatus, to model.TimeBoundStatus) bool {
	if err := model.ValidateStatusTransition(*status, to); err != nil {
		logger.Warnf("status_transition_rejected from=%s to=%s error=%v", *status, to, err)
		return false
	}
	*status = to
	return true
}
