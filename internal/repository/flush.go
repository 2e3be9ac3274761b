package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
)

// FlushProgress writes the job's current progress document.
func FlushProgress(ctx context.Context, repo Repository, job *model.JobContext) error {
	doc, err := job.ProgressDocument()
	if err != nil {
		return fmt.Errorf("collect progress: %w", err)
	}
	return repo.WriteProgress(ctx, job.Coordinate, doc)
}

// StartTimedFlush writes the job's progress every interval until ctx ends or stop is
// called. stop waits for an in-flight write. A non-positive interval disables the timer.
func StartTimedFlush(ctx context.Context, repo Repository, job *model.JobContext, interval time.Duration, logger *logging.Logger) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := FlushProgress(ctx, repo, job); err != nil {
					logger.Warnf("progress_flush_failed coordinate=%s error=%v", job.Coordinate, err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}
