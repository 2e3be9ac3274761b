package repository

import (
	"context"
	"sync"

	"github.com/msageha/conductor/internal/model"
)

// MemoryRepository keeps jobs in process memory.
type MemoryRepository struct {
	mu       sync.RWMutex
	jobs     map[model.Coordinate]model.JobSnapshot
	progress map[model.Coordinate]model.ProgressDocument
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs:     make(map[model.Coordinate]model.JobSnapshot),
		progress: make(map[model.Coordinate]model.ProgressDocument),
	}
}

func (r *MemoryRepository) Insert(_ context.Context, snap model.JobSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[snap.Coordinate]; ok {
		return ErrExists
	}
	r.jobs[snap.Coordinate] = stripProgress(snap)
	return nil
}

func (r *MemoryRepository) Upsert(_ context.Context, snap model.JobSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[snap.Coordinate] = stripProgress(snap)
	return nil
}

func stripProgress(snap model.JobSnapshot) model.JobSnapshot {
	c := snap.Clone()
	c.Progress = nil
	return c
}

func (r *MemoryRepository) Delete(_ context.Context, coord model.Coordinate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, coord)
	delete(r.progress, coord)
	return nil
}

func (r *MemoryRepository) GetSnapshot(_ context.Context, coord model.Coordinate, withProgress bool) (model.JobSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.jobs[coord]
	if !ok {
		return model.JobSnapshot{}, ErrNotFound
	}
	return r.withProgress(snap, withProgress), nil
}

// withProgress must be called with r.mu held.
func (r *MemoryRepository) withProgress(snap model.JobSnapshot, include bool) model.JobSnapshot {
	c := snap.Clone()
	if include {
		doc := r.progress[snap.Coordinate].Clone()
		c.Progress = &doc
	}
	return c
}

func (r *MemoryRepository) all(include bool) []model.JobSnapshot {
	out := make([]model.JobSnapshot, 0, len(r.jobs))
	for _, snap := range r.jobs {
		out = append(out, r.withProgress(snap, include))
	}
	return out
}

func (r *MemoryRepository) GetSnapshotsPage(_ context.Context, page, size int, withProgress bool) (Page, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return paginate(newestFirst(r.all(withProgress)), page, size), nil
}

func (r *MemoryRepository) GetQueuedSnapshotsPage(_ context.Context, page, size int) (Page, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return paginate(queued(r.all(false)), page, size), nil
}

func (r *MemoryRepository) ListQueued(context.Context) ([]model.JobSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return queued(r.all(false)), nil
}

func (r *MemoryRepository) WriteProgress(_ context.Context, coord model.Coordinate, doc model.ProgressDocument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress[coord] = doc.Clone()
	return nil
}

func (r *MemoryRepository) ReadProgress(_ context.Context, coord model.Coordinate) (model.ProgressDocument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.progress[coord].Clone(), nil
}
