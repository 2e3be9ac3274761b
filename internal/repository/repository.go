// Package repository persists job snapshots and their progress side channel.
package repository

import (
	"bytes"
	"context"
	"errors"
	"slices"

	"github.com/msageha/conductor/internal/model"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrExists   = errors.New("job already exists")
)

// Repository stores one snapshot per coordinate plus a separately readable progress document.
type Repository interface {
	// Insert fails with ErrExists when the coordinate is taken.
	Insert(ctx context.Context, snap model.JobSnapshot) error
	Upsert(ctx context.Context, snap model.JobSnapshot) error
	// Delete removes the snapshot and its progress. Missing coordinates are not an error.
	Delete(ctx context.Context, coord model.Coordinate) error
	GetSnapshot(ctx context.Context, coord model.Coordinate, withProgress bool) (model.JobSnapshot, error)
	// GetSnapshotsPage lists jobs newest first. Pages start at 1.
	GetSnapshotsPage(ctx context.Context, page, size int, withProgress bool) (Page, error)
	// GetQueuedSnapshotsPage lists pending jobs oldest first.
	GetQueuedSnapshotsPage(ctx context.Context, page, size int) (Page, error)
	// ListQueued returns every pending job ordered by queue time.
	ListQueued(ctx context.Context) ([]model.JobSnapshot, error)
	WriteProgress(ctx context.Context, coord model.Coordinate, doc model.ProgressDocument) error
	// ReadProgress returns an empty document when none was written.
	ReadProgress(ctx context.Context, coord model.Coordinate) (model.ProgressDocument, error)
}

type Page struct {
	Items    []model.JobSnapshot `json:"items"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"pageSize"`
	Total    int                 `json:"total"`
}

func isQueued(s model.JobSnapshot) bool {
	return s.Status == model.StatusPending && s.QueuedAt != nil
}

func compareSnapshots(a, b model.JobSnapshot) int {
	if c := a.SortKey().Compare(b.SortKey()); c != 0 {
		return c
	}
	if c := bytes.Compare(a.Coordinate.ID[:], b.Coordinate.ID[:]); c != 0 {
		return c
	}
	return a.Coordinate.Attempt - b.Coordinate.Attempt
}

func queued(all []model.JobSnapshot) []model.JobSnapshot {
	var out []model.JobSnapshot
	for _, s := range all {
		if isQueued(s) {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, compareSnapshots)
	return out
}

func newestFirst(all []model.JobSnapshot) []model.JobSnapshot {
	slices.SortFunc(all, func(a, b model.JobSnapshot) int { return compareSnapshots(b, a) })
	return all
}

func paginate(sorted []model.JobSnapshot, page, size int) Page {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 1
	}
	p := Page{Page: page, PageSize: size, Total: len(sorted), Items: []model.JobSnapshot{}}
	start := (page - 1) * size
	if start >= len(sorted) {
		return p
	}
	end := min(start+size, len(sorted))
	p.Items = sorted[start:end]
	return p
}
