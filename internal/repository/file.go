package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/conductor/internal/lock"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/yaml"
)

const progressSuffix = ".progress.json"

type jobDocument struct {
	yaml.SchemaHeader `yaml:",inline"`
	Job               model.JobSnapshot `yaml:"job"`
}

// FileRepository stores each job as a YAML document named after its coordinate, with
// progress in a JSON side file next to it.
type FileRepository struct {
	dir           string
	quarantineDir string
	locks         *lock.MutexMap
	reads         singleflight.Group
	logger        *logging.Logger
}

func NewFileRepository(dir string, logger *logging.Logger) (*FileRepository, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create repository dir: %w", err)
	}
	return &FileRepository{
		dir:           dir,
		quarantineDir: filepath.Join(dir, "quarantine"),
		locks:         lock.NewMutexMap(),
		logger:        logger.With("repository"),
	}, nil
}

func fileKey(coord model.Coordinate) string {
	return fmt.Sprintf("%s-%d", coord.ID, coord.Attempt)
}

func parseFileKey(key string) (model.Coordinate, bool) {
	i := strings.LastIndex(key, "-")
	if i <= 0 {
		return model.Coordinate{}, false
	}
	id, err := uuid.Parse(key[:i])
	if err != nil {
		return model.Coordinate{}, false
	}
	attempt, err := strconv.Atoi(key[i+1:])
	if err != nil {
		return model.Coordinate{}, false
	}
	return model.Coordinate{ID: id, Attempt: attempt}, true
}

func (r *FileRepository) jobPath(coord model.Coordinate) string {
	return filepath.Join(r.dir, fileKey(coord)+".yaml")
}

func (r *FileRepository) progressPath(coord model.Coordinate) string {
	return filepath.Join(r.dir, fileKey(coord)+progressSuffix)
}

func (r *FileRepository) write(snap model.JobSnapshot) error {
	snap.Progress = nil
	doc := jobDocument{SchemaHeader: yaml.NewHeader(yaml.FileTypeJob), Job: snap}
	if err := yaml.WriteDocument(r.jobPath(snap.Coordinate), yaml.FileTypeJob, doc); err != nil {
		return fmt.Errorf("write job %s: %w", snap.Coordinate, err)
	}
	return nil
}

func (r *FileRepository) Insert(_ context.Context, snap model.JobSnapshot) error {
	key := fileKey(snap.Coordinate)
	return r.locks.Do(key, func() error {
		if _, err := os.Stat(r.jobPath(snap.Coordinate)); err == nil {
			return ErrExists
		}
		return r.write(snap)
	})
}

func (r *FileRepository) Upsert(_ context.Context, snap model.JobSnapshot) error {
	return r.locks.Do(fileKey(snap.Coordinate), func() error {
		return r.write(snap)
	})
}

func (r *FileRepository) Delete(_ context.Context, coord model.Coordinate) error {
	return r.locks.Do(fileKey(coord), func() error {
		if err := yaml.Remove(r.jobPath(coord)); err != nil {
			return fmt.Errorf("delete job %s: %w", coord, err)
		}
		if err := yaml.Remove(r.progressPath(coord)); err != nil {
			return fmt.Errorf("delete progress %s: %w", coord, err)
		}
		return nil
	})
}

// read loads one job. Concurrent reads of the same coordinate share one file read.
func (r *FileRepository) read(coord model.Coordinate) (model.JobSnapshot, error) {
	key := fileKey(coord)
	v, err, _ := r.reads.Do(key, func() (any, error) {
		r.locks.Lock(key)
		defer r.locks.Unlock(key)

		var doc jobDocument
		err := yaml.ReadDocument(r.jobPath(coord), yaml.FileTypeJob, r.quarantineDir, &doc)
		switch {
		case err == nil:
			return doc.Job, nil
		case errors.Is(err, os.ErrNotExist):
			return nil, ErrNotFound
		case errors.Is(err, yaml.ErrCorrupt):
			r.logger.Warnf("job_quarantined coordinate=%s error=%v", coord, err)
			return nil, ErrNotFound
		default:
			return nil, fmt.Errorf("read job %s: %w", coord, err)
		}
	})
	if err != nil {
		return model.JobSnapshot{}, err
	}
	return v.(model.JobSnapshot).Clone(), nil
}

func (r *FileRepository) GetSnapshot(ctx context.Context, coord model.Coordinate, withProgress bool) (model.JobSnapshot, error) {
	snap, err := r.read(coord)
	if err != nil {
		return model.JobSnapshot{}, err
	}
	if withProgress {
		doc, err := r.ReadProgress(ctx, coord)
		if err != nil {
			return model.JobSnapshot{}, err
		}
		snap.Progress = &doc
	}
	return snap, nil
}

func (r *FileRepository) all(ctx context.Context, withProgress bool) ([]model.JobSnapshot, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	var out []model.JobSnapshot
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".yaml" {
			continue
		}
		coord, ok := parseFileKey(strings.TrimSuffix(name, ".yaml"))
		if !ok {
			continue
		}
		snap, err := r.GetSnapshot(ctx, coord, withProgress)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (r *FileRepository) GetSnapshotsPage(ctx context.Context, page, size int, withProgress bool) (Page, error) {
	all, err := r.all(ctx, withProgress)
	if err != nil {
		return Page{}, err
	}
	return paginate(newestFirst(all), page, size), nil
}

func (r *FileRepository) GetQueuedSnapshotsPage(ctx context.Context, page, size int) (Page, error) {
	all, err := r.all(ctx, false)
	if err != nil {
		return Page{}, err
	}
	return paginate(queued(all), page, size), nil
}

func (r *FileRepository) ListQueued(ctx context.Context) ([]model.JobSnapshot, error) {
	all, err := r.all(ctx, false)
	if err != nil {
		return nil, err
	}
	return queued(all), nil
}

func (r *FileRepository) WriteProgress(_ context.Context, coord model.Coordinate, doc model.ProgressDocument) error {
	content, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode progress %s: %w", coord, err)
	}
	return r.locks.Do(fileKey(coord)+progressSuffix, func() error {
		// JSON is valid YAML, so the atomic writer's validation applies unchanged.
		if err := yaml.AtomicWriteRaw(r.progressPath(coord), content); err != nil {
			return fmt.Errorf("write progress %s: %w", coord, err)
		}
		return nil
	})
}

func (r *FileRepository) ReadProgress(_ context.Context, coord model.Coordinate) (model.ProgressDocument, error) {
	content, err := os.ReadFile(r.progressPath(coord))
	if errors.Is(err, os.ErrNotExist) {
		return model.ProgressDocument{}, nil
	}
	if err != nil {
		return model.ProgressDocument{}, fmt.Errorf("read progress %s: %w", coord, err)
	}
	var doc model.ProgressDocument
	if err := json.Unmarshal(content, &doc); err != nil {
		return model.ProgressDocument{}, fmt.Errorf("decode progress %s: %w", coord, err)
	}
	return doc, nil
}
