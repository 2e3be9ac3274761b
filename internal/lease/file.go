package lease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/msageha/conductor/internal/lock"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/yaml"
)

type leaseDocument struct {
	yaml.SchemaHeader `yaml:",inline"`
	Lease             model.Lease `yaml:"lease"`
}

// FileStore keeps one YAML document per lease in a directory. Agents on one host, or
// hosts sharing the directory over a filesystem with atomic rename, see each other's rows.
type FileStore struct {
	dir           string
	quarantineDir string
	locks         *lock.MutexMap
	logger        *logging.Logger
	now           func() time.Time
}

func NewFileStore(dir string, logger *logging.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create lease dir: %w", err)
	}
	return &FileStore{
		dir:           dir,
		quarantineDir: filepath.Join(dir, "quarantine"),
		locks:         lock.NewMutexMap(),
		logger:        logger.With("lease_store"),
		now:           time.Now,
	}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".yaml")
}

func (s *FileStore) Upsert(_ context.Context, l model.Lease) error {
	if l.ID == "" || strings.ContainsAny(l.ID, `/\`) {
		return fmt.Errorf("upsert lease: invalid id %q", l.ID)
	}
	row := l.Clone()
	row.UpdatedAt = s.now().UTC()
	return s.locks.Do(l.ID, func() error {
		doc := leaseDocument{SchemaHeader: yaml.NewHeader(yaml.FileTypeLease), Lease: row}
		if err := yaml.WriteDocument(s.path(l.ID), yaml.FileTypeLease, doc); err != nil {
			return fmt.Errorf("upsert lease %s: %w", l.ID, err)
		}
		return nil
	})
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	return s.locks.Do(id, func() error {
		if err := yaml.Remove(s.path(id)); err != nil {
			return fmt.Errorf("delete lease %s: %w", id, err)
		}
		return nil
	})
}

func (s *FileStore) List(ctx context.Context, f Filter) ([]model.Lease, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	now := s.now()
	var out []model.Lease
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".yaml" {
			continue
		}
		id := strings.TrimSuffix(name, ".yaml")
		l, ok, err := s.read(id)
		if err != nil {
			return nil, err
		}
		if !ok || l.Expired(now) || !f.Match(l) {
			continue
		}
		out = append(out, l)
	}
	sortLeases(out)
	return out, nil
}

func (s *FileStore) read(id string) (model.Lease, bool, error) {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	var doc leaseDocument
	err := yaml.ReadDocument(s.path(id), yaml.FileTypeLease, s.quarantineDir, &doc)
	switch {
	case err == nil:
		return doc.Lease, true, nil
	case errors.Is(err, os.ErrNotExist):
		// deleted between ReadDir and read
		return model.Lease{}, false, nil
	case errors.Is(err, yaml.ErrCorrupt):
		s.logger.Warnf("lease_quarantined id=%s error=%v", id, err)
		return model.Lease{}, false, nil
	default:
		return model.Lease{}, false, fmt.Errorf("read lease %s: %w", id, err)
	}
}
