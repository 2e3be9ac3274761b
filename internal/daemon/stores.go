package daemon

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/msageha/conductor/internal/lease"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/repository"
)

const (
	storeMemory   = "memory"
	storeFile     = "file"
	storePostgres = "postgres"
)

// dataPath resolves p against the data directory; empty p selects fallback.
func dataPath(dataDir, p, fallback string) string {
	if p == "" {
		p = fallback
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dataDir, p)
}

// openLeaseStore returns the configured store and a closer for it, which may be nil.
func openLeaseStore(ctx context.Context, dataDir string, cfg model.LeaseConfig, logger *logging.Logger) (lease.Store, io.Closer, error) {
	switch cfg.Store {
	case storeMemory:
		return lease.NewMemoryStore(), nil, nil
	case storeFile:
		s, err := lease.NewFileStore(dataPath(dataDir, cfg.Dir, "leases"), logger)
		return s, nil, err
	case storePostgres:
		s, err := lease.OpenPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown lease store %q", cfg.Store)
	}
}

func openRepository(dataDir string, cfg model.RepositoryConfig, logger *logging.Logger) (repository.Repository, error) {
	switch cfg.Store {
	case storeMemory:
		return repository.NewMemoryRepository(), nil
	case storeFile:
		return repository.NewFileRepository(dataPath(dataDir, cfg.Dir, "jobs"), logger)
	default:
		return nil, fmt.Errorf("unknown repository store %q", cfg.Store)
	}
}
