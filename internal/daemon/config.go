package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/orchestrator"
)

// LoadConfig reads a YAML config file and applies defaults. An empty path yields the defaults.
func LoadConfig(path string) (model.Config, error) {
	var cfg model.Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return model.Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return model.Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg = cfg.WithDefaults()
	if err := validateConfig(cfg); err != nil {
		return model.Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func validateConfig(cfg model.Config) error {
	var errs []error
	switch cfg.Lease.Store {
	case storeMemory, storeFile:
	case storePostgres:
		if cfg.Lease.PostgresDSN == "" {
			errs = append(errs, errors.New("lease.postgres_dsn is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("lease.store %q: want memory, file or postgres", cfg.Lease.Store))
	}
	switch cfg.Repository.Store {
	case storeMemory, storeFile:
	default:
		errs = append(errs, fmt.Errorf("repository.store %q: want memory or file", cfg.Repository.Store))
	}
	if _, err := orchestrator.ParseQueuingPolicy(cfg.Orchestrator.QueuingPolicy); err != nil {
		errs = append(errs, err)
	}
	if cfg.Events.MaxPerSecond < 0 {
		errs = append(errs, errors.New("events.max_per_second must not be negative"))
	}
	return errors.Join(errs...)
}

// configWatcher keeps the current config and swaps it when the file changes on disk.
// Listen addresses and stores are read once at startup; everything read through
// Settings picks up a reload on its next use.
type configWatcher struct {
	path    string
	current atomic.Pointer[model.Config]
	watcher *fsnotify.Watcher
	logger  *logging.Logger
}

func newConfigWatcher(path string, cfg model.Config, logger *logging.Logger) *configWatcher {
	w := &configWatcher{path: path, logger: logger.With("config")}
	w.current.Store(&cfg)
	return w
}

func (w *configWatcher) Settings() model.Config {
	return *w.current.Load()
}

// watch subscribes to the config file's directory; editors replace files by rename,
// which a watch on the file itself would miss.
func (w *configWatcher) watch() error {
	if w.path == "" {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = fw
	return nil
}

// loop applies reloads until done is closed or the watcher is closed.
func (w *configWatcher) loop(done <-chan struct{}) {
	if w.watcher == nil {
		return
	}
	target := filepath.Clean(w.path)
	for {
		select {
		case <-done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnf("config_watch_error error=%v", err)
		}
	}
}

// reload keeps the previous config when the new file does not load.
func (w *configWatcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.logger.Warnf("config_reload_failed path=%s error=%v", w.path, err)
		return
	}
	w.current.Store(&cfg)
	w.logger.Infof("config_reloaded path=%s dequeuer_interval=%s agent_timeout=%s", w.path, cfg.DequeuerInterval(), cfg.AgentTimeout())
}

func (w *configWatcher) close() {
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
}
