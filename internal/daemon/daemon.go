// Package daemon runs a conductor process in one of two roles: an agent that executes
// migrations and deletions, or an orchestrator that dispatches them to agents.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/conductor/internal/lock"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/metrics"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/uds"
)

type Role string

const (
	RoleAgent        Role = "agent"
	RoleOrchestrator Role = "orchestrator"
)

const lockFileName = "conductor.lock"

// SocketPath is where the daemon of dataDir listens for control commands.
func SocketPath(dataDir string) string {
	return filepath.Join(dataDir, uds.DefaultSocketName)
}

type Options struct {
	Role       Role
	DataDir    string
	ConfigPath string
	// LogOutput defaults to <DataDir>/logs/<role>.log.
	LogOutput io.Writer
}

// role is what differs between an agent and an orchestrator process.
type role interface {
	name() string
	routes() http.Handler
	start(ctx context.Context) error
	status(ctx context.Context) (any, error)
	abort(ctx context.Context, kind model.ExecutionKind, id *uuid.UUID) ([]uuid.UUID, error)
	// drain finishes in-flight work; stop releases what the role holds.
	drain(ctx context.Context) error
	stop(ctx context.Context) error
}

type Daemon struct {
	opts    Options
	config  *configWatcher
	logger  *logging.Logger
	logFile io.Closer
	metrics *metrics.Metrics

	fileLock *lock.FileLock
	control  *uds.Server
	listener net.Listener
	http     *http.Server
	role     role

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	done     chan struct{}
}

func New(opts Options) (*Daemon, error) {
	if opts.Role != RoleAgent && opts.Role != RoleOrchestrator {
		return nil, fmt.Errorf("unknown role %q", opts.Role)
	}
	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	cfg, err := LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	d := &Daemon{opts: opts, done: make(chan struct{})}
	out := opts.LogOutput
	if out == nil {
		logPath := filepath.Join(opts.DataDir, "logs", string(opts.Role)+".log")
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log: %w", err)
		}
		out, d.logFile = f, f
	}

	d.logger = logging.New(out, logging.ParseLevel(cfg.Logging.Level)).With("daemon")
	d.config = newConfigWatcher(opts.ConfigPath, cfg, d.logger)
	d.metrics = metrics.New()
	d.fileLock = lock.NewFileLock(filepath.Join(opts.DataDir, lockFileName))
	d.control = uds.NewServer(SocketPath(opts.DataDir), d.logger)
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Settings returns the current, possibly reloaded, config.
func (d *Daemon) Settings() model.Config {
	return d.config.Settings()
}

// Addr is the bound HTTP address; nil before Start.
func (d *Daemon) Addr() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// Done is closed once shutdown has completed.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

// Start brings the daemon up without blocking: data dir lock, config watch, HTTP listener,
// role wiring and the control socket, in that order.
func (d *Daemon) Start() (err error) {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("data dir %s: %w", d.opts.DataDir, err)
	}
	d.logger.Infof("daemon_starting role=%s pid=%d data_dir=%s", d.opts.Role, os.Getpid(), d.opts.DataDir)
	defer func() {
		if err != nil {
			d.abandon()
		}
	}()

	if err := d.config.watch(); err != nil {
		return err
	}

	cfg := d.Settings()
	listen := cfg.Agent.Listen
	if d.opts.Role == RoleOrchestrator {
		listen = cfg.Orchestrator.Listen
	}
	if d.listener, err = net.Listen("tcp", listen); err != nil {
		return fmt.Errorf("listen on %s: %w", listen, err)
	}

	r, err := d.newRole(cfg)
	if err != nil {
		return fmt.Errorf("wire %s: %w", d.opts.Role, err)
	}
	d.role = r
	if err := d.role.start(d.ctx); err != nil {
		return fmt.Errorf("start %s: %w", d.opts.Role, err)
	}

	d.registerControl()
	if err := d.control.Start(); err != nil {
		return err
	}

	d.http = &http.Server{Handler: d.role.routes(), ReadHeaderTimeout: 10 * time.Second}
	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		if err := d.http.Serve(d.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Errorf("http_serve_failed error=%v", err)
			go d.Shutdown()
		}
	}()
	go func() {
		defer d.wg.Done()
		d.config.loop(d.ctx.Done())
	}()

	d.logger.Infof("daemon_ready role=%s http=%s", d.opts.Role, d.listener.Addr())
	return nil
}

func (d *Daemon) newRole(cfg model.Config) (role, error) {
	if d.opts.Role == RoleOrchestrator {
		return newOrchestratorRole(d.ctx, d.opts.DataDir, cfg, d.Settings, d.logger, d.metrics)
	}
	return newAgentRole(d.ctx, d.opts.DataDir, d.listener.Addr(), cfg, d.Settings, d.logger, d.metrics)
}

// Run starts the daemon and blocks until it has shut down, either on SIGTERM/SIGINT or
// through the control socket. A second signal exits immediately.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Infof("signal_received signal=%s", sig)
		go func() {
			select {
			case <-sigCh:
				d.logger.Warnf("second_signal_received forcing_exit=true")
				os.Exit(1)
			case <-d.done:
			}
		}()
		d.Shutdown()
	case <-d.done:
	}
	return nil
}

// Shutdown drains the role within daemon.shutdown_timeout_sec and releases everything.
// It is idempotent; concurrent callers return once shutdown has completed.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Infof("shutdown_started")
		timeout := time.Duration(d.Settings().Daemon.ShutdownTimeoutSec) * time.Second
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		d.cancel()
		d.control.Stop()
		if d.role != nil {
			if err := d.role.drain(ctx); err != nil {
				d.logger.Warnf("shutdown_drain_incomplete error=%v", err)
			}
		}
		if d.http != nil {
			if err := d.http.Shutdown(ctx); err != nil {
				d.logger.Warnf("http_shutdown_failed error=%v", err)
				_ = d.http.Close()
			}
		}
		if d.role != nil {
			if err := d.role.stop(ctx); err != nil {
				d.logger.Warnf("role_stop_failed error=%v", err)
			}
		}
		d.config.close()
		d.wg.Wait()
		d.logger.Infof("daemon_stopped")
		d.release()
		close(d.done)
	})
	<-d.done
}

// abandon undoes a partial Start.
func (d *Daemon) abandon() {
	d.cancel()
	d.control.Stop()
	if d.role != nil {
		_ = d.role.stop(context.Background())
	}
	if d.listener != nil {
		_ = d.listener.Close()
	}
	d.config.close()
	d.wg.Wait()
	d.release()
}

func (d *Daemon) release() {
	if err := d.fileLock.Unlock(); err != nil {
		d.logger.Warnf("unlock_failed error=%v", err)
	}
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}
