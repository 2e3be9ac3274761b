// Package model defines conductor's configuration, leases, job contexts and error taxonomy.
package model

import "time"

type Config struct {
	Agent        AgentConfig        `yaml:"agent"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Lease        LeaseConfig        `yaml:"lease"`
	Repository   RepositoryConfig   `yaml:"repository"`
	Parallelism  ParallelismConfig  `yaml:"parallelism"`
	Progress     ProgressConfig     `yaml:"progress"`
	Events       EventsConfig       `yaml:"events"`
	Paging       PagingConfig       `yaml:"paging"`
	Daemon       DaemonConfig       `yaml:"daemon"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type AgentConfig struct {
	Listen      string `yaml:"listen"`
	BaseAddress string `yaml:"base_address"`
	MachineName string `yaml:"machine_name"`
	Family      string `yaml:"family"`
	Workspace   string `yaml:"workspace"`
}

type OrchestratorConfig struct {
	Listen              string `yaml:"listen"`
	DefaultFamily       string `yaml:"default_family"`
	AgentTimeoutSec     int    `yaml:"agent_timeout_sec"`
	DequeuerIntervalSec int    `yaml:"dequeuer_interval_sec"`
	DequeuerMaxFailures int    `yaml:"dequeuer_max_failures"`
	QueuingPolicy       string `yaml:"queuing_policy"`
}

type LeaseConfig struct {
	TTLMinutes  int    `yaml:"ttl_minutes"`
	Store       string `yaml:"store"` // memory | file | postgres
	Dir         string `yaml:"dir"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type RepositoryConfig struct {
	Store string `yaml:"store"` // memory | file
	Dir   string `yaml:"dir"`
}

type ParallelismConfig struct {
	Default   int `yaml:"default"`
	Migration int `yaml:"migration"`
	Deletion  int `yaml:"deletion"`
}

type ProgressConfig struct {
	FlushIntervalSec int `yaml:"flush_interval_sec"`
}

type EventsConfig struct {
	BufferSize    int     `yaml:"buffer_size"`
	MaxPerSecond  float64 `yaml:"max_per_second"`
	AuditLog      string  `yaml:"audit_log"`
	AuditMaxBytes int64   `yaml:"audit_max_bytes"`
}

type PagingConfig struct {
	DefaultPageSize int `yaml:"default_page_size"`
	MaxPageSize     int `yaml:"max_page_size"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

const DefaultFamily = "default"

// WithDefaults fills every unset tunable.
func (c Config) WithDefaults() Config {
	if c.Agent.Listen == "" {
		c.Agent.Listen = ":8081"
	}
	if c.Agent.Family == "" {
		c.Agent.Family = DefaultFamily
	}
	if c.Orchestrator.Listen == "" {
		c.Orchestrator.Listen = ":8080"
	}
	if c.Orchestrator.DefaultFamily == "" {
		c.Orchestrator.DefaultFamily = DefaultFamily
	}
	if c.Orchestrator.AgentTimeoutSec <= 0 {
		c.Orchestrator.AgentTimeoutSec = 30
	}
	if c.Orchestrator.DequeuerIntervalSec <= 0 {
		c.Orchestrator.DequeuerIntervalSec = 60
	}
	if c.Orchestrator.DequeuerMaxFailures <= 0 {
		c.Orchestrator.DequeuerMaxFailures = 3
	}
	if c.Orchestrator.QueuingPolicy == "" {
		c.Orchestrator.QueuingPolicy = "never"
	}
	if c.Lease.TTLMinutes <= 0 {
		c.Lease.TTLMinutes = 5
	}
	if c.Lease.Store == "" {
		c.Lease.Store = "file"
	}
	if c.Repository.Store == "" {
		c.Repository.Store = "file"
	}
	if c.Parallelism.Default <= 0 {
		c.Parallelism.Default = 4
	}
	if c.Progress.FlushIntervalSec <= 0 {
		c.Progress.FlushIntervalSec = 10
	}
	if c.Events.BufferSize <= 0 {
		c.Events.BufferSize = 100
	}
	if c.Paging.DefaultPageSize <= 0 {
		c.Paging.DefaultPageSize = 20
	}
	if c.Paging.MaxPageSize <= 0 {
		c.Paging.MaxPageSize = 100
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return c
}

func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.Lease.TTLMinutes) * time.Minute
}

func (c Config) AgentTimeout() time.Duration {
	return time.Duration(c.Orchestrator.AgentTimeoutSec) * time.Second
}

func (c Config) DequeuerInterval() time.Duration {
	return time.Duration(c.Orchestrator.DequeuerIntervalSec) * time.Second
}

func (c Config) ProgressFlushInterval() time.Duration {
	return time.Duration(c.Progress.FlushIntervalSec) * time.Second
}

// ParallelismFor returns the configured degree of parallelism for kind.
func (c Config) ParallelismFor(kind ExecutionKind) int {
	switch {
	case kind == KindMigration && c.Parallelism.Migration > 0:
		return c.Parallelism.Migration
	case kind == KindDeletion && c.Parallelism.Deletion > 0:
		return c.Parallelism.Deletion
	case c.Parallelism.Default > 0:
		return c.Parallelism.Default
	default:
		return 1
	}
}

// PageSize clamps a requested page size to the configured bounds.
func (c Config) PageSize(requested int) int {
	if requested <= 0 {
		return c.Paging.DefaultPageSize
	}
	if c.Paging.MaxPageSize > 0 && requested > c.Paging.MaxPageSize {
		return c.Paging.MaxPageSize
	}
	return requested
}
