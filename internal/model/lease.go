package model

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
)

type ExecutionKind string

const (
	KindMigration ExecutionKind = "migration"
	KindDeletion  ExecutionKind = "deletion"
)

// Lease is an agent's row in the shared lease store. An empty Kind means the agent is idle;
// any other value makes it an active lease owned by the running execution InstanceID.
type Lease struct {
	ID          string        `json:"id" yaml:"id"`
	BaseAddress string        `json:"baseAddress" yaml:"base_address"`
	MachineName string        `json:"machineName" yaml:"machine_name"`
	Family      string        `json:"family" yaml:"family"`
	TTLSeconds  int           `json:"ttlSeconds" yaml:"ttl_seconds"`
	Kind        ExecutionKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	InstanceID  uuid.UUID     `json:"instanceId" yaml:"instance_id"`
	JobID       *uuid.UUID    `json:"analysisId,omitempty" yaml:"job_id,omitempty"`
	Attempt     int           `json:"attempt,omitempty" yaml:"attempt,omitempty"`
	SiteIDs     []uuid.UUID   `json:"siteIds,omitempty" yaml:"site_ids,omitempty"`
	GlobalSteps []string      `json:"globalSteps,omitempty" yaml:"global_steps,omitempty"`
	SiteSteps   []string      `json:"siteSteps,omitempty" yaml:"site_steps,omitempty"`
	UpdatedAt   time.Time     `json:"updatedAt" yaml:"updated_at"`
}

// ConflictFunc decides whether another agent's active lease blocks the caller's execution.
type ConflictFunc func(ctx context.Context, other Lease) (bool, error)

// NewLease builds an idle lease with a fresh identity.
func NewLease(baseAddress, machineName, family string, ttl time.Duration) Lease {
	return Lease{
		ID:          uuid.NewString(),
		BaseAddress: baseAddress,
		MachineName: machineName,
		Family:      family,
		TTLSeconds:  int(ttl / time.Second),
	}
}

func (l Lease) IsActive() bool {
	return l.Kind != ""
}

func (l Lease) TTL() time.Duration {
	return time.Duration(l.TTLSeconds) * time.Second
}

// Expired reports whether the row has not been refreshed within its TTL.
func (l Lease) Expired(now time.Time) bool {
	if l.TTLSeconds <= 0 || l.UpdatedAt.IsZero() {
		return false
	}
	return now.After(l.UpdatedAt.Add(l.TTL()))
}

// Activate returns an active copy of l with the same identity.
func (l Lease) Activate(kind ExecutionKind, instanceID uuid.UUID) Lease {
	active := l.Clone()
	active.Kind = kind
	active.InstanceID = instanceID
	return active
}

// Renewed returns an idle copy of l under a new identity.
func (l Lease) Renewed() Lease {
	return Lease{
		ID:          uuid.NewString(),
		BaseAddress: l.BaseAddress,
		MachineName: l.MachineName,
		Family:      l.Family,
		TTLSeconds:  l.TTLSeconds,
	}
}

func (l Lease) Clone() Lease {
	c := l
	if l.JobID != nil {
		id := *l.JobID
		c.JobID = &id
	}
	c.SiteIDs = slices.Clone(l.SiteIDs)
	c.GlobalSteps = slices.Clone(l.GlobalSteps)
	c.SiteSteps = slices.Clone(l.SiteSteps)
	return c
}

// OverlapsSites reports whether the lease has claimed any of siteIDs.
func (l Lease) OverlapsSites(siteIDs []uuid.UUID) bool {
	for _, id := range siteIDs {
		if slices.Contains(l.SiteIDs, id) {
			return true
		}
	}
	return false
}
