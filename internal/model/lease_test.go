package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestLease_ActivateKeepsIdentity(t *testing.T) {
	idle := NewLease("http://a:8081", "a", "default", 5*time.Minute)
	idle.SiteIDs = []uuid.UUID{uuid.New()}

	active := idle.Activate(KindMigration, uuid.New())
	assert.Equal(t, idle.ID, active.ID)
	assert.True(t, active.IsActive())
	assert.False(t, idle.IsActive())

	active.SiteIDs[0] = uuid.Nil
	assert.NotEqual(t, uuid.Nil, idle.SiteIDs[0], "activate must not alias slices")
}

func TestLease_RenewedIsIdleWithNewIdentity(t *testing.T) {
	active := NewLease("http://a:8081", "a", "blue", time.Minute).Activate(KindDeletion, uuid.New())
	active.SiteIDs = []uuid.UUID{uuid.New()}

	idle := active.Renewed()
	assert.NotEqual(t, active.ID, idle.ID)
	assert.False(t, idle.IsActive())
	assert.Equal(t, "blue", idle.Family)
	assert.Equal(t, 60, idle.TTLSeconds)
	assert.Empty(t, idle.SiteIDs)
}

func TestLease_Expired(t *testing.T) {
	now := time.Now()
	l := NewLease("", "a", "f", time.Minute)
	assert.False(t, l.Expired(now), "never written")

	l.UpdatedAt = now.Add(-2 * time.Minute)
	assert.True(t, l.Expired(now))

	l.UpdatedAt = now.Add(-30 * time.Second)
	assert.False(t, l.Expired(now))
}

func TestLease_OverlapsSites(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	l := Lease{SiteIDs: []uuid.UUID{a}}
	assert.True(t, l.OverlapsSites([]uuid.UUID{b, a}))
	assert.False(t, l.OverlapsSites([]uuid.UUID{b}))
	assert.False(t, l.OverlapsSites(nil))
}
