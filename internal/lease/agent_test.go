package lease

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
)

func newTestAgentService(t *testing.T, store Store) *AgentService {
	t.Helper()
	s := NewAgentService(store, Identity{
		BaseAddress: "http://agent-1:8081",
		MachineName: "agent-1",
		Family:      "default",
		TTL:         5 * time.Minute,
	}, logging.Discard(), nil)
	require.NoError(t, s.Create(context.Background()))
	t.Cleanup(func() { _ = s.Delete(context.Background()) })
	return s
}

func normalize(l model.Lease) model.Lease {
	l.UpdatedAt = time.Time{}
	return l
}

func siteConflict(sites ...uuid.UUID) model.ConflictFunc {
	return func(_ context.Context, other model.Lease) (bool, error) {
		return other.OverlapsSites(sites), nil
	}
}

func TestAgentService_CreatePublishesIdleLease(t *testing.T) {
	store := NewMemoryStore()
	s := newTestAgentService(t, store)

	cur := s.Current()
	assert.False(t, cur.IsActive())
	assert.Equal(t, 300, cur.TTLSeconds)
	stored, ok := store.Get(cur.ID)
	require.True(t, ok)
	assert.Equal(t, normalize(cur), normalize(stored))

	assert.Error(t, s.Create(context.Background()), "second create is rejected")
}

func TestAgentService_AcquireAndRelease(t *testing.T) {
	store := NewMemoryStore()
	s := newTestAgentService(t, store)
	ctx := context.Background()
	idleLease := s.Current()
	instance := uuid.New()
	site := uuid.New()

	got, err := s.Acquire(ctx, model.KindMigration, instance, func(l *model.Lease) {
		l.SiteIDs = []uuid.UUID{site}
		l.Attempt = 1
	}, siteConflict(site))
	require.NoError(t, err)
	assert.Equal(t, idleLease.ID, got.ID, "activation keeps the identity")
	assert.Equal(t, model.KindMigration, got.Kind)
	assert.Equal(t, instance, got.InstanceID)

	stored, ok := store.Get(idleLease.ID)
	require.True(t, ok)
	assert.True(t, stored.IsActive())
	assert.Equal(t, []uuid.UUID{site}, stored.SiteIDs)

	_, err = s.Acquire(ctx, model.KindDeletion, uuid.New(), nil, nil)
	assert.True(t, model.HasLabel(err, model.LabelAlreadyExecuting))

	require.NoError(t, s.Release(ctx))
	renewed := s.Current()
	assert.NotEqual(t, idleLease.ID, renewed.ID, "release issues a new identity")
	assert.False(t, renewed.IsActive())
	_, ok = store.Get(idleLease.ID)
	assert.False(t, ok, "old row deleted")
	_, ok = store.Get(renewed.ID)
	assert.True(t, ok)

	require.NoError(t, s.Release(ctx), "release of an idle lease is a no-op")
	assert.Equal(t, renewed.ID, s.Current().ID)
}

func TestAgentService_RevertOnConflict(t *testing.T) {
	store := NewMemoryStore()
	s := newTestAgentService(t, store)
	ctx := context.Background()
	site := uuid.New()

	other := active("agent-2", model.KindDeletion, site)
	require.NoError(t, store.Upsert(ctx, other))
	before, ok := store.Get(s.Current().ID)
	require.True(t, ok)

	_, err := s.Acquire(ctx, model.KindMigration, uuid.New(), func(l *model.Lease) {
		l.SiteIDs = []uuid.UUID{site}
	}, siteConflict(site))
	require.Error(t, err)
	ee, ok := model.AsExecError(err)
	require.True(t, ok)
	assert.Equal(t, model.LabelConflictingExecution, ee.Label)
	kind, id, ok := ee.ExecutionRef()
	require.True(t, ok)
	assert.Equal(t, model.KindDeletion, kind)
	assert.Equal(t, other.InstanceID, id)

	after, ok := store.Get(before.ID)
	require.True(t, ok)
	assert.Equal(t, normalize(before), normalize(after), "row restored to the idle lease")
	assert.False(t, s.Current().IsActive())
}

func TestAgentService_RevertOnCancelledContext(t *testing.T) {
	store := NewMemoryStore()
	s := newTestAgentService(t, store)
	require.NoError(t, store.Upsert(context.Background(), active("agent-2", model.KindMigration)))
	before := s.Current()

	ctx, cancel := context.WithCancel(context.Background())
	_, err := s.Acquire(ctx, model.KindMigration, uuid.New(), nil, func(context.Context, model.Lease) (bool, error) {
		cancel()
		return false, context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)

	stored, ok := store.Get(before.ID)
	require.True(t, ok)
	assert.Equal(t, normalize(before), normalize(stored), "revert is written with a cancelled context")
}

type failingListStore struct {
	*MemoryStore
}

func (f failingListStore) List(context.Context, Filter) ([]model.Lease, error) {
	return nil, errors.New("scan failed")
}

func TestAgentService_RevertOnScanError(t *testing.T) {
	mem := NewMemoryStore()
	s := newTestAgentService(t, failingListStore{mem})

	_, err := s.Acquire(context.Background(), model.KindDeletion, uuid.New(), nil, nil)
	assert.ErrorContains(t, err, "scan failed")
	stored, ok := mem.Get(s.Current().ID)
	require.True(t, ok)
	assert.False(t, stored.IsActive())
}

type countingStore struct {
	*MemoryStore
	upserts atomic.Int32
}

func (c *countingStore) Upsert(ctx context.Context, l model.Lease) error {
	c.upserts.Add(1)
	return c.MemoryStore.Upsert(ctx, l)
}

func TestAgentService_Keepalive(t *testing.T) {
	assert.Equal(t, 4*time.Minute+30*time.Second, keepaliveInterval(5*time.Minute))
	assert.Equal(t, time.Second, keepaliveInterval(10*time.Second))

	store := &countingStore{MemoryStore: NewMemoryStore()}
	s := NewAgentService(store, Identity{MachineName: "a", TTL: time.Second}, logging.Discard(), nil)
	require.NoError(t, s.Create(context.Background()))
	assert.Equal(t, model.DefaultFamily, s.Current().Family)

	assert.Eventually(t, func() bool { return store.upserts.Load() >= 2 }, 3*time.Second, 50*time.Millisecond)

	require.NoError(t, s.Delete(context.Background()))
	n := store.upserts.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, n, store.upserts.Load(), "keepalive stopped")
	_, ok := store.Get(s.Current().ID)
	assert.False(t, ok)
}

// flakyStore fails the next upsert or delete once each time the matching flag is armed.
type flakyStore struct {
	*MemoryStore
	failUpsert atomic.Bool
	failDelete atomic.Bool
}

func (f *flakyStore) Upsert(ctx context.Context, l model.Lease) error {
	if f.failUpsert.CompareAndSwap(true, false) {
		return errors.New("store unavailable")
	}
	return f.MemoryStore.Upsert(ctx, l)
}

func (f *flakyStore) Delete(ctx context.Context, id string) error {
	if f.failDelete.CompareAndSwap(true, false) {
		return errors.New("store unavailable")
	}
	return f.MemoryStore.Delete(ctx, id)
}

func TestAgentService_ReleaseGoesIdleWhenStoreFails(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	s := newTestAgentService(t, store)
	ctx := context.Background()

	first, err := s.Acquire(ctx, model.KindMigration, uuid.New(), nil, nil)
	require.NoError(t, err)

	store.failUpsert.Store(true)
	assert.ErrorContains(t, s.Release(ctx), "store unavailable")
	assert.False(t, s.Current().IsActive(), "the agent is idle even though the write failed")

	second := uuid.New()
	got, err := s.Acquire(ctx, model.KindMigration, second, nil, nil)
	require.NoError(t, err, "the next execution is accepted")
	assert.Equal(t, second, got.InstanceID)

	require.NoError(t, s.Release(ctx))
	_, ok := store.Get(first.ID)
	assert.False(t, ok, "the row of the first execution is cleaned up")
	stored, ok := store.Get(s.Current().ID)
	require.True(t, ok)
	assert.False(t, stored.IsActive())
}

func TestAgentService_StaleRowIsNotAConflict(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	s := newTestAgentService(t, store)
	ctx := context.Background()
	site := uuid.New()
	fill := func(l *model.Lease) { l.SiteIDs = []uuid.UUID{site} }

	first, err := s.Acquire(ctx, model.KindMigration, uuid.New(), fill, siteConflict(site))
	require.NoError(t, err)

	store.failDelete.Store(true)
	require.NoError(t, s.Release(ctx))
	stale, ok := store.Get(first.ID)
	require.True(t, ok, "the failed delete leaves the active row behind")
	assert.True(t, stale.IsActive())

	_, err = s.Acquire(ctx, model.KindMigration, uuid.New(), fill, siteConflict(site))
	require.NoError(t, err, "the agent's own leftover row does not block it")

	require.NoError(t, s.Release(ctx))
	_, ok = store.Get(first.ID)
	assert.False(t, ok, "the leftover row is deleted on the next release")
}
