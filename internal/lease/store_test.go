package lease

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
)

func idle(machine, family string) model.Lease {
	return model.NewLease("http://"+machine, machine, family, 5*time.Minute)
}

func active(machine string, kind model.ExecutionKind, sites ...uuid.UUID) model.Lease {
	l := idle(machine, "other").Activate(kind, uuid.New())
	l.SiteIDs = sites
	return l
}

func TestFilter_Match(t *testing.T) {
	a := idle("a", "default")
	b := idle("b", "gpu")
	c := active("c", model.KindMigration)

	assert.True(t, Filter{}.Match(a))
	assert.False(t, Filter{ActiveOnly: true}.Match(a))
	assert.True(t, Filter{ActiveOnly: true}.Match(c))
	assert.False(t, Filter{ExcludeID: a.ID}.Match(a))
	assert.True(t, Filter{Family: "default"}.Match(a))
	assert.False(t, Filter{Family: "default"}.Match(b))
	assert.True(t, Filter{Family: "default"}.Match(c), "active rows match any family")
}

// storeContract runs the shared Store behaviour against an implementation.
func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	a := idle("m-a", "default")
	b := idle("m-b", "gpu")
	c := active("m-c", model.KindDeletion, uuid.New())
	for _, l := range []model.Lease{c, b, a} {
		require.NoError(t, s.Upsert(ctx, l))
	}

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"m-a", "m-b", "m-c"}, []string{all[0].MachineName, all[1].MachineName, all[2].MachineName})
	assert.False(t, all[0].UpdatedAt.IsZero(), "upsert stamps UpdatedAt")

	activeOnly, err := s.List(ctx, Filter{ActiveOnly: true, ExcludeID: a.ID})
	require.NoError(t, err)
	require.Len(t, activeOnly, 1)
	assert.Equal(t, c.ID, activeOnly[0].ID)
	assert.Equal(t, c.SiteIDs, activeOnly[0].SiteIDs)
	assert.Equal(t, model.KindDeletion, activeOnly[0].Kind)

	family, err := s.List(ctx, Filter{Family: "gpu"})
	require.NoError(t, err)
	assert.Len(t, family, 2)

	updated := a.Activate(model.KindMigration, uuid.New())
	require.NoError(t, s.Upsert(ctx, updated))
	activeOnly, err = s.List(ctx, Filter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, activeOnly, 2)

	require.NoError(t, s.Delete(ctx, a.ID))
	require.NoError(t, s.Delete(ctx, a.ID), "deleting a missing row is not an error")
	all, err = s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemoryStore_Contract(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestFileStore_Contract(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), logging.Discard())
	require.NoError(t, err)
	storeContract(t, s)
}

func TestMemoryStore_SkipsExpired(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	l := idle("a", "default")
	l.TTLSeconds = 60
	require.NoError(t, s.Upsert(ctx, l))

	s.now = func() time.Time { return now.Add(2 * time.Minute) }
	got, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, ok := s.Get(l.ID)
	assert.True(t, ok, "expired rows stay stored until replaced")
}
