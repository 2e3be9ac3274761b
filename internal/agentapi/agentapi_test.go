package agentapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conductor/internal/agent"
	"github.com/msageha/conductor/internal/execution"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/metrics"
	"github.com/msageha/conductor/internal/model"
)

type fakeMigrations struct {
	mu         sync.Mutex
	startErr   error
	startID    uuid.UUID
	lastReq    agent.MigrationRequest
	recipients []string
	dequeued   []model.Coordinate
	running    *execution.Slot
	delay      time.Duration
}

func (f *fakeMigrations) Start(ctx context.Context, req agent.MigrationRequest, recipients []string) (uuid.UUID, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return uuid.Nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
	f.recipients = recipients
	return f.startID, f.startErr
}

func (f *fakeMigrations) Dequeue(_ context.Context, coord model.Coordinate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dequeued = append(f.dequeued, coord)
	return nil
}

func (f *fakeMigrations) Abort(id *uuid.UUID) []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running == nil || (id != nil && *id != f.running.InstanceID) {
		return []uuid.UUID{}
	}
	return []uuid.UUID{f.running.InstanceID}
}

func (f *fakeMigrations) Current() (execution.Slot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running == nil {
		return execution.Slot{}, false
	}
	return *f.running, true
}

type fakeDeletions struct {
	req agent.DeletionRequest
	id  uuid.UUID
}

func (f *fakeDeletions) Start(_ context.Context, req agent.DeletionRequest, _ []string) (uuid.UUID, error) {
	f.req = req
	return f.id, nil
}

func (f *fakeDeletions) Abort(*uuid.UUID) []uuid.UUID { return []uuid.UUID{} }

func newTestServer(t *testing.T, m *fakeMigrations, d *fakeDeletions) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(m, d, metrics.New(), logging.Discard()).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_StartMigration(t *testing.T) {
	m := &fakeMigrations{startID: uuid.New()}
	srv := newTestServer(t, m, &fakeDeletions{})
	c := NewClient(srv.URL+"/", nil)

	site := uuid.New()
	id, err := c.StartMigration(context.Background(), agent.MigrationRequest{
		Sites:     map[uuid.UUID]model.SiteInfo{site: {"region": "eu"}},
		SiteSteps: []string{},
	}, []string{"ops", "audit"})
	require.NoError(t, err)
	assert.Equal(t, m.startID, id)
	assert.Equal(t, []string{"ops", "audit"}, m.recipients)
	assert.Nil(t, m.lastReq.GlobalSteps, "omitted list stays nil")
	assert.NotNil(t, m.lastReq.SiteSteps, "empty list survives the wire")
	assert.Equal(t, "eu", m.lastReq.Sites[site]["region"])
}

func TestClient_RemoteErrorsKeepTheirLabel(t *testing.T) {
	occupant := uuid.New()
	m := &fakeMigrations{startErr: model.AlreadyExecuting(model.KindDeletion, occupant)}
	srv := newTestServer(t, m, &fakeDeletions{})
	c := NewClient(srv.URL, nil)

	_, err := c.StartMigration(context.Background(), agent.MigrationRequest{}, nil)
	require.Error(t, err)
	assert.True(t, model.HasLabel(err, model.LabelDownstreamException))
	label, ok := model.DownstreamLabel(err)
	require.True(t, ok)
	assert.Equal(t, model.LabelAlreadyExecuting, label)

	ee, _ := model.AsExecError(err)
	kind, id, ok := ee.Inner.ExecutionRef()
	require.True(t, ok)
	assert.Equal(t, model.KindDeletion, kind)
	assert.Equal(t, occupant, id)
	assert.Equal(t, http.StatusConflict, ee.Inner.StatusCode)
}

func TestClient_UnlabelledErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gateway exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, nil).DequeueMigration(context.Background(), model.Coordinate{ID: uuid.New(), Attempt: 1})
	ee, ok := model.AsExecError(err)
	require.True(t, ok)
	assert.Equal(t, model.LabelDownstreamException, ee.Label)
	assert.Nil(t, ee.Inner)
	assert.Contains(t, ee.Message, "gateway exploded")
}

func TestClient_Timeout(t *testing.T) {
	m := &fakeMigrations{delay: time.Second}
	srv := newTestServer(t, m, &fakeDeletions{})
	c := NewClient(srv.URL, &http.Client{Timeout: 50 * time.Millisecond})

	_, err := c.StartMigration(context.Background(), agent.MigrationRequest{}, nil)
	assert.True(t, errors.Is(err, model.ErrAgentTimeout), "got %v", err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = NewClient(srv.URL, nil).StartMigration(ctx, agent.MigrationRequest{}, nil)
	assert.True(t, errors.Is(err, model.ErrAgentTimeout), "got %v", err)
}

func TestClient_DequeueAndAbort(t *testing.T) {
	running := execution.Slot{Kind: model.KindMigration, InstanceID: uuid.New(), StartedAt: time.Now().UTC()}
	m := &fakeMigrations{running: &running}
	srv := newTestServer(t, m, &fakeDeletions{})
	c := NewClient(srv.URL, nil)
	ctx := context.Background()

	coord := model.Coordinate{ID: uuid.New(), Attempt: 3}
	require.NoError(t, c.DequeueMigration(ctx, coord))
	assert.Equal(t, []model.Coordinate{coord}, m.dequeued)

	ids, err := c.AbortMigration(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{running.InstanceID}, ids)

	other := uuid.New()
	_, err = c.AbortMigration(ctx, &other)
	label, _ := model.DownstreamLabel(err)
	assert.Equal(t, model.LabelNoSuchInstance, label)

	ids, err = c.AbortDeletion(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestClient_Current(t *testing.T) {
	m := &fakeMigrations{}
	srv := newTestServer(t, m, &fakeDeletions{})
	c := NewClient(srv.URL, nil)

	cur, err := c.Current(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cur)

	running := execution.Slot{Kind: model.KindDeletion, InstanceID: uuid.New(), StartedAt: time.Now().UTC().Truncate(time.Second)}
	m.mu.Lock()
	m.running = &running
	m.mu.Unlock()

	cur, err = c.Current(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, running.InstanceID, cur.InstanceID)
	assert.Equal(t, model.KindDeletion, cur.Kind)
}

func TestServer_BadRequests(t *testing.T) {
	d := &fakeDeletions{id: uuid.New()}
	srv := newTestServer(t, &fakeMigrations{}, d)

	resp, err := http.Post(srv.URL+"/migrate/start", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/migrate/dequeue/not-a-uuid", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/migrate/dequeue/"+uuid.NewString()+"/0", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	site := uuid.New()
	id, err := NewClient(srv.URL, nil).StartDeletion(context.Background(), agent.DeletionRequest{SiteIDs: []uuid.UUID{site}}, nil)
	require.NoError(t, err)
	assert.Equal(t, d.id, id)
	assert.Equal(t, []uuid.UUID{site}, d.req.SiteIDs)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, &fakeMigrations{}, &fakeDeletions{})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
