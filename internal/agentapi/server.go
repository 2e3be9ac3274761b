package agentapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/msageha/conductor/internal/agent"
	"github.com/msageha/conductor/internal/execution"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/metrics"
	"github.com/msageha/conductor/internal/model"
)

// Migrations is the migration side of an agent.
type Migrations interface {
	Start(ctx context.Context, req agent.MigrationRequest, recipients []string) (uuid.UUID, error)
	Dequeue(ctx context.Context, coord model.Coordinate) error
	Abort(id *uuid.UUID) []uuid.UUID
	Current() (execution.Slot, bool)
}

// Deletions is the deletion side of an agent.
type Deletions interface {
	Start(ctx context.Context, req agent.DeletionRequest, recipients []string) (uuid.UUID, error)
	Abort(id *uuid.UUID) []uuid.UUID
}

type Server struct {
	migrations Migrations
	deletions  Deletions
	metrics    *metrics.Metrics
	logger     *logging.Logger
}

func NewServer(migrations Migrations, deletions Deletions, m *metrics.Metrics, logger *logging.Logger) *Server {
	return &Server{
		migrations: migrations,
		deletions:  deletions,
		metrics:    m,
		logger:     logger.With("agentapi"),
	}
}

// Routes returns the agent's HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/current", s.current)

	r.Route("/migrate", func(r chi.Router) {
		r.Post("/start", s.startMigration)
		r.Post("/dequeue/{id}", s.dequeueMigration)
		r.Post("/dequeue/{id}/{attempt}", s.dequeueMigration)
		r.Post("/abort", s.abort(s.migrations.Abort))
		r.Post("/abort/{id}", s.abort(s.migrations.Abort))
	})
	r.Route("/delete", func(r chi.Router) {
		r.Post("/start", s.startDeletion)
		r.Post("/abort", s.abort(s.deletions.Abort))
		r.Post("/abort/{id}", s.abort(s.deletions.Abort))
	})
	return r
}

func (s *Server) startMigration(w http.ResponseWriter, r *http.Request) {
	var req agent.MigrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid migration request: "+err.Error())
		return
	}
	id, err := s.migrations.Start(r.Context(), req, r.Header.Values(EventRecipientHeader))
	if err != nil {
		s.logger.Infof("migration_start_rejected error=%v", err)
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, InstanceView{InstanceID: id})
}

func (s *Server) dequeueMigration(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, "invalid instance id")
		return
	}
	attempt, err := parseAttempt(chi.URLParam(r, "attempt"))
	if err != nil {
		badRequest(w, "invalid attempt")
		return
	}
	if err := s.migrations.Dequeue(r.Context(), model.Coordinate{ID: id, Attempt: attempt}); err != nil {
		s.logger.Infof("migration_dequeue_rejected instance=%s attempt=%d error=%v", id, attempt, err)
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, InstanceView{InstanceID: id})
}

func (s *Server) startDeletion(w http.ResponseWriter, r *http.Request) {
	var req agent.DeletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid deletion request: "+err.Error())
		return
	}
	id, err := s.deletions.Start(r.Context(), req, r.Header.Values(EventRecipientHeader))
	if err != nil {
		s.logger.Infof("deletion_start_rejected error=%v", err)
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, InstanceView{InstanceID: id})
}

func (s *Server) abort(abort func(*uuid.UUID) []uuid.UUID) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := optionalID(chi.URLParam(r, "id"))
		if err != nil {
			badRequest(w, "invalid instance id")
			return
		}
		ids := abort(id)
		if id != nil && len(ids) == 0 {
			WriteError(w, model.NoSuchInstance(*id))
			return
		}
		WriteJSON(w, http.StatusOK, InstancesView{InstanceIDs: ids})
	}
}

func (s *Server) current(w http.ResponseWriter, _ *http.Request) {
	slot, ok := s.migrations.Current()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	WriteJSON(w, http.StatusOK, slot)
}
