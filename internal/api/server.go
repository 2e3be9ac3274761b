// Package api is the orchestrator's HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/msageha/conductor/internal/agent"
	"github.com/msageha/conductor/internal/agentapi"
	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/metrics"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/orchestrator"
	"github.com/msageha/conductor/internal/repository"
)

// Jobs is the orchestrator job service.
type Jobs interface {
	StartMigration(ctx context.Context, req agent.MigrationRequest, opts orchestrator.StartOptions) (orchestrator.StartResult, error)
	StartDeletion(ctx context.Context, req agent.DeletionRequest, opts orchestrator.StartOptions) (uuid.UUID, error)
	Cancel(ctx context.Context, coord model.Coordinate) error
	Abort(ctx context.Context, kind model.ExecutionKind, id *uuid.UUID) ([]uuid.UUID, error)
	GetSnapshot(ctx context.Context, coord model.Coordinate, withProgress bool) (model.JobSnapshot, error)
	ListJobs(ctx context.Context, page, size int, withProgress bool) (repository.Page, error)
	ListQueued(ctx context.Context, page, size int) (repository.Page, error)
}

type Server struct {
	jobs     Jobs
	trigger  orchestrator.Trigger
	settings func() model.Config
	metrics  *metrics.Metrics
	logger   *logging.Logger
}

func NewServer(jobs Jobs, trigger orchestrator.Trigger, settings func() model.Config, m *metrics.Metrics, logger *logging.Logger) *Server {
	return &Server{
		jobs:     jobs,
		trigger:  trigger,
		settings: settings,
		metrics:  m,
		logger:   logger.With("api"),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/migrations", func(r chi.Router) {
		r.Post("/", s.startMigration)
		r.Get("/", s.listJobs)
		r.Get("/queued", s.listQueued)
		r.Post("/abort", s.abort(model.KindMigration))
		r.Get("/{id}", s.getJob)
		r.Get("/{id}/{attempt}", s.getJob)
		r.Delete("/{id}", s.cancel)
		r.Delete("/{id}/{attempt}", s.cancel)
		r.Post("/{id}/abort", s.abort(model.KindMigration))
	})
	r.Route("/deletions", func(r chi.Router) {
		r.Post("/", s.startDeletion)
		r.Post("/abort", s.abort(model.KindDeletion))
		r.Post("/{id}/abort", s.abort(model.KindDeletion))
	})
	r.Post("/dequeue", func(w http.ResponseWriter, _ *http.Request) {
		s.trigger.TriggerDequeue()
		w.WriteHeader(http.StatusAccepted)
	})
	return r
}

func (s *Server) startOptions(r *http.Request) (orchestrator.StartOptions, error) {
	raw := r.URL.Query().Get("queuing")
	if raw == "" {
		raw = s.settings().Orchestrator.QueuingPolicy
	}
	policy, err := orchestrator.ParseQueuingPolicy(raw)
	if err != nil {
		return orchestrator.StartOptions{}, err
	}
	return orchestrator.StartOptions{
		Family:     r.URL.Query().Get("family"),
		Policy:     policy,
		Recipients: r.Header.Values(agentapi.EventRecipientHeader),
	}, nil
}

func (s *Server) startMigration(w http.ResponseWriter, r *http.Request) {
	var req agent.MigrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid migration request: "+err.Error())
		return
	}
	opts, err := s.startOptions(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	res, err := s.jobs.StartMigration(r.Context(), req, opts)
	if err != nil {
		s.logger.Infof("migration_start_failed request_id=%s error=%v", middleware.GetReqID(r.Context()), err)
		agentapi.WriteError(w, err)
		return
	}
	agentapi.WriteJSON(w, http.StatusAccepted, res)
}

func (s *Server) startDeletion(w http.ResponseWriter, r *http.Request) {
	var req agent.DeletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid deletion request: "+err.Error())
		return
	}
	opts, err := s.startOptions(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	id, err := s.jobs.StartDeletion(r.Context(), req, opts)
	if err != nil {
		s.logger.Infof("deletion_start_failed request_id=%s error=%v", middleware.GetReqID(r.Context()), err)
		agentapi.WriteError(w, err)
		return
	}
	agentapi.WriteJSON(w, http.StatusAccepted, agentapi.InstanceView{InstanceID: id})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	coord, ok := coordinate(w, r)
	if !ok {
		return
	}
	snap, err := s.jobs.GetSnapshot(r.Context(), coord, queryBool(r, "progress"))
	if err != nil {
		agentapi.WriteError(w, err)
		return
	}
	agentapi.WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	coord, ok := coordinate(w, r)
	if !ok {
		return
	}
	if err := s.jobs.Cancel(r.Context(), coord); err != nil {
		agentapi.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) abort(kind model.ExecutionKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var id *uuid.UUID
		if raw := chi.URLParam(r, "id"); raw != "" {
			parsed, err := uuid.Parse(raw)
			if err != nil {
				badRequest(w, "invalid instance id")
				return
			}
			id = &parsed
		}
		ids, err := s.jobs.Abort(r.Context(), kind, id)
		if err != nil {
			agentapi.WriteError(w, err)
			return
		}
		agentapi.WriteJSON(w, http.StatusOK, agentapi.InstancesView{InstanceIDs: ids})
	}
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	page, size := paging(r)
	p, err := s.jobs.ListJobs(r.Context(), page, size, queryBool(r, "progress"))
	if err != nil {
		agentapi.WriteError(w, err)
		return
	}
	agentapi.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) listQueued(w http.ResponseWriter, r *http.Request) {
	page, size := paging(r)
	p, err := s.jobs.ListQueued(r.Context(), page, size)
	if err != nil {
		agentapi.WriteError(w, err)
		return
	}
	agentapi.WriteJSON(w, http.StatusOK, p)
}

func badRequest(w http.ResponseWriter, message string) {
	agentapi.WriteError(w, model.ValidationFailed("%s", message))
}

// coordinate reads {id} and the optional {attempt}, writing a 400 on bad input.
func coordinate(w http.ResponseWriter, r *http.Request) (model.Coordinate, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, "invalid instance id")
		return model.Coordinate{}, false
	}
	attempt := 1
	if raw := chi.URLParam(r, "attempt"); raw != "" {
		attempt, err = strconv.Atoi(raw)
		if err != nil || attempt < 1 {
			badRequest(w, "invalid attempt")
			return model.Coordinate{}, false
		}
	}
	return model.Coordinate{ID: id, Attempt: attempt}, true
}

func paging(r *http.Request) (page, size int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	size, _ = strconv.Atoi(r.URL.Query().Get("size"))
	if page < 1 {
		page = 1
	}
	return page, size
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}
