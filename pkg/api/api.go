package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/ctflabs/paddock/pkg/catalog"
	"github.com/ctflabs/paddock/pkg/log"
	"github.com/ctflabs/paddock/pkg/metrics"
	"github.com/ctflabs/paddock/pkg/store"
	"github.com/ctflabs/paddock/pkg/tracker"
	"github.com/ctflabs/paddock/pkg/types"
)

// Engine is the deployment engine surface the handlers hand work to
type Engine interface {
	RunDeploy(dep types.Deployment, requestLifetime *uint64)
	RunTeardown(dep types.Deployment)
	Resume(dep types.Deployment)
}

// Server exposes the admin control surface. Authentication happens upstream;
// every request that reaches this server is trusted.
type Server struct {
	store   *store.Store
	catalog *catalog.Catalog
	engine  Engine
	tasks   *tracker.Tracker
	logger  zerolog.Logger
}

// New creates the control server over its collaborators
func New(st *store.Store, cat *catalog.Catalog, eng Engine, tasks *tracker.Tracker) *Server {
	return &Server{
		store:   st,
		catalog: cat,
		engine:  eng,
		tasks:   tasks,
		logger:  log.WithComponent("api"),
	}
}

// Router builds the HTTP mux
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Route("/api", func(r chi.Router) {
		r.Post("/challenge/deploy", s.handleDeploy)
		r.Post("/challenge/destroy", s.handleDestroy)
		r.Get("/deployment/{publicID}", s.handleGet)
		r.Post("/challenges/reload", s.handleReload)
		r.Post("/challenges/load", s.handleLoad)
	})

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

// deployRequest is shared by deploy and destroy; lifetime only matters to deploy
type deployRequest struct {
	ChallengeID int64  `json:"challenge_id"`
	TeamID      *int64 `json:"team_id"`
	// Lifetime in seconds, instanced deploys only
	Lifetime *uint64 `json:"lifetime"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChallengeID == 0 {
		writeError(w, http.StatusBadRequest, "challenge_id is required")
		return
	}

	dep, err := s.store.Claim(r.Context(), req.ChallengeID, req.TeamID)

	var already *store.AlreadyDeployedError
	if errors.As(err, &already) {
		if dep != nil {
			s.engine.Resume(*dep)
		}
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "challenge already deployed",
			"id":    already.PublicID,
		})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("challenge_id", req.ChallengeID).Msg("claim failed")
		writeError(w, http.StatusInternalServerError, "failed to create deployment")
		return
	}

	if !s.tasks.Go(func() { s.engine.RunDeploy(*dep, req.Lifetime) }) {
		// The claimed row will never reach the engine; left behind it would
		// wedge the slot across the restart (deploy sees it live, destroy
		// refuses an undeployed row).
		if derr := s.store.DropPending(r.Context(), s.store.DB(), dep.ID); derr != nil {
			s.logger.Error().Err(derr).Str("deployment_id", dep.PublicID).Msg("failed to drop pending row at shutdown")
		}
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	writeJSON(w, http.StatusOK, dep.Sanitize())
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChallengeID == 0 {
		writeError(w, http.StatusBadRequest, "challenge_id is required")
		return
	}

	dep, err := s.store.Active(r.Context(), req.ChallengeID, req.TeamID)
	if errors.Is(err, store.ErrNotFound) {
		// Nothing to destroy; destroy is idempotent.
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("challenge_id", req.ChallengeID).Msg("active lookup failed")
		writeError(w, http.StatusInternalServerError, "failed to look up deployment")
		return
	}

	if !s.tasks.Go(func() { s.engine.RunTeardown(*dep) }) {
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	writeJSON(w, http.StatusOK, dep.Sanitize())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	dep, err := s.store.Get(r.Context(), chi.URLParam(r, "publicID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "deployment not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("deployment lookup failed")
		writeError(w, http.StatusInternalServerError, "failed to look up deployment")
		return
	}
	writeJSON(w, http.StatusOK, dep.Sanitize())
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Reload(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var challs map[string]types.Challenge
	if err := json.NewDecoder(r.Body).Decode(&challs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.catalog.Store(challs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB().PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// observe records per-route request counts and logs each request
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
