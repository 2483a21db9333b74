// Package server exposes the principal HTTP API: bearer-token auth,
// task submission, amendment governance, lifecycle operations, provider
// key management, A/B experiments and the sovereign WebSocket feed.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"agentium/internal/adapter"
	"agentium/internal/amendment"
	"agentium/internal/config"
	"agentium/internal/lifecycle"
	"agentium/internal/logging"
	"agentium/internal/pipeline"
	"agentium/internal/provider"
	"agentium/internal/store"
	"agentium/internal/types"
)

// Generator is the slice of the model adapter the API needs for key
// tests and experiments.
type Generator interface {
	Generate(ctx context.Context, kind types.ProviderKind, systemPrompt, userMessage string, opts adapter.Options) (*adapter.Result, error)
}

// Server is the principal API surface.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	tokens     *tokenIssuer
	pipeline   *pipeline.Pipeline
	amendments *amendment.Machine
	lifecycle  *lifecycle.Manager
	keys       *provider.Manager
	gen        Generator
	hub        *Hub
	router     chi.Router
}

// New wires the API over the assembled subsystems.
func New(cfg *config.Config, st *store.Store, pl *pipeline.Pipeline, am *amendment.Machine,
	lm *lifecycle.Manager, keys *provider.Manager, gen Generator, hub *Hub) (*Server, error) {
	tokens, err := newTokenIssuer(cfg)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:        cfg,
		store:      st,
		tokens:     tokens,
		pipeline:   pl,
		amendments: am,
		lifecycle:  lm,
		keys:       keys,
		gen:        gen,
		hub:        hub,
	}
	s.router = s.buildRouter()
	return s, nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Post("/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleCreateTask)
			r.Get("/{id}", s.handleGetTask)
			r.Post("/{id}/cancel", s.handleCancelTask)
		})

		r.Route("/amendments", func(r chi.Router) {
			r.Get("/", s.handleListAmendments)
			r.Post("/", s.handleProposeAmendment)
			r.Get("/{id}", s.handleGetAmendment)
			r.Post("/{id}/sponsor", s.handleSponsorAmendment)
			r.Post("/{id}/debate", s.handleDebateAmendment)
			r.Post("/{id}/vote", s.handleVoteAmendment)
			r.Post("/{id}/withdraw", s.handleWithdrawAmendment)
			r.Post("/{id}/conclude", s.handleConcludeAmendment)
		})

		r.Route("/agents/lifecycle", func(r chi.Router) {
			r.Post("/spawn", s.handleSpawn)
			r.Post("/promote", s.handlePromote)
			r.Post("/liquidate", s.handleLiquidate)
			r.Get("/capacity", s.handleCapacity)
		})

		r.Route("/models/configs", func(r chi.Router) {
			r.Get("/", s.handleListKeys)
			r.Post("/", s.handleCreateKey)
			r.Delete("/{id}", s.handleDeleteKey)
			r.Post("/{id}/test", s.handleTestKey)
			r.Post("/{id}/rotate", s.handleRotateKey)
		})

		r.Route("/ab-testing/experiments", func(r chi.Router) {
			r.Get("/", s.handleListExperiments)
			r.Post("/", s.handleCreateExperiment)
			r.Get("/{id}", s.handleGetExperiment)
			r.Post("/{id}/run", s.handleRunExperiment)
			r.Post("/{id}/cancel", s.handleCancelExperiment)
		})

		r.Get("/sovereign/ws", s.hub.handleWS)
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe blocks serving the API until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Server.Listen,
		Handler:      s,
		ReadTimeout:  parseDuration(s.cfg.Server.ReadTimeout, 30*time.Second),
		WriteTimeout: parseDuration(s.cfg.Server.WriteTimeout, 60*time.Second),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logging.API("Principal API listening on %s", s.cfg.Server.Listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ===== MIDDLEWARE & HELPERS =====

type ctxKey string

const principalKey ctxKey = "principal"

// requireAuth resolves the bearer token. WebSocket clients may pass it
// as a query parameter since browsers cannot set headers on upgrade.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearer(r)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			s.writeError(w, fmt.Errorf("missing bearer token: %w", types.ErrPermissionDenied))
			return
		}
		principal, err := s.tokens.Verify(token)
		if err != nil {
			s.store.Audit("api", "principal", "unknown", "auth_rejected", "", "", err.Error())
			s.writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func principalFrom(r *http.Request) *principalToken {
	p, _ := r.Context().Value(principalKey).(*principalToken)
	return p
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps error kinds onto the stable failure modes. Provider
// internals and key material never pass through this path.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	mode := types.Classify(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case mode == types.FailurePermissionDenied:
		status = http.StatusForbidden
	case mode == types.FailureResourceUnavailable:
		status = http.StatusServiceUnavailable
	case mode == types.FailureValidationFailed:
		status = http.StatusBadRequest
	}
	detail := err.Error()
	if mode == types.FailureInternal {
		logging.Get(logging.CategoryAPI).Error("internal error: %v", err)
		detail = "internal error"
	}
	s.writeJSON(w, status, map[string]string{"error": string(mode), "detail": detail})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": string(types.FailureValidationFailed), "detail": "malformed JSON body"})
		return false
	}
	return true
}

// actingAgent resolves the agent a request acts as.
func (s *Server) actingAgent(tierID string) (*types.Agent, error) {
	if tierID == "" {
		return nil, &types.InvariantError{Rule: "actor-required", Detail: "actor_tier_id is required"}
	}
	return s.store.GetAgent(tierID)
}

// ===== AUTH =====

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	p, err := verifyLogin(s.cfg.Auth.Principals, req.Username, req.Password)
	if err != nil {
		s.store.Audit("api", "principal", req.Username, "login_failed", "", "", "bad credentials")
		s.writeError(w, err)
		return
	}
	token := s.tokens.Issue(p.Username, p.Role)
	s.store.Audit("api", "principal", p.Username, "login", "", "", "token issued")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"role":       p.Role,
		"expires_in": int(s.cfg.TokenTTL().Seconds()),
	})
}

// ===== TASKS =====

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string                      `json:"title"`
		Description string                      `json:"description"`
		Priority    int                         `json:"priority"`
		Criteria    []types.AcceptanceCriterion `json:"criteria"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Title == "" {
		s.writeError(w, &types.InvariantError{Rule: "task-title", Detail: "title is required"})
		return
	}
	for _, c := range req.Criteria {
		if _, err := types.CriticSpecialty(c.Validator); err != nil {
			s.writeError(w, &types.InvariantError{Rule: "criterion-validator",
				Detail: fmt.Sprintf("unknown validator %q for metric %s", c.Validator, c.Metric)})
			return
		}
	}
	task, err := s.pipeline.Submit(principalFrom(r).Subject, req.Title, req.Description, req.Priority, req.Criteria)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "cancelled by " + principalFrom(r).Subject
	}
	if err := s.pipeline.Cancel(chi.URLParam(r, "id"), req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// ===== CAPACITY =====

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	caps, err := s.lifecycle.Capacity()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, caps)
}
