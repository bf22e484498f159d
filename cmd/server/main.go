package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/liamcoop/computedrules/computed"
	"github.com/liamcoop/computedrules/internal/logger"
	"github.com/liamcoop/computedrules/internal/metrics"
	"github.com/liamcoop/computedrules/rules"
	"github.com/liamcoop/computedrules/sessions"
	"github.com/liamcoop/computedrules/store"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config is read from the environment
type Config struct {
	DatabaseURL string
	Port        string
	Policy      computed.Policy
	CacheTTL    time.Duration
	OTELEnabled bool
	ServiceName string
}

// LoadConfig reads DATABASE_URL, PORT, GATE_POLICY, RULESET_CACHE_TTL,
// OTEL_ENABLED and OTEL_SERVICE_NAME
func LoadConfig() (Config, error) {
	cfg := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Port:        os.Getenv("PORT"),
		OTELEnabled: strings.EqualFold(os.Getenv("OTEL_ENABLED"), "true"),
		ServiceName: os.Getenv("OTEL_SERVICE_NAME"),
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "computedrules"
	}

	policy, err := computed.ParsePolicy(os.Getenv("GATE_POLICY"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid GATE_POLICY: %w", err)
	}
	cfg.Policy = policy

	if ttl := os.Getenv("RULESET_CACHE_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RULESET_CACHE_TTL: %w", err)
		}
		cfg.CacheTTL = d
	}

	return cfg, nil
}

type Server struct {
	db       *sql.DB
	manager  *sessions.Manager
	registry *prometheus.Registry
	policy   computed.Policy
	router   *chi.Mux
}

// NewServer connects to Postgres when DATABASE_URL is set and keeps rule
// sets in memory otherwise.
func NewServer(cfg Config) (*Server, error) {
	var (
		db       *sql.DB
		ruleSets rules.RuleSetStore
	)

	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		ruleSets = rules.NewPostgresRuleSetStore(db)
	} else {
		logger.Warn("DATABASE_URL not set, rule sets are kept in memory")
		ruleSets = rules.NewInMemoryRuleSetStore()
	}

	return newServer(db, ruleSets, cfg), nil
}

func newServer(db *sql.DB, ruleSets rules.RuleSetStore, cfg Config) *Server {
	registry := prometheus.NewRegistry()
	observer := metrics.NewObserver(registry)
	metrics.RegisterLogCounters(registry)

	manager := sessions.NewManager(ruleSets,
		sessions.WithCache(rules.NewInMemoryRuleSetCache(rules.CacheConfig{TTL: cfg.CacheTTL})),
		sessions.WithLogger(logger.Logger),
		sessions.WithOrchestratorOptions(
			computed.WithPolicy(cfg.Policy),
			computed.WithObserver(observer),
		),
	)

	s := &Server{
		db:       db,
		manager:  manager,
		registry: registry,
		policy:   cfg.Policy,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Post("/api/v1/evaluate", s.handleEvaluate)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1/rulesets", func(r chi.Router) {
		r.Get("/", s.handleListRuleSets)
		r.Post("/", s.handleCreateRuleSet)

		r.Route("/{ruleSetId}", func(r chi.Router) {
			r.Get("/", s.handleGetRuleSet)
			r.Put("/", s.handleUpdateRuleSet)
			r.Delete("/", s.handleDeleteRuleSet)
		})
	})

	r.Route("/api/v1/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Post("/", s.handleCreateSession)

		r.Route("/{sessionId}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleDeleteSession)
			r.Patch("/state", s.handleUpdateSessionState)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
				Status: "unhealthy",
				Error:  err.Error(),
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, HealthResponse{
		Status:   "healthy",
		Sessions: len(s.manager.List()),
		Policy:   s.policy.String(),
	})
}

// Evaluation handler: one-shot evaluation of a stored or inline rule list
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if req.State == nil {
		respondError(w, http.StatusBadRequest, "state is required", nil)
		return
	}
	if (req.RuleSetID == "") == (len(req.Rules) == 0) {
		respondError(w, http.StatusBadRequest, "exactly one of ruleSetId or rules is required", nil)
		return
	}

	startTime := time.Now()

	var (
		ev  *sessions.Evaluation
		err error
	)
	if req.RuleSetID != "" {
		ev, err = s.manager.Evaluate(req.RuleSetID, req.State)
	} else {
		ev, err = s.manager.EvaluateRules(req.Rules, req.State)
	}
	if err != nil {
		respondError(w, statusFor(err), "evaluation failed", err)
		return
	}

	respondJSON(w, http.StatusOK, EvaluateResponse{
		Results:        ev.Results,
		Dependencies:   ev.Dependencies,
		EvaluationTime: time.Since(startTime).String(),
	})
}

// List rule sets handler
func (s *Server) handleListRuleSets(w http.ResponseWriter, r *http.Request) {
	list, err := s.manager.ListRuleSets()
	if err != nil {
		respondError(w, statusFor(err), "failed to list rule sets", err)
		return
	}
	if list == nil {
		list = []*rules.RuleSet{}
	}

	respondJSON(w, http.StatusOK, RuleSetsListResponse{RuleSets: list})
}

// Create rule set handler
func (s *Server) handleCreateRuleSet(w http.ResponseWriter, r *http.Request) {
	var req RuleSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	rs := req.toRuleSet("")
	if err := s.manager.AddRuleSet(rs); err != nil {
		respondError(w, statusFor(err), "failed to add rule set", err)
		return
	}

	respondJSON(w, http.StatusCreated, rs)
}

// Get rule set handler
func (s *Server) handleGetRuleSet(w http.ResponseWriter, r *http.Request) {
	rs, err := s.manager.GetRuleSet(chi.URLParam(r, "ruleSetId"))
	if err != nil {
		respondError(w, statusFor(err), "rule set not found", err)
		return
	}

	respondJSON(w, http.StatusOK, rs)
}

// Update rule set handler
func (s *Server) handleUpdateRuleSet(w http.ResponseWriter, r *http.Request) {
	var req RuleSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rs := req.toRuleSet(chi.URLParam(r, "ruleSetId"))
	if err := s.manager.UpdateRuleSet(rs); err != nil {
		respondError(w, statusFor(err), "failed to update rule set", err)
		return
	}

	respondJSON(w, http.StatusOK, rs)
}

// Delete rule set handler
func (s *Server) handleDeleteRuleSet(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteRuleSet(chi.URLParam(r, "ruleSetId")); err != nil {
		respondError(w, statusFor(err), "failed to delete rule set", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// List sessions handler
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := s.manager.List()

	out := make([]SessionResponse, 0, len(list))
	for _, sess := range list {
		out = append(out, newSessionResponse(sess))
	}

	respondJSON(w, http.StatusOK, SessionsListResponse{Sessions: out})
}

// Create session handler
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if req.RuleSetID == "" {
		respondError(w, http.StatusBadRequest, "ruleSetId is required", nil)
		return
	}

	sess, err := s.manager.Create(req.RuleSetID, req.State)
	if err != nil {
		respondError(w, statusFor(err), "failed to create session", err)
		return
	}

	respondJSON(w, http.StatusCreated, newSessionResponse(sess))
}

// Get session handler
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(chi.URLParam(r, "sessionId"))
	if err != nil {
		respondError(w, statusFor(err), "session not found", err)
		return
	}

	respondJSON(w, http.StatusOK, newSessionResponse(sess))
}

// Delete session handler
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(chi.URLParam(r, "sessionId")); err != nil {
		respondError(w, statusFor(err), "session not found", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Update session state handler: the body is a partial state merged into the session
func (s *Server) handleUpdateSessionState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")

	var patch store.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if _, err := s.manager.Update(id, patch); err != nil {
		respondError(w, statusFor(err), "failed to update session state", err)
		return
	}

	sess, err := s.manager.Get(id)
	if err != nil {
		respondError(w, statusFor(err), "session not found", err)
		return
	}
	respondJSON(w, http.StatusOK, newSessionResponse(sess))
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, rules.ErrRuleSetNotFound), errors.Is(err, sessions.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrRuleSetExists), errors.Is(err, sessions.ErrRuleSetInactive):
		return http.StatusConflict
	case errors.Is(err, rules.ErrMisconfiguredRule),
		errors.Is(err, rules.ErrEvaluation),
		errors.Is(err, computed.ErrComputeStep),
		errors.Is(err, computed.ErrInvalidUpdate):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}

	if status >= 500 {
		logger.ErrorHttp5xx()
		logger.Error(message, "status", status, "error", err)
	} else {
		logger.WarnHttp4xx(status)
	}

	respondJSON(w, status, response)
}

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}

	if cfg.OTELEnabled {
		if err := logger.EnableOTEL(context.Background(), cfg.ServiceName); err != nil {
			logger.Warn("OTEL logging unavailable, keeping JSON output", "error", err)
		}
	}

	server, err := NewServer(cfg)
	if err != nil {
		logger.Fatal("failed to create server", "error", err)
	}
	if server.db != nil {
		defer server.db.Close()
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("server starting", "port", cfg.Port, "policy", cfg.Policy.String())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
	if err := logger.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to flush logs: %v\n", err)
	}
}
