// Package httpapi implements the Admin/Health HTTP Surface (spec
// §2 component N): a local-only, read-only gorilla/mux server exposing
// health, policy hash, posture and metrics endpoints. Grounded on
// internal/interfaces/http/server.go's router/middleware/Shutdown shape.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/foundryfi/titan-core/internal/breaker"
	"github.com/foundryfi/titan-core/internal/domain"
	"github.com/foundryfi/titan-core/internal/metrics"
	"github.com/foundryfi/titan-core/internal/policy"
	"github.com/foundryfi/titan-core/internal/reconcile"
	"github.com/foundryfi/titan-core/internal/spine"
)

// Server is the local-only admin/health HTTP surface.
type Server struct {
	router *mux.Router
	server *http.Server
	log    zerolog.Logger
}

// Deps bundles every read-only dependency the admin routes surface.
type Deps struct {
	Policy   *policy.Resolved
	Posture  *breaker.Posture
	Spine    *spine.Spine
	Truth    *reconcile.Engine
	ArmedFn  func() bool
}

// New builds a server bound to addr (spec: "local-only by default").
func New(addr string, deps Deps, log zerolog.Logger) *Server {
	router := mux.NewRouter()
	router.Use(requestIDMiddleware)
	router.Use(loggingMiddleware(log))

	s := &Server{router: router, log: log}

	router.HandleFunc("/healthz", s.handleHealthz(deps)).Methods(http.MethodGet)
	router.HandleFunc("/policy/hash", s.handlePolicyHash(deps)).Methods(http.MethodGet)
	router.HandleFunc("/posture", s.handlePosture(deps)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.NotFoundHandler = http.HandlerFunc(notFound)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) handleHealthz(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		armed := false
		if deps.ArmedFn != nil {
			armed = deps.ArmedFn()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"healthy":    true,
			"armed":      armed,
			"posture":    deps.Posture.Current().String(),
			"truth_score": deps.Truth.Score(time.Now()),
			"consumers":  deps.Spine.Health(),
		})
	}
}

func (s *Server) handlePolicyHash(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"policy_hash": deps.Policy.Hash})
	}
}

func (s *Server) handlePosture(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := deps.Posture.Current()
		writeJSON(w, http.StatusOK, map[string]any{
			"posture": p.String(),
			"numeric": int(p),
		})
	}
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(log zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("duration", time.Since(start)).
				Msg("admin http request")
		})
	}
}

// Start runs the server until it errors or is shut down.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// PostureLabel returns the label for a numeric posture, the same
// mapping domain.Posture.String applies.
func PostureLabel(p domain.Posture) string { return p.String() }
