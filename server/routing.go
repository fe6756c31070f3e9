package server

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/logger"
)

// setupHTTPRoutes configures all HTTP handlers
func (s *Server) setupHTTPRoutes() {
	s.mux.HandleFunc("GET /health", s.instrument(s.HandleHealth))
	s.mux.Handle("GET /metrics", s.metrics.Handler())

	s.mux.HandleFunc("POST /api/executions", s.api(s.HandleSubmit))
	s.mux.HandleFunc("GET /api/executions", s.api(s.HandleListExecutions))
	s.mux.HandleFunc("GET /api/executions/{id}", s.api(s.HandleGetExecution))
	s.mux.HandleFunc("POST /api/executions/{id}/start", s.api(s.HandleStart))
	s.mux.HandleFunc("PUT /api/executions/{id}/plan", s.api(s.HandleAmendPlan))
	s.mux.HandleFunc("POST /api/executions/{id}/cancel", s.api(s.HandleCancel))

	s.mux.HandleFunc("GET /api/executions/{id}/events", s.api(s.HandleEventsPoll))
	s.mux.HandleFunc("GET /api/executions/{id}/events/stream", s.api(s.HandleEventsSSE))
	s.mux.HandleFunc("GET /api/executions/{id}/events/ws", s.api(s.HandleEventsWebSocket))

	s.mux.HandleFunc("POST /api/approvals/{id}/approve", s.api(s.HandleApprove))
	s.mux.HandleFunc("POST /api/approvals/{id}/reject", s.api(s.HandleReject))

	s.mux.HandleFunc("GET /api/dlq", s.api(s.HandleListDLQ))
	s.mux.HandleFunc("POST /api/dlq/{id}/redrive", s.api(s.HandleRedrive))

	s.mux.HandleFunc("OPTIONS /api/", s.corsMiddleware(func(w http.ResponseWriter, r *http.Request) {}))
}

// api wraps an authenticated, rate limited API handler.
func (s *Server) api(next http.HandlerFunc) http.HandlerFunc {
	return s.instrument(s.corsMiddleware(s.requireActor(s.rateLimit(next))))
}

// corsMiddleware adds CORS headers for configured origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key, Last-Event-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

// checkOrigin accepts requests without an Origin header and origins that
// start with a configured prefix. With nothing configured only localhost is
// allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost")
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// requireActor resolves the bearer credential and stores the actor on the
// request context.
func (s *Server) requireActor(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeDomainError(w, s.logger, errors.NewUnauthorizedError("missing bearer token"))
			return
		}
		actor, err := s.auth.Resolve(r.Context(), token)
		if err != nil {
			s.logger.Debugw("Bearer token rejected", logger.FieldPath, r.URL.Path, logger.FieldError, err)
			if errors.KindOf(err) == errors.KindInternal {
				err = errors.Mark(err, errors.ErrUnauthorized)
			}
			writeDomainError(w, s.logger, err)
			return
		}
		next(w, r.WithContext(withActor(r.Context(), actor)))
	}
}

// extractToken reads the Authorization header, falling back to the token
// query parameter for browser WebSocket and EventSource clients.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
		return auth
	}
	return r.URL.Query().Get("token")
}

func (s *Server) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := actorFrom(r.Context())
		if !s.limiter.allow(actor.TenantID + "/" + actor.ID) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// instrument records request counts and latency by route pattern.
func (s *Server) instrument(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	}
}

// statusRecorder captures the response status. It passes flushing and
// hijacking through for SSE and WebSocket handlers.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
