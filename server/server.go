// Package server exposes the execution engine over HTTP: submission and
// control endpoints, approval decisions, dead-letter administration and live
// progress over poll, server-sent events and WebSocket.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/stagee/am"
	"github.com/teranos/stagee/authz"
	"github.com/teranos/stagee/engine"
	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/logger"
	"github.com/teranos/stagee/metrics"
	"github.com/teranos/stagee/progress"
)

// ServerState tracks the lifecycle of the HTTP listener.
type ServerState int32

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

// shutdownTimeout bounds how long in-flight requests may take once draining.
const shutdownTimeout = 15 * time.Second

// Deps are the collaborators a server needs.
type Deps struct {
	Engine  *engine.Engine
	Events  *progress.Publisher
	Auth    authz.Resolver
	Metrics *metrics.Metrics
	// Health reports whether the backing store is usable. Optional.
	Health func(ctx context.Context) error
}

// Server is the stagee HTTP API.
type Server struct {
	cfg     am.ServerConfig
	engine  *engine.Engine
	events  *progress.Publisher
	auth    authz.Resolver
	metrics *metrics.Metrics
	health  func(ctx context.Context) error
	limiter *actorLimiter
	logger  *zap.SugaredLogger

	mux   *http.ServeMux
	state atomic.Int32

	// Open streams are closed on shutdown so Shutdown does not wait them out.
	streamsMu sync.Mutex
	streams   map[*stream]struct{}
}

// New builds a server with its routes registered.
func New(cfg am.ServerConfig, deps Deps, log *zap.SugaredLogger) (*Server, error) {
	if deps.Engine == nil || deps.Events == nil || deps.Auth == nil {
		return nil, errors.AssertionFailedf("server requires an engine, an event publisher and an auth resolver")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	s := &Server{
		cfg:     cfg,
		engine:  deps.Engine,
		events:  deps.Events,
		auth:    deps.Auth,
		metrics: deps.Metrics,
		health:  deps.Health,
		limiter: newActorLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:  log,
		mux:     http.NewServeMux(),
		streams: make(map[*stream]struct{}),
	}
	s.setupHTTPRoutes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", "new_state", stateString(newState))
}

func stateString(state ServerState) string {
	switch state {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Addr is the listen address from the config.
func (s *Server) Addr() string {
	port := s.cfg.Port
	if port == 0 {
		port = am.DefaultServerPort
	}
	return net.JoinHostPort(s.cfg.Bind, fmt.Sprint(port))
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.Addr())
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ErrorLog:          zap.NewStdLog(s.logger.Desugar()),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("HTTP server listening", logger.FieldAddress, ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.setState(ServerStateStopped)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server failed")
	case <-ctx.Done():
	}

	s.setState(ServerStateDraining)
	s.closeStreams()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warnw("HTTP server did not drain in time", logger.FieldError, err)
		_ = srv.Close()
	}
	s.setState(ServerStateStopped)
	return nil
}

func (s *Server) trackStream(st *stream) func() {
	s.streamsMu.Lock()
	s.streams[st] = struct{}{}
	s.streamsMu.Unlock()
	return func() {
		s.streamsMu.Lock()
		delete(s.streams, st)
		s.streamsMu.Unlock()
	}
}

func (s *Server) closeStreams() {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	for st := range s.streams {
		st.close()
	}
}
