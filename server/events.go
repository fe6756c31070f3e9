package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/execution"
	"github.com/teranos/stagee/logger"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000

	// sseHeartbeat keeps idle proxies from closing the stream.
	sseHeartbeat = 15 * time.Second
)

// EventsResponse is one page of the event log.
type EventsResponse struct {
	Events []execution.Event `json:"events"`
	// NextAfter is the seq to pass as ?after= for the next page.
	NextAfter int64 `json:"next_after"`
	// Completed is set once the terminal event has been returned.
	Completed bool `json:"completed"`
}

// stream is one open SSE or WebSocket subscription.
type stream struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (st *stream) close() {
	st.once.Do(st.cancel)
}

// openStream authorizes the subscription and registers it for shutdown.
func (s *Server) openStream(r *http.Request, transport string) (context.Context, func(), error) {
	if _, err := s.engine.Authorize(r.Context(), r.PathValue("id"), actorFrom(r.Context())); err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithCancel(r.Context())
	st := &stream{cancel: cancel}
	untrack := s.trackStream(st)
	gauge := s.metrics.EventSubscriptionsActive.WithLabelValues(transport)
	gauge.Inc()
	return ctx, func() {
		st.close()
		untrack()
		gauge.Dec()
	}, nil
}

// HandleEventsPoll returns events with seq greater than ?after=.
func (s *Server) HandleEventsPoll(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r, "after", 0)
	if err != nil {
		writeDomainError(w, s.logger, errors.NewValidationError("%v", err))
		return
	}
	limit, err := queryInt(r, "limit", defaultEventLimit)
	if err != nil {
		writeDomainError(w, s.logger, errors.NewValidationError("%v", err))
		return
	}
	if limit == 0 || limit > maxEventLimit {
		limit = maxEventLimit
	}

	events, err := s.engine.Events(r.Context(), r.PathValue("id"), actorFrom(r.Context()), after, int(limit))
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	resp := EventsResponse{Events: events, NextAfter: after}
	if n := len(events); n > 0 {
		resp.NextAfter = events[n-1].Seq
		resp.Completed = events[n-1].Type == execution.EventCompleted
	}
	if resp.Events == nil {
		resp.Events = []execution.Event{}
	}
	_ = writeJSON(w, http.StatusOK, resp)
}

// lastEventID resolves the resume point from Last-Event-ID or ?after=.
func lastEventID(r *http.Request) (int64, error) {
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seq < 0 {
			return 0, errors.NewValidationError("Last-Event-ID must be an event seq")
		}
		return seq, nil
	}
	after, err := queryInt(r, "after", 0)
	if err != nil {
		return 0, errors.NewValidationError("%v", err)
	}
	return after, nil
}

// HandleEventsSSE streams events as server-sent events. Each event carries
// its seq as the SSE id, so a reconnecting EventSource resumes without gaps.
// The stream ends after the terminal event.
func (s *Server) HandleEventsSSE(w http.ResponseWriter, r *http.Request) {
	after, err := lastEventID(r)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ctx, done, err := s.openStream(r, "sse")
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	defer done()

	executionID := r.PathValue("id")
	log := s.logger.With(logger.FieldExecutionID, executionID, "transport", "sse")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	events := s.events.Subscribe(ctx, executionID, after)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Warnw("Failed to encode event", logger.FieldError, err)
				return
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data); err != nil {
				log.Debugw("SSE client went away", logger.FieldError, err)
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
