package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/teranos/stagee/authz"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	_ = writeJSON(w, status, errorResponse{Error: message})
}

// maxBodyBytes bounds request bodies; plans are small documents.
const maxBodyBytes = 1 << 20

// readJSON decodes an optional JSON request body. An empty body leaves v
// untouched.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return err
	}
	return nil
}

// queryInt parses an integer query parameter, returning def when absent.
func queryInt(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("query parameter %s must be a non-negative integer", name)
	}
	return v, nil
}

type contextKey string

const actorContextKey contextKey = "actor"

func withActor(ctx context.Context, actor *authz.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

// actorFrom returns the authenticated actor. Only valid behind requireActor.
func actorFrom(ctx context.Context) *authz.Actor {
	actor, _ := ctx.Value(actorContextKey).(*authz.Actor)
	return actor
}
