// Package artifact stores step output that does not fit in an execution's
// result summary. Stores return an opaque reference that is persisted as
// result_ref.
package artifact

import (
	"context"
	"strings"
	"sync"

	"github.com/teranos/stagee/errors"
)

// Store persists result blobs.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// ResultKey is the object key for an execution's full result.
func ResultKey(tenantID, executionID string) string {
	return tenantID + "/" + executionID + "/result.txt"
}

const memoryScheme = "mem://"

// MemoryStore keeps results in process memory. Results do not survive a
// restart; use it only when no object store is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, key string, data []byte) (string, error) {
	if key == "" {
		return "", errors.New("artifact key is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return memoryScheme + key, nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, ref string) ([]byte, error) {
	key, ok := strings.CutPrefix(ref, memoryScheme)
	if !ok {
		return nil, errors.Newf("reference %q does not belong to the memory store", ref)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.NewNotFoundError("artifact %s not found", ref)
	}
	return append([]byte(nil), data...), nil
}
