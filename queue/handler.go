package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Handler processes the entries routed to its name.
//
// Handlers should check lease.Lost() between units of work and stop with
// errors.ErrLeaseLost once it is closed: another worker may already own the
// entry. A handler that wants the entry back later without spending an
// attempt returns a DeferError.
type Handler interface {
	Name() string
	Handle(ctx context.Context, entry *Entry, lease *Lease) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, entry *Entry, lease *Lease) error
}

func (h HandlerFunc) Name() string { return h.HandlerName }

func (h HandlerFunc) Handle(ctx context.Context, entry *Entry, lease *Lease) error {
	return h.Fn(ctx, entry, lease)
}

// HandlerRegistry manages handlers by name. Safe for concurrent use.
type HandlerRegistry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register adds a handler using its name.
// Panics if a handler is already registered with that name.
func (r *HandlerRegistry) Register(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("handler already registered for name: %s", name))
	}
	r.handlers[name] = handler
}

// Get retrieves the handler for name, or nil.
func (r *HandlerRegistry) Get(name string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

// Names returns all registered handler names, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DeferError asks the worker to release the entry without consuming an attempt.
type DeferError struct {
	After  time.Duration
	Reason string
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("deferred for %s: %s", e.After, e.Reason)
}

// Deferred returns a DeferError.
func Deferred(after time.Duration, reason string) error {
	return &DeferError{After: after, Reason: reason}
}

// Lease is a worker's hold on one entry while its handler runs.
type Lease struct {
	entry *Entry
	lost  chan struct{}
	once  sync.Once

	mu       sync.Mutex
	renewals int
}

func newLease(e *Entry) *Lease {
	return &Lease{entry: e, lost: make(chan struct{})}
}

// Entry returns the leased entry as dequeued.
func (l *Lease) Entry() *Entry { return l.entry }

// Lost is closed once the worker can no longer keep the lease.
func (l *Lease) Lost() <-chan struct{} { return l.lost }

// IsLost reports whether Lost is closed.
func (l *Lease) IsLost() bool {
	select {
	case <-l.lost:
		return true
	default:
		return false
	}
}

// Renewals returns how many times the heartbeat renewed the lease.
func (l *Lease) Renewals() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renewals
}

func (l *Lease) markLost() {
	l.once.Do(func() { close(l.lost) })
}

func (l *Lease) renewed() {
	l.mu.Lock()
	l.renewals++
	l.mu.Unlock()
}
