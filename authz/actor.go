// Package authz resolves bearer credentials to actors and enforces tenant
// isolation and action-class permissions.
package authz

import (
	"context"
	"crypto/subtle"
	"sync"

	"github.com/teranos/stagee/am"
	"github.com/teranos/stagee/errors"
)

// Wildcard grants every execute permission.
const Wildcard = "execute:*"

// Actor is an authenticated principal.
type Actor struct {
	ID          string   `json:"actor_id"`
	TenantID    string   `json:"tenant_id"`
	Permissions []string `json:"permissions"`
	AuthMethod  string   `json:"auth_method"`
}

// Has reports whether the actor holds perm directly or through the wildcard.
func (a *Actor) Has(perm string) bool {
	for _, p := range a.Permissions {
		if p == perm || p == Wildcard {
			return true
		}
	}
	return false
}

// Resolver turns a bearer credential into an actor.
type Resolver interface {
	Resolve(ctx context.Context, bearer string) (*Actor, error)
}

// Directory looks up the current state of a known actor. The gate uses it at
// execution time so permission changes after intake take effect.
type Directory interface {
	Lookup(ctx context.Context, tenantID, actorID string) (*Actor, error)
}

// Auth methods recorded on actors and approvals.
const (
	AuthMethodStatic = "static_token"
	AuthMethodOIDC   = "oidc"
)

type tokenEntry struct {
	token []byte
	actor Actor
}

// StaticResolver authenticates configured bearer tokens. It doubles as the
// actor directory.
type StaticResolver struct {
	mu     sync.RWMutex
	tokens []tokenEntry
	actors map[string]Actor
}

// NewStaticResolver builds a resolver from configured tokens.
func NewStaticResolver(tokens []am.TokenConfig) *StaticResolver {
	r := &StaticResolver{actors: make(map[string]Actor)}
	for _, t := range tokens {
		r.Put(t.Token, Actor{ID: t.ActorID, TenantID: t.TenantID, Permissions: t.Permissions})
	}
	return r
}

func directoryKey(tenantID, actorID string) string {
	return tenantID + "\x00" + actorID
}

// Put registers or replaces an actor. An empty token updates the directory
// entry only.
func (r *StaticResolver) Put(token string, actor Actor) {
	actor.AuthMethod = AuthMethodStatic
	actor.Permissions = append([]string(nil), actor.Permissions...)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.actors[directoryKey(actor.TenantID, actor.ID)] = actor
	if token == "" {
		return
	}
	for i := range r.tokens {
		if subtle.ConstantTimeCompare(r.tokens[i].token, []byte(token)) == 1 {
			r.tokens[i].actor = actor
			return
		}
	}
	r.tokens = append(r.tokens, tokenEntry{token: []byte(token), actor: actor})
}

// Remove drops an actor from the directory and revokes its tokens.
func (r *StaticResolver) Remove(tenantID, actorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.actors, directoryKey(tenantID, actorID))
	kept := r.tokens[:0]
	for _, t := range r.tokens {
		if t.actor.TenantID != tenantID || t.actor.ID != actorID {
			kept = append(kept, t)
		}
	}
	r.tokens = kept
}

// Resolve compares bearer against every configured token in constant time.
func (r *StaticResolver) Resolve(_ context.Context, bearer string) (*Actor, error) {
	if bearer == "" {
		return nil, errors.NewUnauthorizedError("missing bearer token")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var match *Actor
	for i := range r.tokens {
		if subtle.ConstantTimeCompare(r.tokens[i].token, []byte(bearer)) == 1 {
			a := r.tokens[i].actor
			match = &a
		}
	}
	if match == nil {
		return nil, errors.NewUnauthorizedError("unknown bearer token")
	}
	// Tokens may outlive a directory update; the directory wins.
	if current, ok := r.actors[directoryKey(match.TenantID, match.ID)]; ok {
		return &current, nil
	}
	return nil, errors.NewUnauthorizedError("actor %s is no longer registered", match.ID)
}

// Lookup returns the current directory entry.
func (r *StaticResolver) Lookup(_ context.Context, tenantID, actorID string) (*Actor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actors[directoryKey(tenantID, actorID)]
	if !ok {
		return nil, errors.NewNotFoundError("actor %s not found in tenant %s", actorID, tenantID)
	}
	return &a, nil
}

// ChainResolver tries each resolver in order and returns the first actor.
type ChainResolver []Resolver

// Resolve implements Resolver.
func (c ChainResolver) Resolve(ctx context.Context, bearer string) (*Actor, error) {
	var last error
	for _, r := range c {
		a, err := r.Resolve(ctx, bearer)
		if err == nil {
			return a, nil
		}
		last = err
	}
	if last == nil {
		last = errors.NewUnauthorizedError("no identity resolver configured")
	}
	return nil, last
}

// Remembering records every actor its Resolver authenticates in Directory, so
// actors from an external identity provider can be looked up again when their
// execution starts. The latest token wins.
type Remembering struct {
	Resolver  Resolver
	Directory *StaticResolver
}

// Resolve implements Resolver.
func (r Remembering) Resolve(ctx context.Context, bearer string) (*Actor, error) {
	a, err := r.Resolver.Resolve(ctx, bearer)
	if err != nil {
		return nil, err
	}
	method := a.AuthMethod
	r.Directory.Put("", *a)
	a.AuthMethod = method
	return a, nil
}
