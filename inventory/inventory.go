// Package inventory resolves target references to connection metadata.
// Results are cached for the lifetime of one execution and never longer.
package inventory

import (
	"bytes"
	"context"
	"os"
	"sort"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/teranos/stagee/errors"
)

// Target is the live connection metadata for one target reference.
type Target struct {
	Ref    string            `yaml:"ref" json:"ref"`
	Host   string            `yaml:"host" json:"host"`
	Port   int               `yaml:"port,omitempty" json:"port,omitempty"`
	Labels map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Env    map[string]string `yaml:"env,omitempty" json:"-"`
}

// Address returns host:port, or the bare host when no port is known.
func (t *Target) Address() string {
	if t.Port == 0 {
		return t.Host
	}
	return t.Host + ":" + strconv.Itoa(t.Port)
}

// Resolver looks up a target within a tenant.
type Resolver interface {
	Resolve(ctx context.Context, tenantID, ref string) (*Target, error)
}

// Passthrough resolves every reference to a target whose host is the
// reference itself. It is used when no inventory is configured.
type Passthrough struct{}

// Resolve implements Resolver.
func (Passthrough) Resolve(_ context.Context, _ string, ref string) (*Target, error) {
	return &Target{Ref: ref, Host: ref}, nil
}

// file is the on-disk inventory layout:
//
//	tenants:
//	  acme:
//	    - ref: server-01
//	      host: 10.0.0.11
//	      port: 22
type file struct {
	Tenants map[string][]Target `yaml:"tenants"`
}

// StaticResolver serves targets from a YAML file loaded at startup.
type StaticResolver struct {
	mu      sync.RWMutex
	targets map[string]map[string]Target
}

// NewStaticResolver builds a resolver from targets grouped by tenant.
func NewStaticResolver(tenants map[string][]Target) (*StaticResolver, error) {
	r := &StaticResolver{targets: make(map[string]map[string]Target, len(tenants))}
	for tenant, targets := range tenants {
		byRef := make(map[string]Target, len(targets))
		for _, t := range targets {
			if t.Ref == "" {
				return nil, errors.NewValidationError("inventory entry in tenant %s has no ref", tenant)
			}
			if _, dup := byRef[t.Ref]; dup {
				return nil, errors.NewValidationError("inventory ref %s appears twice in tenant %s", t.Ref, tenant)
			}
			if t.Host == "" {
				t.Host = t.Ref
			}
			byRef[t.Ref] = t
		}
		r.targets[tenant] = byRef
	}
	return r, nil
}

// LoadFile reads a YAML inventory.
func LoadFile(path string) (*StaticResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read inventory %s", path)
	}
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Wrapf(err, "failed to parse inventory %s", path)
	}
	return NewStaticResolver(f.Tenants)
}

// Resolve implements Resolver. Unknown references are not found.
func (r *StaticResolver) Resolve(_ context.Context, tenantID, ref string) (*Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[tenantID][ref]
	if !ok {
		return nil, errors.NewNotFoundError("target %s not found in tenant %s inventory", ref, tenantID)
	}
	return &t, nil
}

// Refs lists the references known for a tenant, sorted.
func (r *StaticResolver) Refs(tenantID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.targets[tenantID]))
	for ref := range r.targets[tenantID] {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Cache memoizes lookups for a single execution. Create one per run.
type Cache struct {
	resolver Resolver
	tenantID string

	mu      sync.Mutex
	targets map[string]*Target
}

// NewCache wraps resolver for one execution of tenantID.
func NewCache(resolver Resolver, tenantID string) *Cache {
	return &Cache{resolver: resolver, tenantID: tenantID, targets: make(map[string]*Target)}
}

// Resolve returns the cached target or asks the underlying resolver.
func (c *Cache) Resolve(ctx context.Context, ref string) (*Target, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.targets[ref]; ok {
		return t, nil
	}
	t, err := c.resolver.Resolve(ctx, c.tenantID, ref)
	if err != nil {
		return nil, err
	}
	c.targets[ref] = t
	return t, nil
}
