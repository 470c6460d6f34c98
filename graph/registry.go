package graph

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hupe1980/agentgraph/core"
)

// DefaultRegistrySize bounds the number of snapshot versions kept in memory.
const DefaultRegistrySize = 32

// Registry holds compiled snapshots keyed by version. It is an explicit value
// passed to whoever needs it; nothing in agentgraph keeps a process wide
// snapshot store. Least recently used versions are evicted once the registry
// is full.
type Registry struct {
	cache *lru.Cache[string, *Snapshot]
}

// NewRegistry creates a registry holding at most size snapshots.
func NewRegistry(size int) (*Registry, error) {
	if size <= 0 {
		size = DefaultRegistrySize
	}

	cache, err := lru.New[string, *Snapshot](size)
	if err != nil {
		return nil, fmt.Errorf("create snapshot cache: %w", err)
	}

	return &Registry{cache: cache}, nil
}

// Put stores s under its version, replacing any previous snapshot with the
// same version.
func (r *Registry) Put(s *Snapshot) {
	r.cache.Add(s.Version(), s)
}

// Get returns the snapshot for version.
func (r *Registry) Get(version string) (*Snapshot, error) {
	s, ok := r.cache.Get(version)
	if !ok {
		return nil, core.NewError(core.KindConfiguration, "snapshot version %q not loaded", version)
	}
	return s, nil
}

// Remove evicts a version. It reports whether the version was present.
func (r *Registry) Remove(version string) bool { return r.cache.Remove(version) }

// Versions lists loaded versions from oldest to newest use.
func (r *Registry) Versions() []string { return r.cache.Keys() }

// Len returns the number of loaded snapshots.
func (r *Registry) Len() int { return r.cache.Len() }
