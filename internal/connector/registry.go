package connector

import (
	"fmt"
	"sync"

	"github.com/pytredb/pytre/internal/model"
)

// Factory creates a new Connector instance.
type Factory func() Connector

// Registry maps server kinds to connector factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[model.ServerKind]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[model.ServerKind]Factory)}
}

// Register adds a connector factory for a server kind.
func (r *Registry) Register(kind model.ServerKind, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Open creates and connects a connector for the given server.
func (r *Registry) Open(cfg Config) (Connector, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Server.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported server kind %q (available: %v)", cfg.Server.Kind, r.kinds())
	}

	conn := factory()
	if err := conn.Connect(cfg); err != nil {
		return nil, fmt.Errorf("connect server %q: %w", cfg.Server.ID, err)
	}
	return conn, nil
}

func (r *Registry) kinds() []model.ServerKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]model.ServerKind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	return kinds
}
