package connectors

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps connector ids to their registrations. It is populated at
// startup and handed to the dispatcher.
type Registry struct {
	mu   sync.RWMutex
	regs map[string]Registration
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{regs: make(map[string]Registration)}
}

type validator interface {
	validate() error
}

// Register adds a connector. Empty and duplicate ids are rejected, as are
// connectors missing a required function.
func (r *Registry) Register(reg Registration) error {
	id := reg.Info().ID
	if id == "" {
		return fmt.Errorf("connectors.Register: empty connector id")
	}
	if v, ok := reg.(validator); ok {
		if err := v.validate(); err != nil {
			return fmt.Errorf("connectors.Register: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.regs[id]; exists {
		return fmt.Errorf("connectors.Register: connector %q already registered", id)
	}
	r.regs[id] = reg
	return nil
}

// Get returns the registration for id.
func (r *Registry) Get(id string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConnector, id)
	}
	return reg, nil
}

// List returns every registered connector ordered by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.regs))
	for _, reg := range r.regs {
		out = append(out, reg.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
