package instrument

import (
	"sort"
	"strings"
	"sync"
)

// Factory builds an unbound driver for a registry id.
type Factory func(model string, opts ...Option) Driver

// Registry maps model ids to driver factories. Ids are matched without
// regard to case.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry preloaded with the built-in models.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	modelA := func(model string, opts ...Option) Driver { return NewModelA(model, opts...) }
	modelB := func(model string, opts ...Option) Driver { return NewModelB(model, opts...) }
	for _, id := range []string{"1903X", "HIPOT_32", "11210K"} {
		r.Register(id, modelA)
	}
	for _, id := range []string{"1905X", "HIPOT_53"} {
		r.Register(id, modelB)
	}
	return r
}

func normalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// Register adds or replaces the factory for id.
func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[normalizeID(id)] = f
}

// IsDeviceTypeSupported reports whether id has a registered factory.
func (r *Registry) IsDeviceTypeSupported(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[normalizeID(id)]
	return ok
}

// CreateDriver returns a new unbound driver for id.
func (r *Registry) CreateDriver(id string, opts ...Option) (Driver, error) {
	key := normalizeID(id)
	r.mu.RLock()
	f, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnsupportedDeviceTypeError{ModelID: id}
	}
	return f(key, opts...), nil
}

// Models lists registered ids in sorted order.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
