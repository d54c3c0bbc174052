package instance

import (
	"fmt"
	"sync"

	"github.com/samber/lo"
)

// Registry is the explicit set of instances an agent manages, indexed by
// instance id. It replaces any ambient process-wide map: components that need
// lookups hold a reference to a Registry constructed at process start.
type Registry struct {
	mu        sync.Mutex
	instances map[string]*Instance
}

func NewRegistry() *Registry {
	return &Registry{
		mu:        sync.Mutex{},
		instances: make(map[string]*Instance),
	}
}

func (r *Registry) Add(inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instances[inst.ID]; exists {
		return fmt.Errorf("instance %s already registered", inst.ID)
	}
	r.instances[inst.ID] = inst
	return nil
}

func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// Remove drops the instance from the registry. The instance's own resources
// are not touched; release them via Manager.Undefine first.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, id)
}

func (r *Registry) List() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Values(r.instances)
}
