package registry

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/volute/volute/pkg/statefile"
	"github.com/volute/volute/pkg/types"
)

const (
	DefaultPortMin = 4200
	DefaultPortMax = 4399
)

// Registry is the durable record of minds. It owns registry.json and
// variants.json; writes are atomic, and every mutation persists before
// returning. Ports come from the reserved range and are never reused while
// the owning record exists.
type Registry struct {
	mu   sync.Mutex
	home types.Home

	minds    []*types.Mind
	variants []*types.Variant

	portMin int
	portMax int
}

// Open loads the registry from the daemon home. A corrupt registry file is
// fatal: the daemon refuses to come up rather than risk overwriting the
// only copy of the fleet's port assignments.
func Open(home types.Home, portMin, portMax int) (*Registry, error) {
	if portMin == 0 {
		portMin = DefaultPortMin
	}
	if portMax == 0 {
		portMax = DefaultPortMax
	}

	r := &Registry{home: home, portMin: portMin, portMax: portMax}

	if err := statefile.Load(home.RegistryFile(), &r.minds); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("registry corrupt: %w", err)
	}
	if err := statefile.Load(home.VariantsFile(), &r.variants); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("variants store corrupt: %w", err)
	}

	return r, nil
}

// Add creates a new mind record with a freshly allocated port.
func (r *Registry) Add(name string, stage types.MindStage) (*types.Mind, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findLocked(name) != nil {
		return nil, fmt.Errorf("mind %s already exists", name)
	}

	port, err := r.allocatePortLocked()
	if err != nil {
		return nil, err
	}

	m := &types.Mind{
		Name:      name,
		Port:      port,
		Dir:       r.home.MindDir(name),
		Stage:     stage,
		CreatedAt: time.Now(),
	}
	r.minds = append(r.minds, m)

	if err := r.saveMindsLocked(); err != nil {
		r.minds = r.minds[:len(r.minds)-1]
		return nil, err
	}
	return cloneMind(m), nil
}

// Remove deletes a mind record, releasing its port. Variants of the mind
// are removed with it.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, m := range r.minds {
		if m.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("mind %s not found", name)
	}

	r.minds = append(r.minds[:idx], r.minds[idx+1:]...)

	kept := r.variants[:0]
	removedVariants := false
	for _, v := range r.variants {
		if v.Base == name {
			removedVariants = true
			continue
		}
		kept = append(kept, v)
	}
	r.variants = kept

	if err := r.saveMindsLocked(); err != nil {
		return err
	}
	if removedVariants {
		return r.saveVariantsLocked()
	}
	return nil
}

// Get returns a copy of the record for name.
func (r *Registry) Get(name string) (*types.Mind, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m := r.findLocked(name); m != nil {
		return cloneMind(m), true
	}
	return nil, false
}

// List returns copies of every mind record.
func (r *Registry) List() []*types.Mind {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*types.Mind, 0, len(r.minds))
	for _, m := range r.minds {
		out = append(out, cloneMind(m))
	}
	return out
}

// SetRunning records the desired run state for name.
func (r *Registry) SetRunning(name string, running bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.findLocked(name)
	if m == nil {
		return fmt.Errorf("mind %s not found", name)
	}
	if m.Running == running {
		return nil
	}
	m.Running = running
	return r.saveMindsLocked()
}

func (r *Registry) findLocked(name string) *types.Mind {
	for _, m := range r.minds {
		if m.Name == name {
			return m
		}
	}
	return nil
}

func (r *Registry) allocatePortLocked() (int, error) {
	used := make(map[int]bool, len(r.minds)+len(r.variants))
	for _, m := range r.minds {
		used[m.Port] = true
	}
	for _, v := range r.variants {
		used[v.Port] = true
	}

	for p := r.portMin; p <= r.portMax; p++ {
		if !used[p] {
			return p, nil
		}
	}
	return 0, fmt.Errorf("port range %d-%d exhausted", r.portMin, r.portMax)
}

func (r *Registry) saveMindsLocked() error {
	if r.minds == nil {
		r.minds = []*types.Mind{}
	}
	return statefile.Save(r.home.RegistryFile(), r.minds)
}

func cloneMind(m *types.Mind) *types.Mind {
	c := *m
	return &c
}
