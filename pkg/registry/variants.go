package registry

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/volute/volute/pkg/statefile"
	"github.com/volute/volute/pkg/types"
)

// AddVariant creates a variant of an existing base mind, with its own port
// and directory under the base mind's tree.
func (r *Registry) AddVariant(base, name string) (*types.Variant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findLocked(base) == nil {
		return nil, fmt.Errorf("base mind %s not found", base)
	}
	if r.findVariantLocked(base, name) != nil {
		return nil, fmt.Errorf("variant %s already exists", types.CompositeName(base, name))
	}

	port, err := r.allocatePortLocked()
	if err != nil {
		return nil, err
	}

	v := &types.Variant{
		Base:      base,
		Name:      name,
		Port:      port,
		Dir:       filepath.Join(r.home.MindDir(base), "variants", name),
		CreatedAt: time.Now(),
	}
	r.variants = append(r.variants, v)

	if err := r.saveVariantsLocked(); err != nil {
		r.variants = r.variants[:len(r.variants)-1]
		return nil, err
	}
	return cloneVariant(v), nil
}

// RemoveVariant deletes a variant record, releasing its port.
func (r *Registry) RemoveVariant(base, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, v := range r.variants {
		if v.Base == base && v.Name == name {
			r.variants = append(r.variants[:i], r.variants[i+1:]...)
			return r.saveVariantsLocked()
		}
	}
	return fmt.Errorf("variant %s not found", types.CompositeName(base, name))
}

// GetVariant returns a copy of the variant record.
func (r *Registry) GetVariant(base, name string) (*types.Variant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v := r.findVariantLocked(base, name); v != nil {
		return cloneVariant(v), true
	}
	return nil, false
}

// ListVariants returns copies of every variant of base.
func (r *Registry) ListVariants(base string) []*types.Variant {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*types.Variant
	for _, v := range r.variants {
		if v.Base == base {
			out = append(out, cloneVariant(v))
		}
	}
	return out
}

func (r *Registry) findVariantLocked(base, name string) *types.Variant {
	for _, v := range r.variants {
		if v.Base == base && v.Name == name {
			return v
		}
	}
	return nil
}

func (r *Registry) saveVariantsLocked() error {
	if r.variants == nil {
		r.variants = []*types.Variant{}
	}
	return statefile.Save(r.home.VariantsFile(), r.variants)
}

func cloneVariant(v *types.Variant) *types.Variant {
	c := *v
	return &c
}
