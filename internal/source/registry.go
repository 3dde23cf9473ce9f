// Package source holds the static catalog of external data sources.
package source

import (
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/market-intel/internal/model"
)

// ErrUnknownSource is returned by Get when no source has the requested id.
var ErrUnknownSource = errors.New("unknown source")

// Filter restricts List results. Zero fields match everything.
type Filter struct {
	Category      model.Category
	Categories    []model.Category
	TierAtOrAbove model.Tier
	EnabledOnly   bool
}

func (f Filter) matches(d model.SourceDescriptor) bool {
	if f.Category != "" && d.Category != f.Category {
		return false
	}
	if len(f.Categories) > 0 {
		found := false
		for _, c := range f.Categories {
			if d.Category == c {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.TierAtOrAbove != 0 && !d.Tier.AtOrAbove(f.TierAtOrAbove) {
		return false
	}
	if f.EnabledOnly && !d.Enabled {
		return false
	}
	return true
}

// Registry maps source ids to descriptors. It is immutable after construction
// and safe for concurrent reads.
type Registry struct {
	sources map[string]model.SourceDescriptor
	order   []string // declaration order for deterministic iteration
}

// NewRegistry validates descriptors and builds a registry in declaration order.
func NewRegistry(descs []model.SourceDescriptor) (*Registry, error) {
	r := &Registry{
		sources: make(map[string]model.SourceDescriptor, len(descs)),
	}
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.sources[d.ID]; dup {
			return nil, eris.Errorf("source: duplicate id %q", d.ID)
		}
		r.sources[d.ID] = d.Clone()
		r.order = append(r.order, d.ID)
	}
	return r, nil
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (model.SourceDescriptor, error) {
	d, ok := r.sources[id]
	if !ok {
		return model.SourceDescriptor{}, eris.Wrapf(ErrUnknownSource, "source: %q", id)
	}
	return d.Clone(), nil
}

// List returns descriptors matching f in declaration order.
func (r *Registry) List(f Filter) []model.SourceDescriptor {
	out := make([]model.SourceDescriptor, 0, len(r.order))
	for _, id := range r.order {
		d := r.sources[id]
		if f.matches(d) {
			out = append(out, d.Clone())
		}
	}
	return out
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	return len(r.order)
}

// IDs returns all source ids in declaration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
