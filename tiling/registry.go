package tiling

import (
	"fmt"

	"github.com/pdok/tegel/mapslicehelp"
)

// RegistryBuilder collects schemes at startup. Build it once and hand the Registry around.
type RegistryBuilder struct {
	schemes map[string]Scheme
}

// NewRegistryBuilder starts with the builtin schemes.
func NewRegistryBuilder() *RegistryBuilder {
	b := &RegistryBuilder{schemes: make(map[string]Scheme)}
	for _, s := range BuiltinSchemes() {
		b.schemes[s.ID()] = s
	}
	return b
}

func (b *RegistryBuilder) Register(s Scheme) error {
	if s.ID() == "" {
		return fmt.Errorf("cannot register a zero tiling scheme")
	}
	if _, exists := b.schemes[s.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateScheme, s.ID())
	}
	b.schemes[s.ID()] = s
	return nil
}

func (b *RegistryBuilder) Build() *Registry {
	schemes := make(map[string]Scheme, len(b.schemes))
	for id, s := range b.schemes {
		schemes[id] = s
	}
	return &Registry{schemes: schemes, ids: mapslicehelp.SortedKeys(schemes)}
}

// Registry is a read-only lookup of tiling schemes by id.
type Registry struct {
	schemes map[string]Scheme
	ids     []string
}

func (r *Registry) Get(id string) (Scheme, error) {
	s, ok := r.schemes[id]
	if !ok {
		return Scheme{}, fmt.Errorf("%w: tiling scheme %q", ErrNotFound, id)
	}
	return s, nil
}

// IDs returns the registered scheme ids, sorted.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.ids...)
}
