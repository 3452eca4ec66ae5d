package pipeline

import (
	"fmt"

	"github.com/rowforge/rowforge/pkg/models"
)

// Registry maps node kinds to their processors. Built once at startup; a
// malformed registration is a programming error and fails construction.
type Registry struct {
	processors map[models.NodeType]Processor
}

// NewRegistry builds a registry from the given processors.
func NewRegistry(processors ...Processor) (*Registry, error) {
	r := &Registry{processors: make(map[models.NodeType]Processor)}
	for _, p := range processors {
		if _, ok := r.processors[p.Kind()]; ok {
			return nil, fmt.Errorf("duplicate processor registered for kind %q", p.Kind())
		}
		if len(p.CacheWriteFields()) > 0 && len(p.CacheMatchFields()) == 0 {
			return nil, fmt.Errorf("kind %q declares cache write fields without match fields", p.Kind())
		}
		r.processors[p.Kind()] = p
	}
	return r, nil
}

// Get returns the processor for a kind.
func (r *Registry) Get(kind models.NodeType) (Processor, error) {
	p, ok := r.processors[kind]
	if !ok {
		return nil, fmt.Errorf("no processor registered for kind %q", kind)
	}
	return p, nil
}
