package actions

import (
	"fmt"
	"sort"
)

// Registry maps each action kind to its spec and executors: an optional
// primary handler, an optional per-kind legacy executor, and a routed
// executor per category.  Lookup never invents handlers — resolution order
// and fallback semantics live in the gateway.
type Registry struct {
	specs   map[Kind]*Spec
	primary map[Kind]Handler
	legacy  map[Kind]Handler
	routed  map[Category]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		specs:   make(map[Kind]*Spec),
		primary: make(map[Kind]Handler),
		legacy:  make(map[Kind]Handler),
		routed:  make(map[Category]Handler),
	}
}

// Add registers a spec, compiling its argument schema.
func (r *Registry) Add(spec *Spec) error {
	if _, err := ParseKind(string(spec.Kind)); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if _, dup := r.specs[spec.Kind]; dup {
		return fmt.Errorf("registry: duplicate spec for %s", spec.Kind)
	}
	if err := spec.compile(); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	r.specs[spec.Kind] = spec
	return nil
}

// RegisterPrimary attaches the fast-path handler for a kind.
func (r *Registry) RegisterPrimary(kind Kind, h Handler) {
	r.primary[kind] = h
}

// RegisterLegacy attaches the designated legacy executor for a kind.
// It is only reachable through an explicit FallbackLegacy hand-off.
func (r *Registry) RegisterLegacy(kind Kind, h Handler) {
	r.legacy[kind] = h
}

// RegisterRouted attaches the capability-specific executor for a category.
func (r *Registry) RegisterRouted(category Category, h Handler) {
	r.routed[category] = h
}

// Spec returns the spec for a kind.
func (r *Registry) Spec(kind Kind) (*Spec, error) {
	spec, ok := r.specs[kind]
	if !ok {
		return nil, fmt.Errorf("registry: no spec for action kind %q", kind)
	}
	return spec, nil
}

// Primary returns the primary handler for a kind, if registered.
func (r *Registry) Primary(kind Kind) (Handler, bool) {
	h, ok := r.primary[kind]
	return h, ok
}

// Legacy returns the legacy executor for a kind, if registered.
func (r *Registry) Legacy(kind Kind) (Handler, bool) {
	h, ok := r.legacy[kind]
	return h, ok
}

// Routed returns the routed executor for a category, if registered.
func (r *Registry) Routed(category Category) (Handler, bool) {
	h, ok := r.routed[category]
	return h, ok
}

// Validate checks the registry for completeness.  Called once at startup so
// a misconfigured action is a boot failure, not a runtime surprise:
//   - every known kind has a spec,
//   - every kind is reachable through a primary handler or its category's
//     routed executor,
//   - every sensitive kind can render a preview.
func (r *Registry) Validate() error {
	for _, kind := range Kinds() {
		spec, ok := r.specs[kind]
		if !ok {
			return fmt.Errorf("registry: missing spec for %s", kind)
		}
		if _, hasPrimary := r.primary[kind]; !hasPrimary {
			if _, hasRouted := r.routed[spec.Category]; !hasRouted {
				return fmt.Errorf("registry: %s is unreachable: no primary handler and no routed executor for category %q",
					kind, spec.Category)
			}
		}
		if spec.Sensitive && spec.PreviewFunc == nil {
			return fmt.Errorf("registry: sensitive action %s has no preview", kind)
		}
	}
	return nil
}

// Catalogue returns all specs sorted by kind, for the planner's action
// catalogue and help output.
func (r *Registry) Catalogue() []*Spec {
	specs := make([]*Spec, 0, len(r.specs))
	for _, spec := range r.specs {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Kind < specs[j].Kind })
	return specs
}
