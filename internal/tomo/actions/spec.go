package actions

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Spec carries the per-kind metadata consumed by the planner (argument
// schema), the gateway (sensitivity classification) and the confirmation
// flow (preview rendering).
type Spec struct {
	// Kind is the action this spec describes.
	Kind Kind

	// Category selects the routed executor used when no primary handler is
	// registered for the kind.
	Category Category

	// Sensitive marks actions whose effects are costly or hard to reverse
	// (moving money, sending mail on the user's behalf, registering a binding
	// document).  Sensitive actions are never executed without an explicit
	// confirmation.
	Sensitive bool

	// Description is the one-line summary shown in the planner's action
	// catalogue and in help output.
	Description string

	// Schema is the JSON Schema source for the action's arguments.
	Schema string

	// PreviewFunc renders the human-readable preview for a normalized
	// argument map.  Required for sensitive kinds.
	PreviewFunc func(args map[string]string) string

	compiled *jsonschema.Schema
}

// compile parses the argument schema.  Called once when the spec is added to
// a registry.
func (s *Spec) compile() error {
	if strings.TrimSpace(s.Schema) == "" {
		return fmt.Errorf("spec %s: empty argument schema", s.Kind)
	}
	compiled, err := jsonschema.CompileString(string(s.Kind)+".schema.json", s.Schema)
	if err != nil {
		return fmt.Errorf("spec %s: compile argument schema: %w", s.Kind, err)
	}
	s.compiled = compiled
	return nil
}

// ValidateArgs checks raw argument values against the spec's schema.
// The returned error is suitable for feeding back to the planner verbatim.
func (s *Spec) ValidateArgs(args map[string]any) error {
	if s.compiled == nil {
		return fmt.Errorf("spec %s: schema not compiled (spec not registered?)", s.Kind)
	}
	// jsonschema expects decoded-JSON shapes; a nil map is an empty object.
	v := make(map[string]any, len(args))
	for k, val := range args {
		v[k] = val
	}
	if err := s.compiled.Validate(v); err != nil {
		return fmt.Errorf("arguments for %s: %w", s.Kind, err)
	}
	return nil
}

// Preview renders the user-facing description of what the action will do.
// Falls back to a generic rendering when no preview function is set.
func (s *Spec) Preview(args map[string]string) string {
	if s.PreviewFunc != nil {
		return s.PreviewFunc(args)
	}
	var sb strings.Builder
	sb.WriteString(string(s.Kind))
	for _, k := range sortedKeys(args) {
		fmt.Fprintf(&sb, " %s=%s", k, args[k])
	}
	return sb.String()
}
