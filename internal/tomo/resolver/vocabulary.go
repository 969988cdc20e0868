package resolver

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed vocabulary.yaml
var defaultVocabularyYAML []byte

// Rule is one deterministic phrase rule. Either Match (whole-message
// equality after normalization) or Prefix (message starts with the phrase,
// remainder captured into Arg) must be set.
type Rule struct {
	// Kind is an action kind, or the meta keyword "pending".
	Kind string `yaml:"kind"`

	Match  []string `yaml:"match,omitempty"`
	Prefix []string `yaml:"prefix,omitempty"`

	// Arg names the argument the prefix remainder is captured into.
	Arg string `yaml:"arg,omitempty"`
}

// Vocabulary is the phrase set driving the deterministic resolver layer.
type Vocabulary struct {
	Affirmations []string `yaml:"affirmations"`
	Refusals     []string `yaml:"refusals"`
	Rules        []Rule   `yaml:"rules"`

	affirm map[string]struct{}
	refuse map[string]struct{}
}

// DefaultVocabulary returns the embedded vocabulary.
func DefaultVocabulary() (*Vocabulary, error) {
	return parseVocabulary(defaultVocabularyYAML)
}

// LoadVocabulary reads a vocabulary file, replacing the embedded default.
func LoadVocabulary(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocabulary file: %w", err)
	}
	v, err := parseVocabulary(data)
	if err != nil {
		return nil, fmt.Errorf("invalid vocabulary file %s: %w", path, err)
	}
	return v, nil
}

func parseVocabulary(data []byte) (*Vocabulary, error) {
	var v Vocabulary
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to parse vocabulary: %w", err)
	}
	if len(v.Affirmations) == 0 || len(v.Refusals) == 0 {
		return nil, fmt.Errorf("vocabulary must define both affirmations and refusals")
	}

	v.affirm = make(map[string]struct{}, len(v.Affirmations))
	for _, w := range v.Affirmations {
		v.affirm[normalize(w)] = struct{}{}
	}
	v.refuse = make(map[string]struct{}, len(v.Refusals))
	for _, w := range v.Refusals {
		v.refuse[normalize(w)] = struct{}{}
	}
	return &v, nil
}

// IsAffirmation reports whether the normalized message is an affirmation.
func (v *Vocabulary) IsAffirmation(text string) bool {
	_, ok := v.affirm[normalize(text)]
	return ok
}

// IsRefusal reports whether the normalized message is a refusal.
func (v *Vocabulary) IsRefusal(text string) bool {
	_, ok := v.refuse[normalize(text)]
	return ok
}
