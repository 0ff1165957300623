// Package replies holds the user-facing message templates. Defaults are
// embedded; a YAML file can override any of them.
package replies

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed replies.yaml
var defaults []byte

type Set struct {
	templates map[string]string
}

// Default returns the embedded templates.
func Default() *Set {
	s, err := parse(defaults)
	if err != nil {
		panic(fmt.Sprintf("embedded replies.yaml is invalid: %v", err))
	}
	return s
}

// Load reads overrides from path, or from REPLIES_FILE when path is empty,
// on top of the embedded defaults. Without either it returns the defaults.
func Load(path string) (*Set, error) {
	if path == "" {
		path = os.Getenv("REPLIES_FILE")
	}
	s := Default()
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read replies file %s: %w", path, err)
	}
	overrides, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse replies file %s: %w", path, err)
	}
	for k, v := range overrides.templates {
		s.templates[k] = v
	}
	return s, nil
}

func parse(data []byte) (*Set, error) {
	parsed := make(map[string]string)
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	return &Set{templates: parsed}, nil
}

func (s *Set) Get(key string) string {
	return s.templates[key]
}

func (s *Set) MustGet(key string) string {
	val := s.Get(key)
	if val == "" {
		panic(fmt.Sprintf("reply %q not found in replies.yaml", key))
	}
	return val
}

// Format fills the template for key.
func (s *Set) Format(key string, args ...any) string {
	return fmt.Sprintf(s.MustGet(key), args...)
}

// All returns a copy of every template.
func (s *Set) All() map[string]string {
	cp := make(map[string]string, len(s.templates))
	for k, v := range s.templates {
		cp[k] = v
	}
	return cp
}
