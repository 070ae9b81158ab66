package language

import (
	"fmt"
	"sort"
	"strings"

	appErr "codesandbox/pkg/errors"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/shlex"
)

// Override replaces parts of a built-in language definition.
// Command templates are split into argv with shell quoting rules but never run through a shell.
type Override struct {
	Image   string   `yaml:"image"`
	Compile string   `yaml:"compile"`
	Run     string   `yaml:"run"`
	Env     []string `yaml:"env"`
}

// Registry resolves language identifiers and aliases to definitions.
type Registry struct {
	languages map[ID]Language
	aliases   map[string]ID
	supported mapset.Set[ID]
}

// NewRegistry builds a registry limited to the supported ids. An empty list enables every built-in.
func NewRegistry(supported []string, overrides map[string]Override) (*Registry, error) {
	r := &Registry{
		languages: make(map[ID]Language),
		aliases:   make(map[string]ID),
		supported: mapset.NewSet[ID](),
	}
	for _, lang := range builtins() {
		r.languages[lang.ID] = lang
		r.aliases[string(lang.ID)] = lang.ID
		for _, alias := range lang.Aliases {
			r.aliases[alias] = lang.ID
		}
	}

	for name, override := range overrides {
		id, ok := r.lookup(name)
		if !ok {
			return nil, fmt.Errorf("override for unknown language %q", name)
		}
		lang, err := applyOverride(r.languages[id], override)
		if err != nil {
			return nil, fmt.Errorf("language %s: %w", id, err)
		}
		r.languages[id] = lang
	}

	if len(supported) == 0 {
		for id := range r.languages {
			r.supported.Add(id)
		}
		return r, nil
	}
	for _, name := range supported {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, ok := r.lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown supported language %q", name)
		}
		r.supported.Add(id)
	}
	if r.supported.Cardinality() == 0 {
		return nil, fmt.Errorf("no supported languages configured")
	}
	return r, nil
}

// Resolve returns the definition for a language id or alias.
func (r *Registry) Resolve(name string) (Language, error) {
	id, ok := r.lookup(name)
	if !ok || !r.supported.Contains(id) {
		return Language{}, appErr.UnsupportedLanguage(name)
	}
	return r.languages[id], nil
}

// IsSupported reports whether name resolves to an enabled language.
func (r *Registry) IsSupported(name string) bool {
	_, err := r.Resolve(name)
	return err == nil
}

// Supported returns the enabled language ids in sorted order.
func (r *Registry) Supported() []string {
	out := make([]string, 0, r.supported.Cardinality())
	for _, id := range r.supported.ToSlice() {
		out = append(out, string(id))
	}
	sort.Strings(out)
	return out
}

func (r *Registry) lookup(name string) (ID, bool) {
	id, ok := r.aliases[strings.ToLower(strings.TrimSpace(name))]
	return id, ok
}

func applyOverride(lang Language, override Override) (Language, error) {
	if override.Image != "" {
		lang.Image = override.Image
	}
	if strings.TrimSpace(override.Compile) != "" {
		argv, err := splitTemplate(override.Compile)
		if err != nil {
			return Language{}, fmt.Errorf("compile template: %w", err)
		}
		lang.Compile = argv
	}
	if strings.TrimSpace(override.Run) != "" {
		argv, err := splitTemplate(override.Run)
		if err != nil {
			return Language{}, fmt.Errorf("run template: %w", err)
		}
		lang.Run = argv
	}
	if len(override.Env) > 0 {
		lang.Env = append(append([]string(nil), lang.Env...), override.Env...)
	}
	return lang, nil
}

func splitTemplate(tpl string) ([]string, error) {
	fields, err := shlex.Split(tpl)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("command is empty")
	}
	return fields, nil
}
