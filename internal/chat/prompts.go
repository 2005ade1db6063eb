package chat

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// PromptTemplate is one versioned prompt definition loaded from YAML.
type PromptTemplate struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Default bool   `yaml:"default"`
	System  string `yaml:"system"`
	User    string `yaml:"user"`
}

// PromptRegistry resolves named, versioned prompt templates.
type PromptRegistry struct {
	prompts map[string]map[string]PromptTemplate // name -> version -> template
}

// LoadPromptRegistry reads every .yaml/.yml file under dir. Files may hold a
// single template or a list.
func LoadPromptRegistry(dir string) (*PromptRegistry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read prompt dir %s: %w", dir, err)
	}

	reg := &PromptRegistry{prompts: make(map[string]map[string]PromptTemplate)}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read prompt file %s: %w", entry.Name(), err)
		}
		templates, err := parsePromptFile(data)
		if err != nil {
			return nil, fmt.Errorf("parse prompt file %s: %w", entry.Name(), err)
		}
		for _, t := range templates {
			if err := reg.Register(t); err != nil {
				return nil, fmt.Errorf("prompt file %s: %w", entry.Name(), err)
			}
		}
	}
	return reg, nil
}

// NewPromptRegistry creates an empty registry for programmatic registration.
func NewPromptRegistry() *PromptRegistry {
	return &PromptRegistry{prompts: make(map[string]map[string]PromptTemplate)}
}

// DefaultPromptRegistry returns a registry holding the built-in grounded
// answer prompt, used when no prompt directory is configured.
func DefaultPromptRegistry() *PromptRegistry {
	reg := NewPromptRegistry()
	// Registration of the built-in template cannot fail.
	_ = reg.Register(PromptTemplate{
		Name:    "grounded-answer",
		Version: "v1",
		Default: true,
		System: "You are a careful assistant that answers questions using only the provided context passages. " +
			"Cite passages by their bracketed number. If the context does not contain the answer, say so.",
		User: "Context passages:\n{{.Context}}\n\n" +
			"{{if .History}}Conversation so far:\n{{.History}}\n\n{{end}}" +
			"Question: {{.Question}}",
	})
	return reg
}

func parsePromptFile(data []byte) ([]PromptTemplate, error) {
	var list []PromptTemplate
	if err := yaml.Unmarshal(data, &list); err == nil && len(list) > 0 {
		return list, nil
	}
	var single PromptTemplate
	if err := yaml.Unmarshal(data, &single); err != nil {
		return nil, err
	}
	return []PromptTemplate{single}, nil
}

// Register adds a template. Name and version are required and the pair must
// be unique.
func (r *PromptRegistry) Register(t PromptTemplate) error {
	if t.Name == "" || t.Version == "" {
		return fmt.Errorf("prompt template requires name and version")
	}
	versions, ok := r.prompts[t.Name]
	if !ok {
		versions = make(map[string]PromptTemplate)
		r.prompts[t.Name] = versions
	}
	if _, exists := versions[t.Version]; exists {
		return fmt.Errorf("duplicate prompt %s version %s", t.Name, t.Version)
	}
	versions[t.Version] = t
	return nil
}

// Resolve returns the template for name. An empty version picks the template
// marked default, or the highest version lexically when none is marked.
func (r *PromptRegistry) Resolve(name, version string) (*PromptTemplate, error) {
	versions, ok := r.prompts[name]
	if !ok {
		return nil, fmt.Errorf("unknown prompt %q", name)
	}

	if version != "" {
		t, ok := versions[version]
		if !ok {
			return nil, fmt.Errorf("prompt %q has no version %q", name, version)
		}
		return &t, nil
	}

	for _, t := range versions {
		if t.Default {
			t := t
			return &t, nil
		}
	}

	keys := make([]string, 0, len(versions))
	for v := range versions {
		keys = append(keys, v)
	}
	sort.Strings(keys)
	t := versions[keys[len(keys)-1]]
	return &t, nil
}

// PromptData carries the values available to prompt templates.
type PromptData struct {
	Question string
	Context  string
	History  string
}

// Render resolves and renders a prompt into system and user strings.
func (r *PromptRegistry) Render(name, version string, data PromptData) (system, user string, err error) {
	t, err := r.Resolve(name, version)
	if err != nil {
		return "", "", err
	}
	system, err = renderTemplate(t.Name+"/system", t.System, data)
	if err != nil {
		return "", "", err
	}
	user, err = renderTemplate(t.Name+"/user", t.User, data)
	if err != nil {
		return "", "", err
	}
	return system, user, nil
}

func renderTemplate(name, text string, data PromptData) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template %s: %w", name, err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return b.String(), nil
}
