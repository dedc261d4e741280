package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// SpawnTemplate maps an agent CLI name to the command line used to launch
// it. Command is a text/template rendered with SpawnVars.
type SpawnTemplate struct {
	Name    string `yaml:"name"`    // CLI name matched against spawn requests
	Command string `yaml:"command"` // Launch command template
	WorkDir string `yaml:"workdir,omitempty"`
}

// SpawnTemplates is the parsed spawn template file.
type SpawnTemplates struct {
	Default   string          `yaml:"default"` // CLI name used when a spawn names none
	Templates []SpawnTemplate `yaml:"templates"`
}

// SpawnVars are the variables available to a spawn command template.
type SpawnVars struct {
	Name string // Agent name for the new worker
	Task string // Initial task text, shell-quoted by the template author
}

// DefaultSpawnTemplatesPath returns the default spawn template file path.
func DefaultSpawnTemplatesPath() string {
	return filepath.Join(filepath.Dir(DefaultPath()), "spawn_templates.yaml")
}

// LoadSpawnTemplates parses a YAML spawn template file. A missing file
// returns an empty set, not an error.
func LoadSpawnTemplates(path string) (*SpawnTemplates, error) {
	if path == "" {
		path = DefaultSpawnTemplatesPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &SpawnTemplates{}, nil
		}
		return nil, fmt.Errorf("reading spawn templates: %w", err)
	}

	var templates SpawnTemplates
	if err := yaml.Unmarshal(data, &templates); err != nil {
		return nil, fmt.Errorf("parsing spawn templates: %w", err)
	}
	return &templates, nil
}

// Lookup finds the template for a CLI name, falling back to the default.
func (s *SpawnTemplates) Lookup(cli string) (SpawnTemplate, bool) {
	if cli == "" {
		cli = s.Default
	}
	for _, t := range s.Templates {
		if strings.EqualFold(t.Name, cli) {
			return t, true
		}
	}
	return SpawnTemplate{}, false
}

// Render produces the final launch command for a spawn request.
func (t SpawnTemplate) Render(vars SpawnVars) (string, error) {
	if !strings.Contains(t.Command, "{{") {
		return t.Command, nil
	}

	tmpl, err := template.New("spawn").Parse(t.Command)
	if err != nil {
		return "", fmt.Errorf("parsing spawn command template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("executing spawn command template: %w", err)
	}
	return buf.String(), nil
}
