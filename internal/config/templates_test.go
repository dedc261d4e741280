package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemplates(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spawn_templates.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSpawnTemplates(t *testing.T) {
	path := writeTemplates(t, `
default: claude
templates:
  - name: claude
    command: "claude --print {{.Task}}"
  - name: codex
    command: "codex exec"
    workdir: /work
`)

	templates, err := LoadSpawnTemplates(path)
	if err != nil {
		t.Fatalf("LoadSpawnTemplates() error = %v", err)
	}
	if templates.Default != "claude" {
		t.Errorf("Default = %q", templates.Default)
	}
	if len(templates.Templates) != 2 {
		t.Fatalf("len(Templates) = %d, want 2", len(templates.Templates))
	}
	if templates.Templates[1].WorkDir != "/work" {
		t.Errorf("WorkDir = %q", templates.Templates[1].WorkDir)
	}
}

func TestLoadSpawnTemplatesMissingFile(t *testing.T) {
	templates, err := LoadSpawnTemplates(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error, got %v", err)
	}
	if len(templates.Templates) != 0 {
		t.Errorf("expected empty template set")
	}
}

func TestLookup(t *testing.T) {
	templates := &SpawnTemplates{
		Default: "claude",
		Templates: []SpawnTemplate{
			{Name: "claude", Command: "claude"},
			{Name: "codex", Command: "codex"},
		},
	}

	tests := []struct {
		cli      string
		wantName string
		wantOK   bool
	}{
		{"codex", "codex", true},
		{"CODEX", "codex", true},
		{"", "claude", true}, // falls back to default
		{"gemini", "", false},
	}

	for _, tt := range tests {
		got, ok := templates.Lookup(tt.cli)
		if ok != tt.wantOK {
			t.Errorf("Lookup(%q) ok = %v, want %v", tt.cli, ok, tt.wantOK)
			continue
		}
		if ok && got.Name != tt.wantName {
			t.Errorf("Lookup(%q) = %q, want %q", tt.cli, got.Name, tt.wantName)
		}
	}
}

func TestRender(t *testing.T) {
	tmpl := SpawnTemplate{Name: "claude", Command: `claude --session {{.Name}} --task "{{.Task}}"`}
	got, err := tmpl.Render(SpawnVars{Name: "Worker1", Task: "fix tests"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	want := `claude --session Worker1 --task "fix tests"`
	if got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestRenderPlainCommand(t *testing.T) {
	tmpl := SpawnTemplate{Name: "codex", Command: "codex exec"}
	got, err := tmpl.Render(SpawnVars{Name: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "codex exec" {
		t.Errorf("Render() = %q", got)
	}
}
