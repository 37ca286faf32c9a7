package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/agentbox/internal/persistence"
)

const registryJSON = `{
  "demo": {"repo_url": "https://github.com/acme/demo", "environments": [
    {"id": "alpha", "base_image": "ubuntu:22.04", "ai_tool": "claude", "status": "running",
     "sessionId": "aaaaaaaa-1111-2222-3333-444444444444", "disconnected_at": "2026-01-02T03:04:05Z"},
    {"id": "bad id", "base_image": "ubuntu:22.04", "ai_tool": "claude", "status": "stopped", "sessionId": "", "disconnected_at": null}
  ]}
}`

const registryYAML = `
demo:
  repo_url: https://github.com/acme/demo
  environments:
    - id: beta
      base_image: node:20
      ai_tool: gemini
      branch_mode: existing
      branch: develop
      status: stopped
      sessionId: ""
      disconnected_at: null
    - id: gamma
      base_image: node:20
      ai_tool: cursor
      status: stopped
`

func TestParseRegistryDocument(t *testing.T) {
	doc, err := parseRegistryDocument([]byte(registryJSON))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	envs := doc["demo"].Environments
	if len(envs) != 2 || envs[0].SessionID == "" || envs[0].DisconnectedAt == nil || envs[1].DisconnectedAt != nil {
		t.Fatalf("json doc = %+v", doc)
	}

	doc, err = parseRegistryDocument([]byte(registryYAML))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	envs = doc["demo"].Environments
	if len(envs) != 2 || envs[0].Branch != "develop" || envs[0].AITool != "gemini" {
		t.Fatalf("yaml doc = %+v", doc)
	}

	if doc, err := parseRegistryDocument([]byte("  \n")); err != nil || len(doc) != 0 {
		t.Fatalf("empty input: %v, %v", doc, err)
	}
	if _, err := parseRegistryDocument([]byte("{not json")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidateRegistryEntry(t *testing.T) {
	ok := persistence.RegistryEnvironment{ID: "alpha", AITool: "claude"}
	if err := validateRegistryEntry("demo", ok); err != nil {
		t.Fatalf("valid entry rejected: %v", err)
	}
	bad := []struct {
		project string
		env     persistence.RegistryEnvironment
	}{
		{"demo", persistence.RegistryEnvironment{ID: "bad id", AITool: "claude"}},
		{"De mo", persistence.RegistryEnvironment{ID: "alpha", AITool: "claude"}},
		{"demo", persistence.RegistryEnvironment{ID: "alpha", AITool: "cursor"}},
		{"demo", persistence.RegistryEnvironment{ID: "alpha", AITool: "claude", Branch: "a..b"}},
	}
	for _, tt := range bad {
		if err := validateRegistryEntry(tt.project, tt.env); err == nil {
			t.Errorf("expected rejection for %s/%+v", tt.project, tt.env)
		}
	}
}

func TestRunImportCommand(t *testing.T) {
	home := setTestConfig(t, "127.0.0.1:8000")
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "registry.json")
	yamlPath := filepath.Join(dir, "registry.yaml")
	if err := os.WriteFile(jsonPath, []byte(registryJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(yamlPath, []byte(registryYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	if code := runImportCommand(context.Background(), []string{"--path", jsonPath, "--dry-run"}); code != 0 {
		t.Fatalf("dry run exit = %d", code)
	}
	store := openHomeStore(t, home)
	if envs, _ := store.ListAllEnvironments(context.Background()); len(envs) != 0 {
		t.Fatalf("dry run wrote %d environments", len(envs))
	}
	_ = store.Close()
	if _, err := os.Stat(filepath.Join(home, "backups")); !os.IsNotExist(err) {
		t.Fatalf("dry run created a backup dir: %v", err)
	}

	if code := runImportCommand(context.Background(), []string{"--path", jsonPath}); code != 0 {
		t.Fatalf("json import exit = %d", code)
	}
	if code := runImportCommand(context.Background(), []string{"--path", yamlPath}); code != 0 {
		t.Fatalf("yaml import exit = %d", code)
	}
	// Re-importing skips what is already there.
	if code := runImportCommand(context.Background(), []string{"--path", jsonPath}); code != 0 {
		t.Fatalf("re-import exit = %d", code)
	}

	backups, err := os.ReadDir(filepath.Join(home, "backups"))
	if err != nil || len(backups) != 3 {
		t.Fatalf("expected one backup per import, got %d (%v)", len(backups), err)
	}

	store = openHomeStore(t, home)
	defer store.Close()
	envs, err := store.ListAllEnvironments(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, e := range envs {
		ids = append(ids, e.ID)
		if e.Status != persistence.StatusStopped {
			t.Errorf("%s imported as %s, want stopped", e.ID, e.Status)
		}
		if e.DisconnectedAt != nil {
			t.Errorf("%s imported with a disconnect time", e.ID)
		}
	}
	if got := strings.Join(ids, ","); got != "alpha,beta" {
		t.Fatalf("imported = %s", got)
	}
}

func TestRunImportCommand_Usage(t *testing.T) {
	if code := runImportCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
	setTestConfig(t, "127.0.0.1:8000")
	if code := runImportCommand(context.Background(), []string{"--path", "/nonexistent/registry.yaml"}); code != 1 {
		t.Fatalf("missing file exit = %d, want 1", code)
	}
}

func TestPrintImportResult(t *testing.T) {
	var buf bytes.Buffer
	printImportResult(&buf, persistence.ImportResult{
		ProjectsCreated:     []string{"demo"},
		EnvironmentsCreated: []string{"demo/alpha"},
		Skipped:             []string{"demo/beta"},
		Rejected:            []string{"demo/bad id: invalid input"},
	}, true)
	out := buf.String()
	for _, want := range []string{"would import projects: demo", "demo/alpha", "skipped (already registered): demo/beta", "rejected: demo/bad id"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	buf.Reset()
	printImportResult(&buf, persistence.ImportResult{}, false)
	if !strings.Contains(buf.String(), "nothing to import") {
		t.Fatalf("empty result output = %q", buf.String())
	}
}

func openHomeStore(t *testing.T, home string) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(persistence.DefaultDBPath(home), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}
