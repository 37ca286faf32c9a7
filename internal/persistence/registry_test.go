package persistence_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/basket/agentbox/internal/persistence"
)

func sandboxName(tool, project, env string) string {
	return tool + "-env-" + project + "-" + env
}

func TestExportRegistry_Shape(t *testing.T) {
	store, _ := openTestStore(t, nil)
	ctx := context.Background()
	seedProject(t, store, "web")
	seedProject(t, store, "api")
	seedEnv(t, store, "web", "feat-1")

	now := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	if _, err := store.UpdateEnvironment(ctx, "web", "feat-1", func(e *persistence.Environment) error {
		e.Status = persistence.StatusRunning
		e.SessionID = "sess-1"
		e.DisconnectedAt = &now
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	doc, err := store.ExportRegistry(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(raw)
	if strings.Contains(s, "ghp_test") || strings.Contains(s, "sk-ant-test") {
		t.Fatalf("credentials leaked into registry document: %s", s)
	}
	if !strings.Contains(s, `"sessionId":"sess-1"`) || !strings.Contains(s, `"disconnected_at":"2026-05-01T09:30:00Z"`) {
		t.Fatalf("unexpected document: %s", s)
	}
	if len(doc["api"].Environments) != 0 || doc["api"].Environments == nil {
		t.Fatalf("expected empty (non-nil) environment list for api, got %#v", doc["api"].Environments)
	}
}

func TestImportRegistry_CreatesStoppedAndSkipsExisting(t *testing.T) {
	store, _ := openTestStore(t, nil)
	ctx := context.Background()
	seedProject(t, store, "web")
	seedEnv(t, store, "web", "feat-1")

	disc := time.Now().UTC()
	doc := persistence.RegistryDocument{
		"web": {RepoURL: "https://github.com/acme/web.git", Environments: []persistence.RegistryEnvironment{
			{ID: "feat-1", BaseImage: "ubuntu:22.04", AITool: "claude", Status: "running"},
			{ID: "feat-2", BaseImage: "ubuntu:22.04", AITool: "gemini", Status: "running", SessionID: "s", DisconnectedAt: &disc},
		}},
		"docs": {RepoURL: "https://github.com/acme/docs.git", Environments: []persistence.RegistryEnvironment{
			{ID: "main", BaseImage: "node:20", AITool: "claude", BranchMode: "existing", Branch: "main", Status: "stopped"},
		}},
	}

	dry, err := store.ImportRegistry(ctx, doc, persistence.ImportOptions{DryRun: true, SandboxName: sandboxName})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if len(dry.EnvironmentsCreated) != 2 || len(dry.Skipped) != 1 || len(dry.ProjectsCreated) != 1 {
		t.Fatalf("unexpected dry-run result %+v", dry)
	}
	if _, err := store.GetProject(ctx, "docs"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("dry run must not write, got %v", err)
	}

	res, err := store.ImportRegistry(ctx, doc, persistence.ImportOptions{SandboxName: sandboxName})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(res.EnvironmentsCreated) != 2 || len(res.Skipped) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	feat2, err := store.GetEnvironment(ctx, "web", "feat-2")
	if err != nil {
		t.Fatalf("get feat-2: %v", err)
	}
	if feat2.Status != persistence.StatusStopped || feat2.DisconnectedAt != nil {
		t.Fatalf("imported env should be stopped without disconnect: %+v", feat2)
	}
	if feat2.Branch != "feature/feat-2" || feat2.Sandbox != "gemini-env-web-feat-2" {
		t.Fatalf("unexpected derived fields: %+v", feat2)
	}
	docsProject, err := store.GetProject(ctx, "docs")
	if err != nil {
		t.Fatalf("imported project missing: %v", err)
	}
	if docsProject.GitToken != "" {
		t.Fatalf("imported project must carry no credentials")
	}

	again, err := store.ImportRegistry(ctx, doc, persistence.ImportOptions{SandboxName: sandboxName})
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if len(again.EnvironmentsCreated) != 0 || len(again.Skipped) != 3 {
		t.Fatalf("re-import should skip everything: %+v", again)
	}
}

func TestImportRegistry_ValidateRejects(t *testing.T) {
	store, _ := openTestStore(t, nil)
	doc := persistence.RegistryDocument{
		"web": {RepoURL: "https://github.com/acme/web.git", Environments: []persistence.RegistryEnvironment{
			{ID: "bad id", AITool: "claude"},
		}},
	}
	res, err := store.ImportRegistry(context.Background(), doc, persistence.ImportOptions{
		SandboxName: sandboxName,
		Validate: func(project string, env persistence.RegistryEnvironment) error {
			if strings.Contains(env.ID, " ") {
				return errors.New("invalid id")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(res.Rejected) != 1 || len(res.EnvironmentsCreated) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}
