package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/agentbox/internal/config"
	"github.com/basket/agentbox/internal/orchestrator"
	"github.com/basket/agentbox/internal/persistence"
	"gopkg.in/yaml.v3"
)

func runImportCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("agentbox import", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	path := fs.String("path", "registry.yaml", "registry document to import (JSON or YAML)")
	dryRun := fs.Bool("dry-run", false, "report what would be imported without writing")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 0 {
		fmt.Fprintln(os.Stderr, "usage: agentbox import [--path registry.yaml] [--dry-run]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	raw, err := os.ReadFile(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read registry: %v\n", err)
		return 1
	}
	doc, err := parseRegistryDocument(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse %s: %v\n", *path, err)
		return 1
	}
	if len(doc) == 0 {
		fmt.Fprintln(os.Stdout, "nothing to import (empty document)")
		return 0
	}

	store, err := persistence.Open(persistence.DefaultDBPath(cfg.HomeDir), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	if !*dryRun {
		backup, err := backupRegistry(ctx, store, cfg.HomeDir, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "backup before import: %v\n", err)
			return 1
		}
		fmt.Fprintf(os.Stdout, "registry backed up to %s\n", backup)
	}

	res, err := store.ImportRegistry(ctx, doc, persistence.ImportOptions{
		DryRun:      *dryRun,
		SandboxName: orchestrator.SandboxName,
		Validate:    validateRegistryEntry,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "import: %v\n", err)
		return 1
	}
	printImportResult(os.Stdout, res, *dryRun)
	return 0
}

// backupRegistry snapshots the store into <home>/backups before it is modified.
func backupRegistry(ctx context.Context, store *persistence.Store, home string, now time.Time) (string, error) {
	dir := filepath.Join(home, "backups")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	dest := filepath.Join(dir, "agentbox-"+now.UTC().Format("20060102T150405.000000000")+".db")
	if err := store.Backup(ctx, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// parseRegistryDocument accepts the JSON export of GET /api/registry or the
// same document written as YAML.
func parseRegistryDocument(raw []byte) (persistence.RegistryDocument, error) {
	var doc persistence.RegistryDocument
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return doc, nil
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, err
		}
		return doc, nil
	}
	if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func validateRegistryEntry(project string, env persistence.RegistryEnvironment) error {
	if err := orchestrator.ValidateID("project", project); err != nil {
		return err
	}
	if err := orchestrator.ValidateID("environment", env.ID); err != nil {
		return err
	}
	if _, err := orchestrator.LookupTool(env.AITool); err != nil {
		return err
	}
	if env.Branch != "" {
		if err := orchestrator.ValidateBranch(env.Branch); err != nil {
			return err
		}
	}
	return nil
}

func printImportResult(w io.Writer, res persistence.ImportResult, dryRun bool) {
	verb := "imported"
	if dryRun {
		verb = "would import"
	}
	if len(res.ProjectsCreated) > 0 {
		fmt.Fprintf(w, "%s projects: %s\n", verb, strings.Join(res.ProjectsCreated, ", "))
	}
	if len(res.EnvironmentsCreated) > 0 {
		fmt.Fprintf(w, "%s environments (as stopped): %s\n", verb, strings.Join(res.EnvironmentsCreated, ", "))
	}
	if len(res.Skipped) > 0 {
		fmt.Fprintf(w, "skipped (already registered): %s\n", strings.Join(res.Skipped, ", "))
	}
	for _, r := range res.Rejected {
		fmt.Fprintf(w, "rejected: %s\n", r)
	}
	if len(res.ProjectsCreated)+len(res.EnvironmentsCreated)+len(res.Skipped)+len(res.Rejected) == 0 {
		fmt.Fprintln(w, "nothing to import")
	}
}
