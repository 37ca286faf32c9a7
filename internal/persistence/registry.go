package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// RegistryDocument is the portable registry form keyed by project name. It
// carries no credentials.
type RegistryDocument map[string]RegistryProject

type RegistryProject struct {
	RepoURL      string                `json:"repo_url" yaml:"repo_url"`
	Environments []RegistryEnvironment `json:"environments" yaml:"environments"`
}

type RegistryEnvironment struct {
	ID             string     `json:"id" yaml:"id"`
	BaseImage      string     `json:"base_image" yaml:"base_image"`
	AITool         string     `json:"ai_tool" yaml:"ai_tool"`
	BranchMode     string     `json:"branch_mode,omitempty" yaml:"branch_mode,omitempty"`
	Branch         string     `json:"branch,omitempty" yaml:"branch,omitempty"`
	Status         string     `json:"status" yaml:"status"`
	SessionID      string     `json:"sessionId" yaml:"sessionId"`
	DisconnectedAt *time.Time `json:"disconnected_at" yaml:"disconnected_at"`
}

// ExportRegistry renders every project and its environments.
func (s *Store) ExportRegistry(ctx context.Context) (RegistryDocument, error) {
	projects, err := s.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	envs, err := s.ListAllEnvironments(ctx)
	if err != nil {
		return nil, err
	}
	doc := make(RegistryDocument, len(projects))
	for _, p := range projects {
		doc[p.Name] = RegistryProject{RepoURL: p.RepoURL, Environments: []RegistryEnvironment{}}
	}
	for _, e := range envs {
		rp := doc[e.Project]
		rp.Environments = append(rp.Environments, RegistryEnvironment{
			ID:             e.ID,
			BaseImage:      e.BaseImage,
			AITool:         e.AITool,
			BranchMode:     e.BranchMode,
			Branch:         e.Branch,
			Status:         string(e.Status),
			SessionID:      e.SessionID,
			DisconnectedAt: e.DisconnectedAt,
		})
		doc[e.Project] = rp
	}
	return doc, nil
}

// ImportOptions controls ImportRegistry.
type ImportOptions struct {
	DryRun bool
	// SandboxName derives the sandbox handle for an imported environment.
	SandboxName func(tool, project, env string) string
	// Validate rejects malformed entries before anything is written.
	Validate func(project string, env RegistryEnvironment) error
}

type ImportResult struct {
	ProjectsCreated     []string `json:"projects_created"`
	EnvironmentsCreated []string `json:"environments_created"`
	Skipped             []string `json:"skipped"`
	Rejected            []string `json:"rejected"`
}

// ImportRegistry merges doc into the store. Missing projects are created
// without credentials, environments land as stopped with no disconnect time,
// and entries that already exist are skipped.
func (s *Store) ImportRegistry(ctx context.Context, doc RegistryDocument, opts ImportOptions) (ImportResult, error) {
	var res ImportResult
	if opts.SandboxName == nil {
		return res, fmt.Errorf("import registry: SandboxName is required")
	}

	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rp := doc[name]
		if _, err := s.GetProject(ctx, name); err != nil {
			if !errors.Is(err, ErrNotFound) {
				return res, err
			}
			if !opts.DryRun {
				if _, err := s.CreateProject(ctx, Project{Name: name, RepoURL: rp.RepoURL}); err != nil {
					return res, err
				}
			}
			res.ProjectsCreated = append(res.ProjectsCreated, name)
		}

		for _, re := range rp.Environments {
			key := name + "/" + re.ID
			if opts.Validate != nil {
				if err := opts.Validate(name, re); err != nil {
					res.Rejected = append(res.Rejected, fmt.Sprintf("%s: %v", key, err))
					continue
				}
			}
			if _, err := s.GetEnvironment(ctx, name, re.ID); err == nil {
				res.Skipped = append(res.Skipped, key)
				continue
			} else if !errors.Is(err, ErrNotFound) {
				return res, err
			}

			env := Environment{
				Project:    name,
				ID:         re.ID,
				BaseImage:  re.BaseImage,
				AITool:     re.AITool,
				BranchMode: re.BranchMode,
				Branch:     re.Branch,
				Status:     StatusStopped,
				SessionID:  re.SessionID,
				Sandbox:    opts.SandboxName(re.AITool, name, re.ID),
			}
			if env.BranchMode == "" {
				env.BranchMode = BranchModeNew
			}
			if env.Branch == "" && env.BranchMode == BranchModeNew {
				env.Branch = "feature/" + re.ID
			}
			if opts.DryRun {
				if _, taken, err := s.SandboxOwner(ctx, env.Sandbox); err != nil {
					return res, err
				} else if taken {
					res.Rejected = append(res.Rejected, fmt.Sprintf("%s: %v", key, ErrSandboxInUse))
					continue
				}
				res.EnvironmentsCreated = append(res.EnvironmentsCreated, key)
				continue
			}
			if _, err := s.InsertEnvironment(ctx, env); err != nil {
				if errors.Is(err, ErrSandboxInUse) || errors.Is(err, ErrDuplicate) {
					res.Rejected = append(res.Rejected, fmt.Sprintf("%s: %v", key, err))
					continue
				}
				return res, err
			}
			res.EnvironmentsCreated = append(res.EnvironmentsCreated, key)
		}
	}
	return res, nil
}
