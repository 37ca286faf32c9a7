package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/agentbox/internal/audit"
	"github.com/basket/agentbox/internal/orchestrator"
	"github.com/basket/agentbox/internal/persistence"
	"github.com/basket/agentbox/internal/shared"
)

// CreateProject validates and registers a project.
func (m *Manager) CreateProject(ctx context.Context, p persistence.Project) (persistence.Project, error) {
	ctx = shared.WithEnvironment(ctx, p.Name, "")
	if err := orchestrator.ValidateID("project", p.Name); err != nil {
		return persistence.Project{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if _, err := orchestrator.ParseRepoURL(p.RepoURL); err != nil {
		return persistence.Project{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	created, err := m.store.CreateProject(ctx, p)
	if err != nil {
		m.audit.Record(ctx, "project.create", audit.OutcomeError, err.Error())
		return persistence.Project{}, err
	}
	m.audit.Record(ctx, "project.create", audit.OutcomeOK, "")
	return created, nil
}

// UpdateProjectSettings applies a partial settings update.
func (m *Manager) UpdateProjectSettings(ctx context.Context, name string, in persistence.ProjectSettings) (persistence.Project, error) {
	ctx = shared.WithEnvironment(ctx, name, "")
	if in.RepoURL != nil {
		if _, err := orchestrator.ParseRepoURL(*in.RepoURL); err != nil {
			return persistence.Project{}, fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}
	p, err := m.store.UpdateProjectSettings(ctx, name, in)
	if err != nil {
		m.audit.Record(ctx, "project.update", audit.OutcomeError, err.Error())
		return persistence.Project{}, err
	}
	m.audit.Record(ctx, "project.update", audit.OutcomeOK, "")
	return p, nil
}

// DeleteProject deletes every environment of the project, then the project.
func (m *Manager) DeleteProject(ctx context.Context, name string) error {
	ctx = shared.WithEnvironment(ctx, name, "")
	if _, err := m.store.GetProject(ctx, name); err != nil {
		return err
	}
	envs, err := m.store.ListEnvironments(ctx, name)
	if err != nil {
		return err
	}
	var errs []error
	for _, env := range envs {
		if err := m.Delete(ctx, name, env.ID); err != nil {
			errs = append(errs, fmt.Errorf("environment %s: %w", env.ID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		m.audit.Record(ctx, "project.delete", audit.OutcomeError, err.Error())
		return err
	}
	if err := m.store.DeleteProject(ctx, name); err != nil {
		m.audit.Record(ctx, "project.delete", audit.OutcomeError, err.Error())
		return err
	}
	m.audit.Record(ctx, "project.delete", audit.OutcomeOK, fmt.Sprintf("environments=%d", len(envs)))
	return nil
}
