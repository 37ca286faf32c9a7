package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Project is a source-control repository plus the credentials its
// environments are provisioned with. Credentials never leave the daemon;
// use View for API responses.
type Project struct {
	Name            string
	RepoURL         string
	GitToken        string
	GeminiAPIKey    string
	AnthropicAPIKey string
	ClaudeOAuth     bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ProjectView is the credential-free rendering of a Project.
type ProjectView struct {
	Name               string    `json:"name"`
	RepoURL            string    `json:"repo_url"`
	HasGitToken        bool      `json:"has_git_token"`
	HasGeminiAPIKey    bool      `json:"has_gemini_api_key"`
	HasAnthropicAPIKey bool      `json:"has_anthropic_api_key"`
	ClaudeOAuth        bool      `json:"claude_oauth"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (p Project) View() ProjectView {
	return ProjectView{
		Name:               p.Name,
		RepoURL:            p.RepoURL,
		HasGitToken:        p.GitToken != "",
		HasGeminiAPIKey:    p.GeminiAPIKey != "",
		HasAnthropicAPIKey: p.AnthropicAPIKey != "",
		ClaudeOAuth:        p.ClaudeOAuth,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
}

// ProjectSettings is a partial update; nil fields are left unchanged and an
// empty string clears a credential.
type ProjectSettings struct {
	RepoURL         *string
	GitToken        *string
	GeminiAPIKey    *string
	AnthropicAPIKey *string
	ClaudeOAuth     *bool
}

const projectColumns = `name, repo_url, git_token, gemini_api_key, anthropic_api_key, claude_oauth, created_at, updated_at`

func scanProject(scanFn func(dest ...any) error, p *Project) error {
	var oauth int
	if err := scanFn(&p.Name, &p.RepoURL, &p.GitToken, &p.GeminiAPIKey, &p.AnthropicAPIKey,
		&oauth, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return err
	}
	p.ClaudeOAuth = oauth != 0
	return nil
}

func (s *Store) CreateProject(ctx context.Context, p Project) (Project, error) {
	now := s.timestamp()
	p.CreatedAt, p.UpdatedAt = now, now
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO projects (`+projectColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, p.Name, p.RepoURL, p.GitToken, p.GeminiAPIKey, p.AnthropicAPIKey,
			boolToInt(p.ClaudeOAuth), p.CreatedAt, p.UpdatedAt)
		return err
	})
	if err != nil {
		if constraintColumn(err) == "projects.name" {
			return Project{}, fmt.Errorf("project %q: %w", p.Name, ErrDuplicate)
		}
		return Project{}, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

func (s *Store) GetProject(ctx context.Context, name string) (Project, error) {
	var p Project
	err := scanProject(s.db.QueryRowContext(ctx, `
		SELECT `+projectColumns+` FROM projects WHERE name = ?;
	`, name).Scan, &p)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, fmt.Errorf("project %q: %w", name, ErrNotFound)
		}
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// ListProjects returns all projects ordered by name.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY name ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()
	var out []Project
	for rows.Next() {
		var p Project
		if err := scanProject(rows.Scan, &p); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list projects: iterate: %w", err)
	}
	return out, nil
}

// UpdateProjectSettings applies a partial update inside one transaction.
func (s *Store) UpdateProjectSettings(ctx context.Context, name string, in ProjectSettings) (Project, error) {
	var out Project
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("update project: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var p Project
		if err := scanProject(tx.QueryRowContext(ctx, `
			SELECT `+projectColumns+` FROM projects WHERE name = ?;
		`, name).Scan, &p); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("project %q: %w", name, ErrNotFound)
			}
			return fmt.Errorf("update project: select: %w", err)
		}
		if in.RepoURL != nil {
			p.RepoURL = *in.RepoURL
		}
		if in.GitToken != nil {
			p.GitToken = *in.GitToken
		}
		if in.GeminiAPIKey != nil {
			p.GeminiAPIKey = *in.GeminiAPIKey
		}
		if in.AnthropicAPIKey != nil {
			p.AnthropicAPIKey = *in.AnthropicAPIKey
		}
		if in.ClaudeOAuth != nil {
			p.ClaudeOAuth = *in.ClaudeOAuth
		}
		p.UpdatedAt = s.timestamp()

		if _, err := tx.ExecContext(ctx, `
			UPDATE projects
			SET repo_url = ?, git_token = ?, gemini_api_key = ?, anthropic_api_key = ?,
				claude_oauth = ?, updated_at = ?
			WHERE name = ?;
		`, p.RepoURL, p.GitToken, p.GeminiAPIKey, p.AnthropicAPIKey,
			boolToInt(p.ClaudeOAuth), p.UpdatedAt, name); err != nil {
			return fmt.Errorf("update project: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("update project: commit: %w", err)
		}
		out = p
		return nil
	})
	return out, err
}

// DeleteProject removes the project row. Remaining environment rows cascade;
// callers are expected to have torn their sandboxes down first.
func (s *Store) DeleteProject(ctx context.Context, name string) error {
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE name = ?;`, name)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("project %q: %w", name, ErrNotFound)
	}
	return nil
}
