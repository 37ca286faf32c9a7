package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/basket/agentbox/internal/lifecycle"
	"github.com/basket/agentbox/internal/persistence"
)

var errDeleted = errors.New("environment deleted")

type projectRequest struct {
	Name            string `json:"name"`
	RepoURL         string `json:"repo_url"`
	GitToken        string `json:"git_token"`
	GeminiAPIKey    string `json:"gemini_api_key"`
	AnthropicAPIKey string `json:"anthropic_api_key"`
	ClaudeOAuth     bool   `json:"claude_oauth"`
}

type settingsRequest struct {
	RepoURL         *string `json:"repo_url"`
	GitToken        *string `json:"git_token"`
	GeminiAPIKey    *string `json:"gemini_api_key"`
	AnthropicAPIKey *string `json:"anthropic_api_key"`
	ClaudeOAuth     *bool   `json:"claude_oauth"`
}

// environmentView is an environment plus whether a client is attached.
type environmentView struct {
	persistence.Environment
	Live bool `json:"live"`
}

func (s *Server) view(e persistence.Environment) environmentView {
	return environmentView{Environment: e, Live: s.cfg.Bridge.Sessions().IsLive(e.Project, e.ID)}
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.cfg.Store.ListProjects(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]persistence.ProjectView, 0, len(projects))
	for _, p := range projects {
		out = append(out, p.View())
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": out})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if err := decodeBody(r, s.schemas.project, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.cfg.Lifecycle.CreateProject(r.Context(), persistence.Project{
		Name:            req.Name,
		RepoURL:         req.RepoURL,
		GitToken:        req.GitToken,
		GeminiAPIKey:    req.GeminiAPIKey,
		AnthropicAPIKey: req.AnthropicAPIKey,
		ClaudeOAuth:     req.ClaudeOAuth,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p.View())
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.cfg.Store.GetProject(r.Context(), r.PathValue("project"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	envs, err := s.cfg.Store.ListEnvironments(r.Context(), p.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]environmentView, 0, len(envs))
	for _, e := range envs {
		views = append(views, s.view(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": p.View(), "environments": views})
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("project")
	envs, err := s.cfg.Store.ListEnvironments(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for _, e := range envs {
		s.cfg.Bridge.Sessions().Disconnect(e.Project, e.ID, errDeleted)
	}
	if err := s.cfg.Lifecycle.DeleteProject(r.Context(), name); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := decodeBody(r, s.schemas.settings, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.cfg.Lifecycle.UpdateProjectSettings(r.Context(), r.PathValue("project"), persistence.ProjectSettings{
		RepoURL:         req.RepoURL,
		GitToken:        req.GitToken,
		GeminiAPIKey:    req.GeminiAPIKey,
		AnthropicAPIKey: req.AnthropicAPIKey,
		ClaudeOAuth:     req.ClaudeOAuth,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p.View())
}

func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	if _, err := s.cfg.Store.GetProject(r.Context(), project); err != nil {
		s.writeError(w, r, err)
		return
	}
	envs, err := s.cfg.Store.ListEnvironments(r.Context(), project)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]environmentView, 0, len(envs))
	for _, e := range envs {
		views = append(views, s.view(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"environments": views})
}

// handleCreateEnvironment answers 202 with the pending entry; clients poll
// the environment until it reports running or a last_error.
func (s *Server) handleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var in lifecycle.CreateInput
	if err := decodeBody(r, s.schemas.environment, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	env, err := s.cfg.Lifecycle.Create(r.Context(), r.PathValue("project"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/projects/%s/environments/%s", env.Project, env.ID))
	writeJSON(w, http.StatusAccepted, s.view(env))
}

func (s *Server) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	env, err := s.cfg.Store.GetEnvironment(r.Context(), r.PathValue("project"), r.PathValue("env"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(env))
}

func (s *Server) handleDeleteEnvironment(w http.ResponseWriter, r *http.Request) {
	project, id := r.PathValue("project"), r.PathValue("env")
	s.cfg.Bridge.Sessions().Disconnect(project, id, errDeleted)
	if err := s.cfg.Lifecycle.Delete(r.Context(), project, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopEnvironment(w http.ResponseWriter, r *http.Request) {
	env, err := s.cfg.Lifecycle.Stop(r.Context(), r.PathValue("project"), r.PathValue("env"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(env))
}

func (s *Server) handleStartEnvironment(w http.ResponseWriter, r *http.Request) {
	env, err := s.cfg.Lifecycle.Start(r.Context(), r.PathValue("project"), r.PathValue("env"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(env))
}

func (s *Server) handleDockerImages(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Docker == nil {
		s.writeError(w, r, &lifecycle.OrchestrationError{Op: "list images", Err: errors.New("docker unavailable")})
		return
	}
	images, err := s.cfg.Docker.ListImages(r.Context())
	if err != nil {
		s.writeError(w, r, &lifecycle.OrchestrationError{Op: "list images", Err: err})
		return
	}
	if images == nil {
		images = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": images})
}

// handleGitBranches lists remote branches. The token comes from the named
// project or the X-Git-Token header; repo_url defaults to the project's.
// A project's stored token is only ever sent to that project's repository.
func (s *Server) handleGitBranches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	repoURL := q.Get("repo_url")
	token := r.Header.Get("X-Git-Token")
	if name := q.Get("project"); name != "" {
		p, err := s.cfg.Store.GetProject(r.Context(), name)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if repoURL == "" {
			repoURL = p.RepoURL
		}
		if token == "" && p.GitToken != "" {
			if repoURL != p.RepoURL {
				s.writeError(w, r, fmt.Errorf("%w: repo_url must match project %s when using its token", errInvalidBody, p.Name))
				return
			}
			token = p.GitToken
		}
	}
	if repoURL == "" {
		s.writeError(w, r, fmt.Errorf("%w: repo_url or project is required", errInvalidBody))
		return
	}
	if s.cfg.Git == nil {
		s.writeError(w, r, errors.New("git client not configured"))
		return
	}
	branches, err := s.cfg.Git.ListBranches(r.Context(), repoURL, token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if branches == nil {
		branches = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"branches": branches})
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	doc, err := s.cfg.Store.ExportRegistry(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
