package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/basket/agentbox/internal/reaper"
)

// Row is one environment line in the dashboard.
type Row struct {
	Project        string     `json:"project"`
	ID             string     `json:"id"`
	AITool         string     `json:"ai_tool"`
	Branch         string     `json:"branch"`
	Status         string     `json:"status"`
	Live           bool       `json:"live"`
	DisconnectedAt *time.Time `json:"disconnected_at"`
	LastError      string     `json:"last_error"`
}

// Snapshot is what one refresh of the dashboard shows.
type Snapshot struct {
	Projects    []string
	Rows        []Row
	LiveBridges int
	Reaper      reaper.Stats
	FetchedAt   time.Time
}

// Client reads the daemon's REST API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var ae apiError
		if json.Unmarshal(body, &ae) == nil && ae.Error.Message != "" {
			return fmt.Errorf("%s %s: %s: %s", method, path, ae.Error.Code, ae.Error.Message)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// Snapshot lists every project's environments plus the daemon counters.
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	var projects struct {
		Projects []struct {
			Name string `json:"name"`
		} `json:"projects"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/projects", &projects); err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{FetchedAt: time.Now()}
	for _, p := range projects.Projects {
		snap.Projects = append(snap.Projects, p.Name)
		var envs struct {
			Environments []Row `json:"environments"`
		}
		if err := c.do(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(p.Name)+"/environments", &envs); err != nil {
			return Snapshot{}, err
		}
		snap.Rows = append(snap.Rows, envs.Environments...)
	}
	sort.SliceStable(snap.Rows, func(i, j int) bool {
		if snap.Rows[i].Project != snap.Rows[j].Project {
			return snap.Rows[i].Project < snap.Rows[j].Project
		}
		return snap.Rows[i].ID < snap.Rows[j].ID
	})

	var metrics struct {
		LiveBridges int          `json:"live_bridges"`
		Reaper      reaper.Stats `json:"reaper"`
	}
	if err := c.do(ctx, http.MethodGet, "/metrics", &metrics); err != nil {
		return Snapshot{}, err
	}
	snap.LiveBridges = metrics.LiveBridges
	snap.Reaper = metrics.Reaper
	return snap, nil
}

// Stop stops an environment's sandbox.
func (c *Client) Stop(ctx context.Context, project, env string) error {
	return c.do(ctx, http.MethodPost, envPath(project, env)+"/stop", nil)
}

// Start resumes a stopped environment.
func (c *Client) Start(ctx context.Context, project, env string) error {
	return c.do(ctx, http.MethodPost, envPath(project, env)+"/start", nil)
}

func envPath(project, env string) string {
	return "/api/projects/" + url.PathEscape(project) + "/environments/" + url.PathEscape(env)
}
