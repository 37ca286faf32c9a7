package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Tool names accepted in an environment's ai_tool field.
const (
	ToolClaude = "claude"
	ToolGemini = "gemini"
)

// Credentials are the project secrets a tool may need inside its sandbox.
type Credentials struct {
	GitToken        string
	GeminiAPIKey    string
	AnthropicAPIKey string
	ClaudeOAuth     bool
}

// Tool is one coding-assistant CLI that can run in a sandbox.
type Tool interface {
	Name() string
	// Install is the shell command that installs the CLI.
	Install() string
	StartInteractive() []string
	// ResumeSession returns a command that resumes id and falls back to a
	// fresh start in the same shell. Nil when resume is unsupported.
	ResumeSession(id string) []string
	SupportsResume() bool
	ValidateCredentials(c Credentials) error
	ContainerEnv(c Credentials) []string
	// SessionDir is the in-container directory holding session state, or "".
	SessionDir() string
	// DetectSession returns the newest session id under the host copy of SessionDir.
	DetectSession(hostDir string) (string, error)
}

// LookupTool resolves an ai_tool value.
func LookupTool(name string) (Tool, error) {
	switch name {
	case ToolClaude:
		return claudeTool{}, nil
	case ToolGemini:
		return geminiTool{}, nil
	}
	return nil, fmt.Errorf("%w: unknown ai_tool %q", ErrInvalidInput, name)
}

// ToolNames lists the supported tools.
func ToolNames() []string {
	return []string{ToolClaude, ToolGemini}
}

var sessionIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

type claudeTool struct{}

func (claudeTool) Name() string { return ToolClaude }

func (claudeTool) Install() string {
	return "npm install -g @anthropic-ai/claude-code"
}

func (claudeTool) StartInteractive() []string { return []string{"claude"} }

func (claudeTool) SupportsResume() bool { return true }

func (claudeTool) ResumeSession(id string) []string {
	if !sessionIDPattern.MatchString(id) {
		return nil
	}
	return []string{"sh", "-c", "claude --resume " + ShellQuote(id) + " || claude"}
}

func (claudeTool) ValidateCredentials(c Credentials) error {
	var missing []string
	if c.AnthropicAPIKey == "" && !c.ClaudeOAuth {
		missing = append(missing, "anthropic_api_key or claude_oauth")
	}
	if c.GitToken == "" {
		missing = append(missing, "git_token")
	}
	return missingCredentials(ToolClaude, missing)
}

func (claudeTool) ContainerEnv(c Credentials) []string {
	env := []string{"GIT_TOKEN=" + c.GitToken}
	if c.AnthropicAPIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+c.AnthropicAPIKey)
	} else if c.ClaudeOAuth {
		env = append(env, "CLAUDE_CODE_USE_OAUTH=1")
	}
	return env
}

func (claudeTool) SessionDir() string { return "/root/.claude" }

// DetectSession picks the newest projects/*/<uuid>.jsonl transcript.
func (claudeTool) DetectSession(hostDir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(hostDir, "projects", "*", "*.jsonl"))
	if err != nil {
		return "", err
	}
	var (
		newest   string
		newestAt time.Time
	)
	for _, m := range matches {
		id := strings.TrimSuffix(filepath.Base(m), ".jsonl")
		if !sessionIDPattern.MatchString(id) {
			continue
		}
		info, err := os.Stat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if newest == "" || info.ModTime().After(newestAt) || (info.ModTime().Equal(newestAt) && id > newest) {
			newest, newestAt = id, info.ModTime()
		}
	}
	return newest, nil
}

type geminiTool struct{}

func (geminiTool) Name() string { return ToolGemini }

func (geminiTool) Install() string {
	return "npm install -g @google/gemini-cli"
}

func (geminiTool) StartInteractive() []string { return []string{"gemini"} }

func (geminiTool) SupportsResume() bool { return false }

func (geminiTool) ResumeSession(string) []string { return nil }

func (geminiTool) ValidateCredentials(c Credentials) error {
	var missing []string
	if c.GeminiAPIKey == "" {
		missing = append(missing, "gemini_api_key")
	}
	if c.GitToken == "" {
		missing = append(missing, "git_token")
	}
	return missingCredentials(ToolGemini, missing)
}

func (geminiTool) ContainerEnv(c Credentials) []string {
	return []string{"GIT_TOKEN=" + c.GitToken, "GEMINI_API_KEY=" + c.GeminiAPIKey}
}

func (geminiTool) SessionDir() string { return "" }

func (geminiTool) DetectSession(string) (string, error) { return "", nil }

func missingCredentials(tool string, missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: %s requires %s", ErrMissingCredentials, tool, strings.Join(missing, ", "))
}
