package orchestrator

import (
	"bytes"
	"fmt"
	"text/template"
)

// Bootstrap contract shared with the readiness probe and the shell bridge.
const (
	SentinelPath       = "/tmp/setup_complete"
	FailureMarker      = "/tmp/setup_failed"
	WorkspacePath      = "/workspace"
	BranchModeNew      = "new"
	BranchModeExisting = "existing"
)

// BootstrapInput parameterizes a sandbox bootstrap script.
type BootstrapInput struct {
	Tool         Tool
	RepoURL      string
	BranchMode   string
	Branch       string
	EnvID        string
	GitUserName  string
	GitUserEmail string
}

// Template is a versioned bootstrap script.
type Template struct {
	Version string
	tmpl    *template.Template
}

// BootstrapV1 installs the tool, clones the repository and checks out the branch.
var BootstrapV1 = &Template{
	Version: "v1",
	tmpl: template.Must(template.New("bootstrap-v1").
		Funcs(template.FuncMap{"q": ShellQuote}).
		Parse(bootstrapV1)),
}

const bootstrapV1 = `set -u
fail() {
  echo "$1" > {{q .FailureMarker}}
  echo "agentbox bootstrap failed: $1" >&2
  exec tail -f /dev/null
}
if [ -f {{q .Sentinel}} ]; then
  exec tail -f /dev/null
fi
rm -f {{q .FailureMarker}}
export DEBIAN_FRONTEND=noninteractive
if command -v apt-get >/dev/null 2>&1; then
  { apt-get update -qq && apt-get install -y -qq curl git ca-certificates >/dev/null; } || fail "install base packages"
fi
if ! command -v node >/dev/null 2>&1; then
  { curl -fsSL https://deb.nodesource.com/setup_20.x | bash - >/dev/null && apt-get install -y -qq nodejs >/dev/null; } || fail "install node"
fi
{{.Install}} >/dev/null || fail {{q .InstallStep}}
{ git config --global user.name {{q .GitUserName}} && git config --global user.email {{q .GitUserEmail}}; } || fail "configure git identity"
git config --global credential.helper '!f() { echo username=oauth2; echo "password=${GIT_TOKEN}"; }; f' || fail "configure git credentials"
if [ ! -d {{q .Workspace}}/.git ]; then
  git clone "{{.CloneURL}}" {{q .Workspace}} || fail "clone repository"
  cd {{q .Workspace}} || fail "enter workspace"
  git remote set-url origin {{q .PlainURL}} || fail "scrub remote url"
{{- if .NewBranch}}
  { git checkout -b {{q .Branch}} && git push --set-upstream origin {{q .Branch}}; } || fail "create branch"
{{- else}}
  { git fetch origin {{q .Branch}} && git checkout -B {{q .Branch}} {{q .RemoteRef}} && git branch {{q .UpstreamFlag}}; } || fail "checkout branch"
{{- end}}
fi
touch {{q .Sentinel}} || fail "write sentinel"
exec tail -f /dev/null
`

type bootstrapData struct {
	Sentinel      string
	FailureMarker string
	Workspace     string
	Install       string
	InstallStep   string
	GitUserName   string
	GitUserEmail  string
	CloneURL      string
	PlainURL      string
	NewBranch     bool
	Branch        string
	RemoteRef     string
	UpstreamFlag  string
}

// ResolveBranch returns the branch an environment checks out.
func ResolveBranch(mode, branch, envID string) (string, error) {
	switch mode {
	case BranchModeNew:
		return "feature/" + envID, nil
	case BranchModeExisting:
		if err := ValidateBranch(branch); err != nil {
			return "", err
		}
		return branch, nil
	}
	return "", fmt.Errorf("%w: branch_mode must be %q or %q", ErrInvalidInput, BranchModeNew, BranchModeExisting)
}

// Validate checks every input that reaches the rendered script.
func (in BootstrapInput) Validate() error {
	if in.Tool == nil {
		return fmt.Errorf("%w: tool is required", ErrInvalidInput)
	}
	if err := ValidateID("environment", in.EnvID); err != nil {
		return err
	}
	if _, err := ParseRepoURL(in.RepoURL); err != nil {
		return err
	}
	branch, err := ResolveBranch(in.BranchMode, in.Branch, in.EnvID)
	if err != nil {
		return err
	}
	if err := ValidateBranch(branch); err != nil {
		return err
	}
	if in.GitUserName == "" || in.GitUserEmail == "" {
		return fmt.Errorf("%w: git identity is required", ErrInvalidInput)
	}
	return nil
}

// Render validates in and produces the script. The git token never appears
// in the output; the clone URL expands ${GIT_TOKEN} from the container env.
func (t *Template) Render(in BootstrapInput) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	u, _ := ParseRepoURL(in.RepoURL)
	branch, _ := ResolveBranch(in.BranchMode, in.Branch, in.EnvID)

	data := bootstrapData{
		Sentinel:      SentinelPath,
		FailureMarker: FailureMarker,
		Workspace:     WorkspacePath,
		Install:       in.Tool.Install(),
		InstallStep:   "install " + in.Tool.Name(),
		GitUserName:   in.GitUserName,
		GitUserEmail:  in.GitUserEmail,
		CloneURL:      CloneURL(u),
		PlainURL:      "https://" + u.Host + u.EscapedPath(),
		NewBranch:     in.BranchMode == BranchModeNew,
		Branch:        branch,
		RemoteRef:     "origin/" + branch,
		UpstreamFlag:  "--set-upstream-to=origin/" + branch,
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render bootstrap %s: %w", t.Version, err)
	}
	return buf.String(), nil
}
