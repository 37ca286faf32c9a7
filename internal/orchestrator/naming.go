package orchestrator

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	idPattern     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,62}$`)
	branchPattern = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)
	hostPathSafe  = regexp.MustCompile(`^[A-Za-z0-9._~/%:+-]+$`)
	invalidRun    = regexp.MustCompile(`[^a-z0-9_.-]+`)
	dashRun       = regexp.MustCompile(`-{2,}`)
)

// Sanitize lowercases s and folds it into the container-name alphabet.
func Sanitize(s string) string {
	s = strings.ToLower(s)
	s = invalidRun.ReplaceAllString(s, "-")
	s = dashRun.ReplaceAllString(s, "-")
	return strings.Trim(s, "-_.")
}

// SandboxName derives the container name for an environment.
// Distinct logical names can collide after sanitizing; callers reject that
// at the registry level.
func SandboxName(tool, project, env string) string {
	return fmt.Sprintf("%s-env-%s-%s", Sanitize(tool), Sanitize(project), Sanitize(env))
}

// ValidateID checks a project or environment identifier.
func ValidateID(kind, id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %s %q must match %s", ErrInvalidInput, kind, id, idPattern.String())
	}
	return nil
}

// ValidateBranch rejects branch names that git or the shell would misread.
func ValidateBranch(branch string) error {
	switch {
	case branch == "":
		return fmt.Errorf("%w: branch is required", ErrInvalidInput)
	case !branchPattern.MatchString(branch):
		return fmt.Errorf("%w: branch %q has invalid characters", ErrInvalidInput, branch)
	case strings.HasPrefix(branch, "-"):
		return fmt.Errorf("%w: branch %q must not start with '-'", ErrInvalidInput, branch)
	case strings.Contains(branch, ".."):
		return fmt.Errorf("%w: branch %q must not contain '..'", ErrInvalidInput, branch)
	case strings.HasSuffix(branch, "/") || strings.HasSuffix(branch, ".lock"):
		return fmt.Errorf("%w: branch %q is not a valid ref name", ErrInvalidInput, branch)
	}
	return nil
}

// ParseRepoURL accepts only credential-free https repository URLs.
func ParseRepoURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: repo_url: %v", ErrInvalidInput, err)
	}
	switch {
	case u.Scheme != "https":
		return nil, fmt.Errorf("%w: repo_url must use https", ErrInvalidInput)
	case u.Host == "":
		return nil, fmt.Errorf("%w: repo_url has no host", ErrInvalidInput)
	case u.User != nil:
		return nil, fmt.Errorf("%w: repo_url must not embed credentials", ErrInvalidInput)
	case u.RawQuery != "" || u.Fragment != "":
		return nil, fmt.Errorf("%w: repo_url must not carry a query or fragment", ErrInvalidInput)
	case !hostPathSafe.MatchString(u.Host + u.EscapedPath()):
		return nil, fmt.Errorf("%w: repo_url has unsupported characters", ErrInvalidInput)
	}
	return u, nil
}

// CloneURL returns the repository URL with a placeholder credential that the
// shell expands from the container environment.
func CloneURL(u *url.URL) string {
	return "https://oauth2:${GIT_TOKEN}@" + u.Host + u.EscapedPath()
}

// ShellQuote single-quotes s for POSIX sh.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
