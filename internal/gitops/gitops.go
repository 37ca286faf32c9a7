// Package gitops queries remote git repositories on behalf of the control plane.
package gitops

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/basket/agentbox/internal/shared"
)

var (
	ErrInvalidURL = errors.New("invalid repository url")
	ErrGitMissing = errors.New("git not found in PATH")
	ErrRemote     = errors.New("git remote unreachable")
)

const defaultTimeout = 30 * time.Second

type runFunc func(ctx context.Context, args ...string) ([]byte, error)

// Client shells out to the git binary.
type Client struct {
	timeout time.Duration
	run     runFunc
}

func New() *Client {
	return &Client{timeout: defaultTimeout, run: runGit}
}

func runGit(ctx context.Context, args ...string) ([]byte, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return nil, ErrGitMissing
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=true")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// AuthURL embeds token as the password of an https repository URL.
func AuthURL(repoURL, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(repoURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return "", fmt.Errorf("%w: %s must be an https URL", ErrInvalidURL, shared.MaskURLCredentials(repoURL))
	}
	if u.User != nil {
		return "", fmt.Errorf("%w: credentials must not be embedded in the URL", ErrInvalidURL)
	}
	if token != "" {
		u.User = url.UserPassword("oauth2", token)
	}
	return u.String(), nil
}

// ListBranches returns the sorted head names of repoURL. The token never
// appears in a returned error.
func (c *Client) ListBranches(ctx context.Context, repoURL, token string) ([]string, error) {
	target, err := AuthURL(repoURL, token)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.run(ctx, "ls-remote", "--heads", target)
	if err != nil {
		msg := shared.MaskSecret(err.Error(), token)
		msg = shared.MaskSecret(msg, target)
		return nil, fmt.Errorf("%w: git ls-remote %s: %s", ErrRemote, shared.MaskURLCredentials(target), msg)
	}
	return ParseHeads(out), nil
}

// ParseHeads extracts branch names from `git ls-remote --heads` output.
func ParseHeads(out []byte) []string {
	var branches []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 {
			continue
		}
		name, ok := strings.CutPrefix(fields[1], "refs/heads/")
		if !ok || name == "" {
			continue
		}
		branches = append(branches, name)
	}
	sort.Strings(branches)
	return branches
}
