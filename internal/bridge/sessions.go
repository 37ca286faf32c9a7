package bridge

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	errSuperseded = errors.New("superseded by a newer connection")
	errShutdown   = errors.New("daemon shutting down")
)

type sessionKey struct{ project, env string }

// Handle is one live bridge in the session table.
type Handle struct {
	ConnID      string
	Project     string
	Environment string
	Started     time.Time

	cancel context.CancelCauseFunc
}

// Info is a snapshot of a live bridge.
type Info struct {
	ConnID      string    `json:"conn_id"`
	Project     string    `json:"project"`
	Environment string    `json:"environment"`
	Started     time.Time `json:"started"`
}

// Sessions is the live-session table keyed by (project, environment).
// At most one bridge owns an environment at a time.
type Sessions struct {
	mu   sync.Mutex
	live map[sessionKey]*Handle
}

func NewSessions() *Sessions {
	return &Sessions{live: make(map[sessionKey]*Handle)}
}

// Register makes h the owner of its environment. A previous owner is
// cancelled and returned.
func (s *Sessions) Register(h *Handle) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey{h.Project, h.Environment}
	prev := s.live[key]
	s.live[key] = h
	if prev != nil && prev.cancel != nil {
		prev.cancel(errSuperseded)
	}
	return prev
}

// Unregister removes h if it still owns its environment.
func (s *Sessions) Unregister(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey{h.Project, h.Environment}
	if s.live[key] != h {
		return false
	}
	delete(s.live, key)
	return true
}

// IsLive reports whether a bridge is attached to the environment.
func (s *Sessions) IsLive(project, env string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[sessionKey{project, env}]
	return ok
}

func (s *Sessions) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// List returns live bridges ordered by project then environment.
func (s *Sessions) List() []Info {
	s.mu.Lock()
	out := make([]Info, 0, len(s.live))
	for _, h := range s.live {
		out = append(out, Info{ConnID: h.ConnID, Project: h.Project, Environment: h.Environment, Started: h.Started})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Project != out[j].Project {
			return out[i].Project < out[j].Project
		}
		return out[i].Environment < out[j].Environment
	})
	return out
}

// CloseAll cancels every live bridge.
func (s *Sessions) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.live {
		if h.cancel != nil {
			h.cancel(errShutdown)
		}
	}
}

// Disconnect cancels the bridge attached to an environment, if any.
func (s *Sessions) Disconnect(project, env string, cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.live[sessionKey{project, env}]
	if ok && h.cancel != nil {
		h.cancel(cause)
	}
	return ok
}
