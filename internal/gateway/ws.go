package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/agentbox/internal/bridge"
	"github.com/basket/agentbox/internal/bus"
)

// eventTopics are the bus prefixes forwarded to /ws/events.
var eventTopics = []string{"env.", "bridge.", "reaper."}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
}

// handleShell upgrades to a shell bridge. Authentication has already run.
func (s *Server) handleShell(w http.ResponseWriter, r *http.Request) {
	req := bridge.Request{
		Project:     r.PathValue("project"),
		Environment: r.PathValue("env"),
		Rows:        queryUint(r, "rows"),
		Cols:        queryUint(r, "cols"),
	}
	c, err := s.accept(w, r)
	if err != nil {
		s.logger.Warn("shell upgrade failed", "project", req.Project, "environment", req.Environment, "error", err)
		return
	}
	s.cfg.Bridge.Serve(r.Context(), bridge.NewWSConn(c), req)
}

func queryUint(r *http.Request, key string) uint {
	v, err := strconv.ParseUint(r.URL.Query().Get(key), 10, 16)
	if err != nil {
		return 0
	}
	return uint(v)
}

// handleEvents streams bus events as JSON until the client goes away. An
// optional ?topic= prefix narrows the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("topic")
	c, err := s.accept(w, r)
	if err != nil {
		s.logger.Warn("events upgrade failed", "error", err)
		return
	}
	defer c.CloseNow()

	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := c.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				_ = c.Close(websocket.StatusGoingAway, "event bus closed")
				return
			}
			if !forwarded(ev) {
				continue
			}
			if err := wsjson.Write(ctx, c, ev); err != nil {
				s.logger.Debug("events client write failed", "error", err)
				return
			}
		}
	}
}

func forwarded(ev bus.Event) bool {
	for _, p := range eventTopics {
		if strings.HasPrefix(ev.Topic, p) {
			return true
		}
	}
	return false
}
