package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/term"

	"github.com/basket/agentbox/internal/bridge"
	"github.com/basket/agentbox/internal/config"
)

// detachKey is Ctrl-].
const detachKey = 0x1d

func runAttachCommand(ctx context.Context, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: agentbox attach <project> <env>")
		return 2
	}
	project, env := args[0], args[1]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	token := readAuthToken(cfg.HomeDir)
	if token == "" {
		fmt.Fprintln(os.Stderr, "no auth token found; start the daemon once or set AGENTBOX_AUTH_TOKEN")
		return 1
	}

	inFd, outFd := int(os.Stdin.Fd()), int(os.Stdout.Fd())
	if !term.IsTerminal(inFd) {
		fmt.Fprintln(os.Stderr, "agentbox attach needs an interactive terminal")
		return 2
	}
	size := func() (uint, uint, bool) {
		cols, rows, err := term.GetSize(outFd)
		if err != nil || rows <= 0 || cols <= 0 {
			return 0, 0, false
		}
		return uint(rows), uint(cols), true
	}
	rows, cols, _ := size()

	target := shellURL(daemonBaseURL(cfg.BindAddr), project, env, rows, cols)
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPHeader: map[string][]string{"Authorization": {"Bearer " + token}},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "attach: %v\n", err)
		return 1
	}
	defer conn.CloseNow()

	state, err := term.MakeRaw(inFd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "raw mode: %v\n", err)
		return 1
	}
	resize, stopResize := resizeSignals()
	defer stopResize()

	reason, err := attachSession(ctx, conn, os.Stdin, os.Stdout, resize, size)
	_ = term.Restore(inFd, state)

	fmt.Fprintln(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "attach: %v\n", err)
		return 1
	}
	if reason != "" {
		fmt.Fprintf(os.Stderr, "connection closed: %s\n", reason)
	}
	return 0
}

// shellURL builds the /ws/shell endpoint for a daemon base URL.
func shellURL(base, project, env string, rows, cols uint) string {
	u := strings.Replace(base, "http", "ws", 1) +
		"/ws/shell/" + url.PathEscape(project) + "/" + url.PathEscape(env)
	q := url.Values{}
	if rows > 0 && cols > 0 {
		q.Set("rows", strconv.FormatUint(uint64(rows), 10))
		q.Set("cols", strconv.FormatUint(uint64(cols), 10))
	}
	if len(q) == 0 {
		return u
	}
	return u + "?" + q.Encode()
}

// clientConn serializes frame writes from the stdin, resize and heartbeat paths.
type clientConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (cc *clientConn) send(ctx context.Context, f bridge.ClientFrame) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return wsjson.Write(ctx, cc.c, f)
}

// attachSession relays in to the remote shell and remote output to out until
// either side closes. It returns the server's close reason, if any.
func attachSession(ctx context.Context, c *websocket.Conn, in io.Reader, out io.Writer,
	resize <-chan struct{}, size func() (rows, cols uint, ok bool)) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cc := &clientConn{c: c}
	var localReason atomic.Pointer[string]
	closeLocal := func(reason string) {
		localReason.Store(&reason)
		_ = c.Close(websocket.StatusNormalClosure, reason)
	}

	if rows, cols, ok := size(); ok {
		if err := cc.send(ctx, bridge.ClientFrame{Type: bridge.TypeResize, Rows: rows, Cols: cols}); err != nil {
			return "", err
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-resize:
				if rows, cols, ok := size(); ok {
					_ = cc.send(ctx, bridge.ClientFrame{Type: bridge.TypeResize, Rows: rows, Cols: cols})
				}
			}
		}
	}()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				if i := bytes.IndexByte(chunk, detachKey); i >= 0 {
					if i > 0 {
						_ = cc.send(ctx, bridge.ClientFrame{Type: bridge.TypeInput, Data: string(chunk[:i])})
					}
					closeLocal("detached")
					return
				}
				if cc.send(ctx, bridge.ClientFrame{Type: bridge.TypeInput, Data: string(chunk)}) != nil {
					return
				}
			}
			if err != nil {
				closeLocal("input closed")
				return
			}
		}
	}()

	for {
		var f bridge.ServerFrame
		if err := wsjson.Read(ctx, c, &f); err != nil {
			if r := localReason.Load(); r != nil {
				return *r, nil
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Reason, nil
			}
			if ctx.Err() != nil {
				return "", nil
			}
			return "", err
		}
		switch f.Type {
		case bridge.TypeOutput:
			if _, err := io.WriteString(out, f.Data); err != nil {
				return "", err
			}
		case bridge.TypeHeartbeat:
			if err := cc.send(ctx, bridge.ClientFrame{Type: bridge.TypePing}); err != nil {
				return "", err
			}
		}
	}
}
