package bridge

import (
	"context"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Frame types.
const (
	TypeInput     = "input"
	TypeResize    = "resize"
	TypePing      = "ping"
	TypeOutput    = "output"
	TypePong      = "pong"
	TypeHeartbeat = "heartbeat"
)

// ClearScreen is sent to the client in place of a forwarded /clear.
const ClearScreen = "\x1b[2J\x1b[H"

const clearCommand = "/clear"

// ClientFrame is a message from the client.
type ClientFrame struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Rows uint   `json:"rows,omitempty"`
	Cols uint   `json:"cols,omitempty"`
}

// ServerFrame is a message to the client.
type ServerFrame struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

// Notice renders a diagnostic line as an output frame.
func Notice(text string) ServerFrame {
	return ServerFrame{Type: TypeOutput, Data: "\r\n" + text + "\r\n"}
}

func isClear(data string) bool {
	return strings.TrimRight(data, "\r\n") == clearCommand
}

// Conn is a framed client connection.
type Conn interface {
	Read(ctx context.Context) (ClientFrame, error)
	Write(ctx context.Context, f ServerFrame) error
	Close(reason string) error
}

// WSConn frames a websocket with JSON text messages.
type WSConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWSConn(c *websocket.Conn) *WSConn {
	return &WSConn{conn: c}
}

func (w *WSConn) Read(ctx context.Context) (ClientFrame, error) {
	var f ClientFrame
	err := wsjson.Read(ctx, w.conn, &f)
	return f, err
}

func (w *WSConn) Write(ctx context.Context, f ServerFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return wsjson.Write(ctx, w.conn, f)
}

func (w *WSConn) Close(reason string) error {
	return w.conn.Close(websocket.StatusNormalClosure, reason)
}
