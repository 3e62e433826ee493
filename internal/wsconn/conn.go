// ABOUTME: Adapts coder/websocket connections to the message and frame interfaces
// ABOUTME: Shared by the agent control channel, the session proxy and list watchers

package wsconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/coder/websocket"
)

// MessageType distinguishes text frames from binary frames.
type MessageType int

const (
	// Text frames carry UTF-8 JSON.
	Text MessageType = iota + 1
	// Binary frames carry raw bytes.
	Binary
)

func (t MessageType) String() string {
	switch t {
	case Text:
		return "text"
	case Binary:
		return "binary"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// Options tune accepted and dialed connections.
type Options struct {
	// OriginPatterns lists allowed browser origins. "*" allows any origin.
	OriginPatterns []string
	// ReadLimit caps the size of a single message. Zero keeps the library default.
	ReadLimit int64
}

// Conn wraps a websocket connection.
type Conn struct {
	ws *websocket.Conn
}

// New wraps an established websocket connection.
func New(ws *websocket.Conn, readLimit int64) *Conn {
	if readLimit > 0 {
		ws.SetReadLimit(readLimit)
	}
	return &Conn{ws: ws}
}

// Accept upgrades an HTTP request to a websocket connection.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	acceptOpts := &websocket.AcceptOptions{}
	for _, p := range opts.OriginPatterns {
		if p == "*" {
			acceptOpts.InsecureSkipVerify = true
			continue
		}
		acceptOpts.OriginPatterns = append(acceptOpts.OriginPatterns, p)
	}

	ws, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		return nil, fmt.Errorf("accepting websocket: %w", err)
	}
	return New(ws, opts.ReadLimit), nil
}

// Dial opens a client websocket connection to url.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	ws, resp, err := websocket.Dial(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return New(ws, opts.ReadLimit), nil
}

// ReadFrame reads the next frame. A normal close by the peer is reported as io.EOF.
func (c *Conn) ReadFrame(ctx context.Context) (MessageType, []byte, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return 0, nil, normalizeErr(err)
	}
	if typ == websocket.MessageBinary {
		return Binary, data, nil
	}
	return Text, data, nil
}

// WriteFrame writes one frame of the given type.
func (c *Conn) WriteFrame(ctx context.Context, typ MessageType, data []byte) error {
	wsType := websocket.MessageText
	if typ == Binary {
		wsType = websocket.MessageBinary
	}
	if err := c.ws.Write(ctx, wsType, data); err != nil {
		return normalizeErr(err)
	}
	return nil
}

// ReadMessage reads the next message regardless of frame type.
func (c *Conn) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := c.ReadFrame(ctx)
	return data, err
}

// WriteMessage writes data as a text frame.
func (c *Conn) WriteMessage(ctx context.Context, data []byte) error {
	return c.WriteFrame(ctx, Text, data)
}

// Close performs a normal closing handshake.
func (c *Conn) Close() error {
	return c.CloseWith(websocket.StatusNormalClosure, "")
}

// CloseWith closes with the given status code and reason.
func (c *Conn) CloseWith(code websocket.StatusCode, reason string) error {
	err := c.ws.Close(code, reason)
	if err == nil || websocket.CloseStatus(err) != -1 || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// IsNormalClose reports whether err means the peer closed the connection cleanly.
func IsNormalClose(err error) bool {
	return errors.Is(err, io.EOF)
}

func normalizeErr(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return io.EOF
	}
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	return err
}
