// ABOUTME: Represents a single connected agent and its control channel.
// ABOUTME: Runs the receive loop, exposes a liveness handle and serializes sends.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrConnectionClosed is returned when sending on a connection whose receive loop has ended.
var ErrConnectionClosed = errors.New("agent connection closed")

// Transport is a message-oriented duplex channel to an agent.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// ConnectionParams holds the parameters for creating a new Connection.
type ConnectionParams struct {
	ID          string
	MachineName string
	Transport   Transport
	Logger      *slog.Logger
	// OnSessionClosed is called from the receive loop when the agent reports
	// that its session ended.
	OnSessionClosed func(*Connection)
}

// Connection represents a connected agent after a successful hello.
type Connection struct {
	ID          string
	MachineName string
	ConnectedAt time.Time

	transport       Transport
	onSessionClosed func(*Connection)
	logger          *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	certHash []byte
	err      error

	done      chan struct{}
	closeOnce sync.Once
}

// NewConnection creates a new Connection. Call Start to begin reading.
func NewConnection(p ConnectionParams) *Connection {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		ID:              p.ID,
		MachineName:     p.MachineName,
		ConnectedAt:     time.Now(),
		transport:       p.Transport,
		onSessionClosed: p.OnSessionClosed,
		logger:          logger.With("agent_id", p.ID, "machine", p.MachineName),
		done:            make(chan struct{}),
	}
}

// Start spawns the receive loop. Done is closed when the loop ends.
func (c *Connection) Start(ctx context.Context) {
	go c.receiveLoop(ctx)
}

func (c *Connection) receiveLoop(ctx context.Context) {
	for {
		data, err := c.transport.ReadMessage(ctx)
		if err != nil {
			c.finish(fmt.Errorf("reading from agent: %w", err))
			return
		}

		msg, err := DecodeAgentMessage(data)
		if err != nil {
			c.logger.Warn("protocol error from agent, dropping connection", "error", err)
			c.finish(err)
			_ = c.transport.Close()
			return
		}

		switch m := msg.(type) {
		case SessionClosed:
			c.logger.Info("agent reported session closed")
			if c.onSessionClosed != nil {
				c.onSessionClosed(c)
			}
		case *CertificateHash:
			c.mu.Lock()
			c.certHash = append([]byte(nil), m.Hash...)
			c.mu.Unlock()
			c.logger.Debug("agent sent certificate hash", "bytes", len(m.Hash))
		default:
			c.logger.Warn("unexpected message from connected agent, ignoring", "type", msg.tag())
		}
	}
}

// finish records why the connection ended and closes Done. Only the first call has effect.
func (c *Connection) finish(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

// Send transmits a ServerMessage to the agent.
func (c *Connection) Send(ctx context.Context, msg ServerMessage) error {
	if !c.Alive() {
		return ErrConnectionClosed
	}

	data, err := EncodeServerMessage(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.transport.WriteMessage(ctx, data); err != nil {
		return fmt.Errorf("sending %s: %w", msg.tag(), err)
	}
	return nil
}

// Done returns a channel closed when the receive loop has ended.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Alive reports whether the receive loop is still running.
func (c *Connection) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Err returns the reason the connection ended, or nil while it is alive.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// CertificateHash returns the last certificate hash reported by the agent.
func (c *Connection) CertificateHash() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.certHash...)
}

// Close tears the connection down. Done is closed immediately.
func (c *Connection) Close() error {
	c.finish(ErrConnectionClosed)
	return c.transport.Close()
}
