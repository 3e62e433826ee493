// ABOUTME: Agent main loop: connect with retries, say hello, serve session requests
// ABOUTME: Runs the start command once per session and reports when it exits

package agentclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/2389/wol-gateway/internal/agent"
	"github.com/2389/wol-gateway/internal/wsconn"
)

// Conn is the connection to the gateway.
type Conn interface {
	agent.Transport
}

// DialFunc opens a connection to the gateway.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// RunFunc runs the session start command until it exits.
type RunFunc func(ctx context.Context, command string) error

// Client is a running agent.
type Client struct {
	cfg    *Config
	logger *slog.Logger

	dial DialFunc
	run  RunFunc

	writeMu sync.Mutex

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// Option customizes a Client.
type Option func(*Client)

// WithDialer replaces the WebSocket dialer.
func WithDialer(d DialFunc) Option {
	return func(c *Client) { c.dial = d }
}

// WithRunner replaces the command runner.
func WithRunner(r RunFunc) Option {
	return func(c *Client) { c.run = r }
}

// New creates a client for cfg.
func New(cfg *Config, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:    cfg,
		logger: logger.With("component", "agent", "machine", cfg.MachineName),
		dial:   dialWebSocket,
		run:    runShell,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func dialWebSocket(ctx context.Context, url string) (Conn, error) {
	return wsconn.Dial(ctx, url, wsconn.Options{})
}

func runShell(ctx context.Context, command string) error {
	return exec.CommandContext(ctx, "sh", "-c", command).Run()
}

// Run connects, says hello and serves requests until the gateway goes away
// or ctx is cancelled. A cancelled ctx returns nil.
func (c *Client) Run(ctx context.Context) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer c.wg.Wait()

	hello := &agent.Hello{MachineName: c.cfg.MachineName, Applications: c.cfg.Applications}
	if hello.Applications == nil {
		hello.Applications = []agent.ApplicationInfo{}
	}
	if err := c.send(ctx, conn, hello); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}
	c.logger.Info("connected to gateway", "applications", len(hello.Applications))

	for {
		data, err := conn.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading from gateway: %w", err)
		}

		msg, err := agent.DecodeServerMessage(data)
		if err != nil {
			return fmt.Errorf("message from gateway: %w", err)
		}

		switch msg.(type) {
		case agent.OpenSession:
			c.startSession(ctx, conn)
		}
	}
}

// connect dials the gateway up to MaxRetries times.
func (c *Client) connect(ctx context.Context) (Conn, error) {
	url := c.cfg.URL()
	c.logger.Info("connecting to gateway", "url", url)

	var lastErr error
	for i := 1; i <= c.cfg.MaxRetries; i++ {
		conn, err := c.dial(ctx, url)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		c.logger.Warn("connection attempt failed", "attempt", i, "max", c.cfg.MaxRetries, "error", err)

		if i == c.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.RetryInterval):
		}
	}
	return nil, fmt.Errorf("could not connect to gateway at %s after %d attempts: %w", url, c.cfg.MaxRetries, lastErr)
}

// startSession runs the start command unless a session is already running.
func (c *Client) startSession(ctx context.Context, conn Conn) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.logger.Warn("session already running, ignoring open request")
		return
	}
	c.running = true
	c.mu.Unlock()

	c.logger.Info("starting session", "command", c.cfg.StartSessionCmd)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		err := c.run(ctx, c.cfg.StartSessionCmd)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("session command failed", "error", err)
		} else {
			c.logger.Info("session ended")
		}

		c.mu.Lock()
		c.running = false
		c.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if err := c.send(ctx, conn, agent.SessionClosed{}); err != nil {
			c.logger.Warn("reporting session closed", "error", err)
		}
	}()
}

func (c *Client) send(ctx context.Context, conn Conn, msg agent.AgentMessage) error {
	data, err := agent.EncodeAgentMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(ctx, data)
}
