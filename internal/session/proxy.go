// ABOUTME: Copies frames between a browser WebSocket and a remote shell
// ABOUTME: Stops when either side ends and always closes the shell's input

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/2389/wol-gateway/internal/wsconn"
)

// Front is the browser side of a session.
type Front interface {
	ReadFrame(ctx context.Context) (wsconn.MessageType, []byte, error)
	WriteFrame(ctx context.Context, typ wsconn.MessageType, data []byte) error
}

// Event is output from the shell. The final event has Exited set.
type Event struct {
	Data       []byte
	Exited     bool
	ExitStatus int
}

// Shell is the remote side of a session.
type Shell interface {
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
	// CloseInput signals end of input. Safe to call more than once.
	CloseInput() error
	// Events is closed after the Exited event.
	Events() <-chan Event
	Close() error
}

// Proxy pumps one session.
type Proxy struct {
	Front  Front
	Shell  Shell
	Logger *slog.Logger
}

// Run blocks until the browser disconnects, the shell exits or a frame
// cannot be translated. Only translation and transport failures are errors.
func (p *Proxy) Run(ctx context.Context) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return p.pumpInput(ctx, logger)
	})
	g.Go(func() error {
		defer cancel()
		return p.pumpOutput(ctx, logger)
	})
	err := g.Wait()

	if cerr := p.Shell.CloseInput(); cerr != nil {
		logger.Debug("closing shell input", "error", cerr)
	}
	return err
}

// pumpInput forwards browser frames to the shell.
func (p *Proxy) pumpInput(ctx context.Context, logger *slog.Logger) error {
	for {
		typ, data, err := p.Front.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				logger.Debug("browser side closed")
				return nil
			}
			return fmt.Errorf("reading from browser: %w", err)
		}

		if typ == wsconn.Binary {
			if _, err := p.Shell.Write(data); err != nil {
				return fmt.Errorf("writing to shell: %w", err)
			}
			continue
		}

		frame, err := DecodeClientFrame(data)
		if err != nil {
			logger.Warn("bad frame from browser, ending session", "error", err)
			return err
		}
		switch f := frame.(type) {
		case Input:
			if _, err := p.Shell.Write([]byte(f.Data)); err != nil {
				return fmt.Errorf("writing to shell: %w", err)
			}
		case ChangeSize:
			if err := p.Shell.Resize(f.Cols, f.Rows); err != nil {
				return fmt.Errorf("resizing shell: %w", err)
			}
		}
	}
}

// pumpOutput forwards shell output to the browser until the shell exits.
func (p *Proxy) pumpOutput(ctx context.Context, logger *slog.Logger) error {
	events := p.Shell.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if len(ev.Data) > 0 {
				if err := p.Front.WriteFrame(ctx, wsconn.Binary, ev.Data); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("writing to browser: %w", err)
				}
			}
			if ev.Exited {
				logger.Debug("shell exited", "status", ev.ExitStatus)
				return nil
			}
		}
	}
}
