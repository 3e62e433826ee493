// ABOUTME: Hello handshake performed on every new agent connection
// ABOUTME: Reads exactly one message and requires it to be a hello

package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnexpectedMessage indicates a valid message that is not allowed at this point.
var ErrUnexpectedMessage = errors.New("unexpected message")

// ReadHello waits up to timeout for the first message on t and returns it if it is a Hello.
func ReadHello(ctx context.Context, t Transport, timeout time.Duration) (*Hello, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	data, err := t.ReadMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for hello: %w", err)
	}

	msg, err := DecodeAgentMessage(data)
	if err != nil {
		return nil, err
	}

	hello, ok := msg.(*Hello)
	if !ok {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrUnexpectedMessage, TagHello, msg.tag())
	}
	return hello, nil
}
