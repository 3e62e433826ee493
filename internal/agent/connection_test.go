// ABOUTME: Tests for agent connections and the hello handshake
// ABOUTME: Uses an in-memory transport to drive the receive loop

package agent

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTransport implements Transport for testing.
type mockTransport struct {
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once

	mu       sync.Mutex
	sent     [][]byte
	writeErr error
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (m *mockTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-m.incoming:
		return data, nil
	case <-m.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *mockTransport) WriteMessage(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.sent = append(m.sent, data)
	return nil
}

func (m *mockTransport) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *mockTransport) getSent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, b := range m.sent {
		out[i] = string(b)
	}
	return out
}

func waitDone(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("receive loop did not end")
	}
}

func TestConnection_SessionClosedCallback(t *testing.T) {
	tr := newMockTransport()
	closedCh := make(chan *Connection, 1)

	conn := NewConnection(ConnectionParams{
		ID:              "agent-1",
		MachineName:     "m1",
		Transport:       tr,
		OnSessionClosed: func(c *Connection) { closedCh <- c },
	})
	conn.Start(context.Background())
	defer conn.Close()

	tr.incoming <- []byte(`{"vdi_closed":null}`)

	select {
	case got := <-closedCh:
		assert.Same(t, conn, got)
	case <-time.After(time.Second):
		t.Fatal("OnSessionClosed not called")
	}
	assert.True(t, conn.Alive())
}

func TestConnection_StoresCertificateHash(t *testing.T) {
	tr := newMockTransport()
	conn := NewConnection(ConnectionParams{ID: "agent-1", MachineName: "m1", Transport: tr})
	conn.Start(context.Background())
	defer conn.Close()

	tr.incoming <- []byte(`{"vdi_certificate_hash":[7,8]}`)

	require.Eventually(t, func() bool {
		return len(conn.CertificateHash()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte{7, 8}, conn.CertificateHash())
}

func TestConnection_RepeatedHelloIgnored(t *testing.T) {
	tr := newMockTransport()
	closedCh := make(chan struct{}, 1)
	conn := NewConnection(ConnectionParams{
		ID:              "agent-1",
		MachineName:     "m1",
		Transport:       tr,
		OnSessionClosed: func(*Connection) { closedCh <- struct{}{} },
	})
	conn.Start(context.Background())
	defer conn.Close()

	tr.incoming <- []byte(`{"hello":{"machine_name":"m1","applications":[]}}`)
	tr.incoming <- []byte(`{"vdi_closed":null}`)

	// The loop is still reading after the stray hello
	select {
	case <-closedCh:
	case <-time.After(time.Second):
		t.Fatal("loop stopped after repeated hello")
	}
	assert.True(t, conn.Alive())
}

func TestConnection_ProtocolErrorDropsConnection(t *testing.T) {
	tr := newMockTransport()
	conn := NewConnection(ConnectionParams{ID: "agent-1", MachineName: "m1", Transport: tr})
	conn.Start(context.Background())

	tr.incoming <- []byte(`{"self_destruct":null}`)

	waitDone(t, conn)
	assert.False(t, conn.Alive())
	assert.ErrorIs(t, conn.Err(), ErrUnknownMessage)

	select {
	case <-tr.closed:
	default:
		t.Error("transport was not closed")
	}
}

func TestConnection_TransportCloseEndsLoop(t *testing.T) {
	tr := newMockTransport()
	conn := NewConnection(ConnectionParams{ID: "agent-1", MachineName: "m1", Transport: tr})
	conn.Start(context.Background())

	_ = tr.Close()

	waitDone(t, conn)
	assert.ErrorIs(t, conn.Err(), io.EOF)
}

func TestConnection_Send(t *testing.T) {
	t.Run("encodes open session", func(t *testing.T) {
		tr := newMockTransport()
		conn := NewConnection(ConnectionParams{ID: "agent-1", MachineName: "m1", Transport: tr})
		conn.Start(context.Background())
		defer conn.Close()

		require.NoError(t, conn.Send(context.Background(), OpenSession{}))
		assert.Equal(t, []string{`{"open_vdi":null}`}, tr.getSent())
	})

	t.Run("transport failure", func(t *testing.T) {
		tr := newMockTransport()
		tr.writeErr = errors.New("broken pipe")
		conn := NewConnection(ConnectionParams{ID: "agent-1", MachineName: "m1", Transport: tr})
		conn.Start(context.Background())
		defer conn.Close()

		err := conn.Send(context.Background(), OpenSession{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken pipe")
	})

	t.Run("after close", func(t *testing.T) {
		tr := newMockTransport()
		conn := NewConnection(ConnectionParams{ID: "agent-1", MachineName: "m1", Transport: tr})
		require.NoError(t, conn.Close())

		assert.ErrorIs(t, conn.Send(context.Background(), OpenSession{}), ErrConnectionClosed)
		assert.Empty(t, tr.getSent())
	})
}

func TestConnection_CloseWithoutStart(t *testing.T) {
	conn := NewConnection(ConnectionParams{ID: "agent-1", MachineName: "m1", Transport: newMockTransport()})
	require.NoError(t, conn.Close())
	waitDone(t, conn)
	assert.ErrorIs(t, conn.Err(), ErrConnectionClosed)
}

func TestReadHello(t *testing.T) {
	t.Run("valid hello", func(t *testing.T) {
		tr := newMockTransport()
		tr.incoming <- []byte(`{"hello":{"machine_name":"m1","applications":[]}}`)

		hello, err := ReadHello(context.Background(), tr, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "m1", hello.MachineName)
		assert.Empty(t, hello.Applications)
	})

	t.Run("first message not hello", func(t *testing.T) {
		tr := newMockTransport()
		tr.incoming <- []byte(`{"vdi_closed":null}`)

		_, err := ReadHello(context.Background(), tr, time.Second)
		assert.ErrorIs(t, err, ErrUnexpectedMessage)
	})

	t.Run("malformed", func(t *testing.T) {
		tr := newMockTransport()
		tr.incoming <- []byte(`{"hello":`)

		_, err := ReadHello(context.Background(), tr, time.Second)
		assert.ErrorIs(t, err, ErrMalformedMessage)
	})

	t.Run("timeout", func(t *testing.T) {
		_, err := ReadHello(context.Background(), newMockTransport(), 20*time.Millisecond)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("transport closed", func(t *testing.T) {
		tr := newMockTransport()
		_ = tr.Close()

		_, err := ReadHello(context.Background(), tr, time.Second)
		assert.ErrorIs(t, err, io.EOF)
	})
}
