// ABOUTME: Tests for opening interactive shells over SSH
// ABOUTME: Runs against an in-process SSH server that echoes input

package session

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wol-gateway/internal/auth"
	"github.com/2389/wol-gateway/internal/sshtest"
)

func TestDialer_ShellRoundTrip(t *testing.T) {
	srv := sshtest.NewServer(t, "deploy")
	d := &Dialer{Timeout: time.Second}

	shell, err := d.Dial(context.Background(), srv.Addr, auth.Credentials{User: "deploy", KeyPath: srv.KeyPath})
	require.NoError(t, err)
	defer shell.Close()

	require.NoError(t, shell.Resize(120, 40))
	_, err = shell.Write([]byte("exit\n"))
	require.NoError(t, err)

	var out strings.Builder
	exited := false
	timeout := time.After(2 * time.Second)
	for !exited {
		select {
		case ev, ok := <-shell.Events():
			if !ok {
				t.Fatalf("events closed before exit")
			}
			out.Write(ev.Data)
			exited = ev.Exited
		case <-timeout:
			t.Fatalf("shell did not exit")
		}
	}

	assert.Contains(t, out.String(), "exit")
	assert.Equal(t, []string{"xterm-256color"}, srv.Terms())
	require.Eventually(t, func() bool { return len(srv.Resizes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [2]int{120, 40}, srv.Resizes()[0])
	first := shell.CloseInput()
	assert.Equal(t, first, shell.CloseInput(), "closing input twice reports the same result")
}

func TestDialer_Stages(t *testing.T) {
	srv := sshtest.NewServer(t, "deploy")
	d := &Dialer{Timeout: time.Second}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedAddr := l.Addr().String()
	require.NoError(t, l.Close())

	tests := []struct {
		name  string
		addr  string
		creds auth.Credentials
		want  Stage
	}{
		{"missing key", srv.Addr, auth.Credentials{User: "deploy", KeyPath: filepath.Join(t.TempDir(), "none")}, StageLoadKey},
		{"no key path", srv.Addr, auth.Credentials{User: "deploy"}, StageLoadKey},
		{"refused", closedAddr, auth.Credentials{User: "deploy", KeyPath: srv.KeyPath}, StageConnect},
		{"wrong user", srv.Addr, auth.Credentials{User: "root", KeyPath: srv.KeyPath}, StageAuthenticate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Dial(context.Background(), tt.addr, tt.creds)
			var stageErr *StageError
			require.ErrorAs(t, err, &stageErr)
			assert.Equal(t, tt.want, stageErr.Stage)
			assert.True(t, strings.HasPrefix(err.Error(), string(tt.want)+": "))
		})
	}
}

func TestDialer_SilentHostTimesOut(t *testing.T) {
	srv := sshtest.NewServer(t, "deploy")

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()
	t.Cleanup(func() {
		select {
		case conn := <-accepted:
			_ = conn.Close()
		default:
		}
	})

	d := &Dialer{Timeout: 200 * time.Millisecond}
	done := make(chan error, 1)
	go func() {
		_, err := d.Dial(context.Background(), l.Addr().String(), auth.Credentials{User: "deploy", KeyPath: srv.KeyPath})
		done <- err
	}()

	select {
	case err := <-done:
		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, StageAuthenticate, stageErr.Stage)
	case <-time.After(3 * time.Second):
		t.Fatal("dial to a host that never speaks ssh did not time out")
	}
}
