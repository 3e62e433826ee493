// ABOUTME: Tests for running commands over SSH
// ABOUTME: Uses an in-process SSH server to script exit codes and output

package probe

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wol-gateway/internal/auth"
	"github.com/2389/wol-gateway/internal/sshtest"
)

func newTestExecutor(t *testing.T) *SSHExecutor {
	t.Helper()
	e, err := NewSSHExecutor("", time.Second)
	require.NoError(t, err)
	return e
}

func TestSSHExecutor_Success(t *testing.T) {
	srv := sshtest.NewServer(t, "deploy")
	srv.Exec = func(cmd string) sshtest.ExecResult {
		return sshtest.ExecResult{Stdout: "ok\n"}
	}

	out, err := newTestExecutor(t).Exec(context.Background(), srv.Addr,
		auth.Credentials{User: "deploy", KeyPath: srv.KeyPath}, []string{"echo", "ok"})
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(out))
	assert.Equal(t, []string{"echo ok"}, srv.Commands())
}

func TestSSHExecutor_QuotesArguments(t *testing.T) {
	srv := sshtest.NewServer(t, "deploy")

	_, err := newTestExecutor(t).Exec(context.Background(), srv.Addr,
		auth.Credentials{User: "deploy", KeyPath: srv.KeyPath}, []string{"notify-send", "backup done", "it's"})
	require.NoError(t, err)

	require.Len(t, srv.Commands(), 1)
	assert.Equal(t, ShellJoin([]string{"notify-send", "backup done", "it's"}), srv.Commands()[0])
	assert.Contains(t, srv.Commands()[0], "'backup done'")
}

func TestSSHExecutor_NonZeroExit(t *testing.T) {
	srv := sshtest.NewServer(t, "deploy")
	srv.Exec = func(string) sshtest.ExecResult {
		return sshtest.ExecResult{Stdout: "partial", Stderr: "disk full", Status: 3}
	}

	_, err := newTestExecutor(t).Exec(context.Background(), srv.Addr,
		auth.Credentials{User: "deploy", KeyPath: srv.KeyPath}, []string{"run-backup"})

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.Status)
	assert.Equal(t, "stderr: disk full\nstdout: partial\nreturn code: 3", err.Error())
}

func TestSSHExecutor_WrongUser(t *testing.T) {
	srv := sshtest.NewServer(t, "deploy")

	_, err := newTestExecutor(t).Exec(context.Background(), srv.Addr,
		auth.Credentials{User: "root", KeyPath: srv.KeyPath}, []string{"true"})

	var handshakeErr *auth.HandshakeError
	assert.True(t, errors.As(err, &handshakeErr), "got %T: %v", err, err)
}

func TestSSHExecutor_Unreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	srv := sshtest.NewServer(t, "deploy")

	_, err = newTestExecutor(t).Exec(context.Background(), addr,
		auth.Credentials{User: "deploy", KeyPath: srv.KeyPath}, []string{"true"})

	var connectErr *auth.ConnectError
	assert.True(t, errors.As(err, &connectErr), "got %T: %v", err, err)
}

func TestSSHExecutor_MissingKey(t *testing.T) {
	_, err := newTestExecutor(t).Exec(context.Background(), "127.0.0.1:22",
		auth.Credentials{User: "deploy"}, []string{"true"})
	assert.ErrorIs(t, err, auth.ErrNoKeyPath)

	_, err = newTestExecutor(t).Exec(context.Background(), "127.0.0.1:22",
		auth.Credentials{User: "deploy", KeyPath: "/k"}, nil)
	assert.ErrorContains(t, err, "empty command")
}

func TestShellJoin(t *testing.T) {
	assert.Equal(t, "echo ok", ShellJoin([]string{"echo", "ok"}))
	assert.Equal(t, "sudo poweroff", ShellJoin([]string{"sudo", "poweroff"}))
	assert.Equal(t, "echo 'a b'", ShellJoin([]string{"echo", "a b"}))
}
