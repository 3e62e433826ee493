// ABOUTME: Runs one command on a machine over SSH and captures its output
// ABOUTME: Non-zero exits become ExitError carrying stdout, stderr and the status

package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alessio/shellescape"
	"golang.org/x/crypto/ssh"

	"github.com/2389/wol-gateway/internal/auth"
	"github.com/2389/wol-gateway/internal/config"
)

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Status int
	Stdout string
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("stderr: %s\nstdout: %s\nreturn code: %d", e.Stderr, e.Stdout, e.Status)
}

// SSHExecutor opens a fresh SSH connection per command.
type SSHExecutor struct {
	Keys           *auth.KeyRing
	HostKeys       ssh.HostKeyCallback
	ConnectTimeout time.Duration
}

// NewSSHExecutor builds an executor checking host keys against knownHostsFile.
// An empty file disables host key checking.
func NewSSHExecutor(knownHostsFile string, connectTimeout time.Duration) (*SSHExecutor, error) {
	hostKeys, err := auth.HostKeyCallback(knownHostsFile)
	if err != nil {
		return nil, err
	}
	return &SSHExecutor{
		Keys:           auth.NewKeyRing(),
		HostKeys:       hostKeys,
		ConnectTimeout: connectTimeout,
	}, nil
}

// Exec runs argv on addr as creds.User and returns stdout.
func (e *SSHExecutor) Exec(ctx context.Context, addr string, creds auth.Credentials, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}

	signer, err := e.Keys.Signer(creds.KeyPath)
	if err != nil {
		return nil, err
	}

	timeout := e.ConnectTimeout
	if timeout <= 0 {
		timeout = config.DefaultConnectTimeout
	}
	client, err := auth.Dial(ctx, addr, auth.ClientConfig(creds.User, signer, e.HostKeys, timeout))
	if err != nil {
		return nil, err
	}
	defer client.Close()

	// Closing the client unblocks a running command when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening session on %s: %w", addr, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	err = session.Run(ShellJoin(argv))
	if ctx.Err() != nil {
		return nil, fmt.Errorf("running command on %s: %w", addr, ctx.Err())
	}

	var exitErr *ssh.ExitError
	switch {
	case errors.As(err, &exitErr):
		return stdout.Bytes(), &ExitError{
			Status: exitErr.ExitStatus(),
			Stdout: stdout.String(),
			Stderr: stderr.String(),
		}
	case err != nil:
		return nil, fmt.Errorf("running command on %s: %w", addr, err)
	}
	return stdout.Bytes(), nil
}

// ShellJoin quotes argv into one command line for the remote shell.
func ShellJoin(argv []string) string {
	return shellescape.QuoteCommand(argv)
}
