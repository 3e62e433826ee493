// ABOUTME: Opens an interactive SSH shell with a pty on a managed machine
// ABOUTME: Reports which setup stage failed so the browser gets a precise error

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/2389/wol-gateway/internal/auth"
	"github.com/2389/wol-gateway/internal/config"
)

// Stage names a step of shell setup.
type Stage string

const (
	StageLoadKey      Stage = "load_key"
	StageConnect      Stage = "connect"
	StageAuthenticate Stage = "authenticate"
	StageOpenChannel  Stage = "open_channel"
)

// StageError reports a setup failure and the stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

const (
	defaultTerm = "xterm-256color"
	defaultCols = 80
	defaultRows = 24
)

// Dialer opens shells. The private key is read from disk on every Dial.
type Dialer struct {
	HostKeys ssh.HostKeyCallback
	Timeout  time.Duration
	Term     string
	Cols     int
	Rows     int
}

// Dial connects to addr as creds.User and starts a login shell.
func (d *Dialer) Dial(ctx context.Context, addr string, creds auth.Credentials) (Shell, error) {
	signer, err := auth.LoadSigner(creds.KeyPath)
	if err != nil {
		return nil, &StageError{Stage: StageLoadKey, Err: err}
	}

	hostKeys := d.HostKeys
	if hostKeys == nil {
		hostKeys = ssh.InsecureIgnoreHostKey()
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = config.DefaultConnectTimeout
	}

	client, err := auth.Dial(ctx, addr, auth.ClientConfig(creds.User, signer, hostKeys, timeout))
	if err != nil {
		var connectErr *auth.ConnectError
		if errors.As(err, &connectErr) {
			return nil, &StageError{Stage: StageConnect, Err: err}
		}
		return nil, &StageError{Stage: StageAuthenticate, Err: err}
	}

	shell, err := d.start(client)
	if err != nil {
		_ = client.Close()
		return nil, &StageError{Stage: StageOpenChannel, Err: err}
	}
	return shell, nil
}

func (d *Dialer) start(client *ssh.Client) (*sshShell, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}

	term, cols, rows := d.Term, d.Cols, d.Rows
	if term == "" {
		term = defaultTerm
	}
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(term, rows, cols, modes); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("requesting pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}

	if err := sess.Shell(); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("starting shell: %w", err)
	}

	s := &sshShell{
		client: client,
		sess:   sess,
		stdin:  stdin,
		events: make(chan Event, 16),
		closed: make(chan struct{}),
	}
	go s.pump(stdout, stderr)
	return s, nil
}

// sshShell adapts an ssh.Session to Shell.
type sshShell struct {
	client *ssh.Client
	sess   *ssh.Session
	stdin  io.WriteCloser
	events chan Event
	closed chan struct{}

	closeOnce      sync.Once
	closeInputOnce sync.Once
	closeInputErr  error
}

// emit delivers ev unless the shell has been closed.
func (s *sshShell) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.closed:
		return false
	}
}

func (s *sshShell) pump(stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)
	go s.copyOutput(&wg, stdout)
	go s.copyOutput(&wg, stderr)
	wg.Wait()

	status := 0
	var exitErr *ssh.ExitError
	if err := s.sess.Wait(); errors.As(err, &exitErr) {
		status = exitErr.ExitStatus()
	}
	s.emit(Event{Exited: true, ExitStatus: status})
	close(s.events)
}

func (s *sshShell) copyOutput(wg *sync.WaitGroup, r io.Reader) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 && !s.emit(Event{Data: append([]byte(nil), buf[:n]...)}) {
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *sshShell) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

func (s *sshShell) Resize(cols, rows int) error {
	return s.sess.WindowChange(rows, cols)
}

func (s *sshShell) CloseInput() error {
	s.closeInputOnce.Do(func() {
		s.closeInputErr = s.stdin.Close()
	})
	return s.closeInputErr
}

func (s *sshShell) Events() <-chan Event {
	return s.events
}

func (s *sshShell) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	_ = s.CloseInput()
	_ = s.sess.Close()
	return s.client.Close()
}
