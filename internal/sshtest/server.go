// ABOUTME: In-process SSH server for tests that exercise real SSH clients
// ABOUTME: Scripts exec results, echoes shell input and records pty and resize requests

// Package sshtest runs a throwaway SSH server on the loopback interface.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// ExecResult is what the server answers to an exec request.
type ExecResult struct {
	Stdout string
	Stderr string
	Status int
}

// Server accepts one user authenticated by the key written to KeyPath.
type Server struct {
	Addr    string
	User    string
	KeyPath string

	// Exec answers exec requests. Nil means exit 0 with no output.
	Exec func(cmd string) ExecResult

	listener net.Listener
	config   *ssh.ServerConfig

	mu       sync.Mutex
	commands []string
	terms    []string
	resizes  [][2]int
	input    []byte
}

type ptyRequest struct {
	Term   string
	Cols   uint32
	Rows   uint32
	Width  uint32
	Height uint32
	Modes  string
}

type windowChange struct {
	Cols   uint32
	Rows   uint32
	Width  uint32
	Height uint32
}

type exitStatus struct {
	Status uint32
}

// NewServer starts a server for user and registers its shutdown with t.
func NewServer(t testing.TB, user string) *Server {
	t.Helper()

	_, clientKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating client key: %v", err)
	}
	clientSigner, err := ssh.NewSignerFromKey(clientKey)
	if err != nil {
		t.Fatalf("client signer: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(clientKey, "sshtest")
	if err != nil {
		t.Fatalf("marshaling client key: %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("writing client key: %v", err)
	}

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	authorized := string(clientSigner.PublicKey().Marshal())
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() == user && string(key.Marshal()) == authorized {
				return nil, nil
			}
			return nil, errors.New("unauthorized")
		},
	}
	cfg.AddHostKey(hostSigner)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}

	s := &Server{
		Addr:     l.Addr().String(),
		User:     user,
		KeyPath:  keyPath,
		listener: l,
		config:   cfg,
	}
	go s.serve()
	t.Cleanup(func() { _ = l.Close() })
	return s
}

// Commands returns every exec command received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Terms returns the terminal types of every pty request.
func (s *Server) Terms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.terms...)
}

// Resizes returns every window change as [cols, rows].
func (s *Server) Resizes() [][2]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]int(nil), s.resizes...)
}

// Input returns everything written to shells so far.
func (s *Server) Input() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.input)
}

func (s *Server) serve() {
	for {
		c, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(c)
	}
}

func (s *Server) handleConn(c net.Conn) {
	sc, chans, reqs, err := ssh.NewServerConn(c, s.config)
	if err != nil {
		_ = c.Close()
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "only sessions")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			return
		}
		go s.handleSession(ch, chReqs)
	}
}

func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	for req := range reqs {
		switch req.Type {
		case "pty-req":
			var p ptyRequest
			ok := ssh.Unmarshal(req.Payload, &p) == nil
			if ok {
				s.mu.Lock()
				s.terms = append(s.terms, p.Term)
				s.mu.Unlock()
			}
			_ = req.Reply(ok, nil)

		case "window-change":
			var w windowChange
			if ssh.Unmarshal(req.Payload, &w) == nil {
				s.mu.Lock()
				s.resizes = append(s.resizes, [2]int{int(w.Cols), int(w.Rows)})
				s.mu.Unlock()
			}
			_ = req.Reply(true, nil)

		case "exec":
			var e struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &e); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			s.runExec(ch, e.Command)
			return

		case "shell":
			_ = req.Reply(true, nil)
			go s.runShell(ch)

		default:
			_ = req.Reply(false, nil)
		}
	}
}

func (s *Server) runExec(ch ssh.Channel, cmd string) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	exec := s.Exec
	s.mu.Unlock()

	var res ExecResult
	if exec != nil {
		res = exec(cmd)
	}
	_, _ = ch.Write([]byte(res.Stdout))
	_, _ = ch.Stderr().Write([]byte(res.Stderr))
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(exitStatus{Status: uint32(res.Status)}))
}

// runShell echoes input back until it sees "exit" or stdin closes.
func (s *Server) runShell(ch ssh.Channel) {
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.mu.Lock()
			s.input = append(s.input, chunk...)
			all := string(s.input)
			s.mu.Unlock()

			_, _ = ch.Write(chunk)
			if strings.Contains(all, "exit\n") {
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(exitStatus{Status: 0}))
				_ = ch.Close()
				return
			}
		}
		if err != nil {
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(exitStatus{Status: 0}))
			_ = ch.Close()
			return
		}
	}
}
