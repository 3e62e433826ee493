// ABOUTME: SSH client credentials for outbound connections to managed machines
// ABOUTME: Loads private keys, caches signers, applies host key policy and dials with a context

package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrNoKeyPath is returned when credentials carry no private key path.
var ErrNoKeyPath = errors.New("no private key file configured")

// Credentials identify the remote user and the private key used to log in as them.
type Credentials struct {
	User    string
	KeyPath string
}

// LoadSigner reads and parses the private key at path.
// A leading "~/" is expanded to the current user's home directory.
func LoadSigner(path string) (ssh.Signer, error) {
	if path == "" {
		return nil, ErrNoKeyPath
	}

	resolved, err := expandHome(path)
	if err != nil {
		return nil, err
	}

	pem, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parsing private key %s: %w", resolved, err)
	}
	return signer, nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}

// KeyRing caches parsed signers by key path.
// The probe loop dials every machine each tick, so keys are parsed once.
type KeyRing struct {
	mu      sync.Mutex
	signers map[string]ssh.Signer
}

// NewKeyRing creates an empty key cache.
func NewKeyRing() *KeyRing {
	return &KeyRing{signers: make(map[string]ssh.Signer)}
}

// Signer returns the cached signer for path, loading it on first use.
// Load failures are not cached.
func (k *KeyRing) Signer(path string) (ssh.Signer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if s, ok := k.signers[path]; ok {
		return s, nil
	}
	s, err := LoadSigner(path)
	if err != nil {
		return nil, err
	}
	k.signers[path] = s
	return s, nil
}

// HostKeyCallback returns a callback that checks hosts against knownHostsFile.
// An empty path accepts any host key, matching StrictHostKeyChecking=no.
func HostKeyCallback(knownHostsFile string) (ssh.HostKeyCallback, error) {
	if knownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	resolved, err := expandHome(knownHostsFile)
	if err != nil {
		return nil, err
	}
	cb, err := knownhosts.New(resolved)
	if err != nil {
		return nil, fmt.Errorf("loading known hosts: %w", err)
	}
	return cb, nil
}

// ClientConfig builds an ssh.ClientConfig authenticating with signer.
func ClientConfig(user string, signer ssh.Signer, hostKeys ssh.HostKeyCallback, timeout time.Duration) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}
}

// ConnectError marks a failure to reach the remote TCP endpoint.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting to %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// HandshakeError marks a failure during the SSH handshake or authentication.
type HandshakeError struct {
	Addr string
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("ssh handshake with %s: %v", e.Addr, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Dial opens an SSH client connection to addr, honouring ctx while connecting.
// The returned error is a *ConnectError or a *HandshakeError.
func Dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	// Bound the handshake by the context deadline, or by cfg.Timeout when the
	// context has none. ssh.NewClientConn does not apply cfg.Timeout itself.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if cfg.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, &HandshakeError{Addr: addr, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

// ComputeFingerprint computes the SHA256 fingerprint of a public key.
// Returns lowercase hex encoding without colons.
func ComputeFingerprint(pubkey ssh.PublicKey) string {
	hash := sha256.Sum256(pubkey.Marshal())
	return hex.EncodeToString(hash[:])
}
