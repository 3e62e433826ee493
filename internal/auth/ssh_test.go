// ABOUTME: Tests for SSH client credentials
// ABOUTME: Covers key loading, signer caching, host key policy and staged dial errors

package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// generateTestKeyPair creates a new ed25519 key pair for testing
func generateTestKeyPair(t *testing.T) (ssh.Signer, ed25519.PrivateKey) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	return signer, priv
}

// writeTestKey writes an OpenSSH private key file and returns its path
func writeTestKey(t *testing.T, dir string) (string, ssh.Signer) {
	t.Helper()

	signer, priv := generateTestKeyPair(t)
	block, err := ssh.MarshalPrivateKey(priv, "test")
	require.NoError(t, err)

	path := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0600))
	return path, signer
}

func TestLoadSigner(t *testing.T) {
	t.Run("valid key", func(t *testing.T) {
		path, want := writeTestKey(t, t.TempDir())

		got, err := LoadSigner(path)
		require.NoError(t, err)
		assert.Equal(t, ComputeFingerprint(want.PublicKey()), ComputeFingerprint(got.PublicKey()))
	})

	t.Run("home expansion", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("HOME", home)
		require.NoError(t, os.MkdirAll(filepath.Join(home, ".ssh"), 0700))
		_, want := writeTestKey(t, filepath.Join(home, ".ssh"))

		got, err := LoadSigner("~/.ssh/id_ed25519")
		require.NoError(t, err)
		assert.Equal(t, ComputeFingerprint(want.PublicKey()), ComputeFingerprint(got.PublicKey()))
	})

	t.Run("empty path", func(t *testing.T) {
		_, err := LoadSigner("")
		assert.ErrorIs(t, err, ErrNoKeyPath)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadSigner(filepath.Join(t.TempDir(), "nope"))
		require.Error(t, err)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("garbage", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad")
		require.NoError(t, os.WriteFile(path, []byte("not a key"), 0600))
		_, err := LoadSigner(path)
		assert.ErrorContains(t, err, "parsing private key")
	})
}

func TestKeyRing_CachesSigners(t *testing.T) {
	dir := t.TempDir()
	path, _ := writeTestKey(t, dir)
	ring := NewKeyRing()

	first, err := ring.Signer(path)
	require.NoError(t, err)

	// Removing the file must not matter once the key is cached.
	require.NoError(t, os.Remove(path))

	second, err := ring.Signer(path)
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, err = ring.Signer(filepath.Join(dir, "other"))
	assert.Error(t, err)
}

func TestHostKeyCallback(t *testing.T) {
	signer, _ := generateTestKeyPair(t)
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 22}

	t.Run("empty accepts anything", func(t *testing.T) {
		cb, err := HostKeyCallback("")
		require.NoError(t, err)
		assert.NoError(t, cb("desk:22", addr, signer.PublicKey()))
	})

	t.Run("known hosts", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "known_hosts")
		line := "desk " + string(ssh.MarshalAuthorizedKey(signer.PublicKey()))
		require.NoError(t, os.WriteFile(path, []byte(line), 0600))

		cb, err := HostKeyCallback(path)
		require.NoError(t, err)
		assert.NoError(t, cb("desk:22", addr, signer.PublicKey()))

		other, _ := generateTestKeyPair(t)
		assert.Error(t, cb("desk:22", addr, other.PublicKey()))
	})

	t.Run("missing known hosts", func(t *testing.T) {
		_, err := HostKeyCallback(filepath.Join(t.TempDir(), "none"))
		assert.ErrorContains(t, err, "loading known hosts")
	})
}

func TestDial_ConnectError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	signer, _ := generateTestKeyPair(t)
	cfg := ClientConfig("root", signer, ssh.InsecureIgnoreHostKey(), time.Second)

	_, err = Dial(context.Background(), addr, cfg)
	var connectErr *ConnectError
	require.True(t, errors.As(err, &connectErr), "got %T: %v", err, err)
	assert.Equal(t, addr, connectErr.Addr)
}

func TestDial_HandshakeError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	// A server that accepts and immediately hangs up is not an SSH server.
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	signer, _ := generateTestKeyPair(t)
	cfg := ClientConfig("root", signer, ssh.InsecureIgnoreHostKey(), time.Second)

	_, err = Dial(context.Background(), l.Addr().String(), cfg)
	var handshakeErr *HandshakeError
	require.True(t, errors.As(err, &handshakeErr), "got %T: %v", err, err)
}

func TestDial_Success(t *testing.T) {
	clientSigner, _ := generateTestKeyPair(t)
	hostSigner, _ := generateTestKeyPair(t)

	serverCfg := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() == "oscar" && ComputeFingerprint(key) == ComputeFingerprint(clientSigner.PublicKey()) {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	serverCfg.AddHostKey(hostSigner)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		sc, chans, reqs, err := ssh.NewServerConn(c, serverCfg)
		if err != nil {
			return
		}
		go ssh.DiscardRequests(reqs)
		for ch := range chans {
			_ = ch.Reject(ssh.Prohibited, "no channels")
		}
		_ = sc.Close()
	}()

	cfg := ClientConfig("oscar", clientSigner, ssh.InsecureIgnoreHostKey(), time.Second)
	client, err := Dial(context.Background(), l.Addr().String(), cfg)
	require.NoError(t, err)
	_ = client.Close()

	t.Run("wrong user is a handshake error", func(t *testing.T) {
		go func() {
			c, err := l.Accept()
			if err != nil {
				return
			}
			_, _, _, _ = ssh.NewServerConn(c, serverCfg)
			_ = c.Close()
		}()

		cfg := ClientConfig("mallory", clientSigner, ssh.InsecureIgnoreHostKey(), time.Second)
		_, err := Dial(context.Background(), l.Addr().String(), cfg)
		var handshakeErr *HandshakeError
		assert.True(t, errors.As(err, &handshakeErr), "got %T: %v", err, err)
	})
}

func TestComputeFingerprint(t *testing.T) {
	signer, _ := generateTestKeyPair(t)
	fp := ComputeFingerprint(signer.PublicKey())

	assert.Len(t, fp, 64)
	assert.Equal(t, fp, ComputeFingerprint(signer.PublicKey()))
}
