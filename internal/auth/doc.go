// Package auth provides the SSH client credentials used to reach managed machines.
//
// The gateway itself has no user authentication. This package only covers the
// outbound side: every probe, task, shutdown and interactive session logs in to a
// machine with a configured user and private key.
//
// # Keys
//
// LoadSigner parses a private key from disk. KeyRing caches signers so the probe
// loop does not re-read keys every tick. Interactive sessions call LoadSigner
// directly so a rotated key is picked up by the next session.
//
// # Host Keys
//
// HostKeyCallback verifies hosts against a known_hosts file when one is
// configured and accepts any host key otherwise.
//
// # Dialing
//
// Dial separates connection failures (*ConnectError) from handshake and
// authentication failures (*HandshakeError) so callers can report which stage
// failed.
package auth
