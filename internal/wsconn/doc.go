// Package wsconn adapts github.com/coder/websocket connections to the small
// read/write interfaces used by the agent control channel and the session
// proxy. A clean close by the peer is always reported as io.EOF so callers can
// tell an orderly end from a transport failure.
package wsconn
