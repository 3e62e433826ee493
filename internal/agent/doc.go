// Package agent implements the control channel between the gateway and the
// agent process running on each managed machine.
//
// # Overview
//
// An agent connects to the gateway, introduces itself with a Hello naming its
// machine and listing the applications it can launch, then stays connected so
// the gateway can ask it to open a remote desktop session.
//
// # Wire Protocol
//
// Messages are JSON tagged unions, one per transport message:
//
//	agent -> gateway   {"hello": {"machine_name": "desk", "applications": [...]}}
//	agent -> gateway   {"vdi_closed": null}
//	agent -> gateway   {"vdi_certificate_hash": [12, 34, ...]}
//	gateway -> agent   {"open_vdi": null}
//
// A bare string such as "vdi_closed" is accepted for payload-less messages.
// Byte fields are arrays of numbers. Unknown tags fail with ErrUnknownMessage
// and malformed payloads with ErrMalformedMessage.
//
// # Connection Lifecycle
//
//	accepted --ReadHello--> connected --receive loop ends--> disconnected
//
// ReadHello enforces that the first message is a Hello. After that a
// Connection runs a receive loop in its own goroutine. Done is closed when the
// loop ends, which the machine registry polls on every refresh tick. A repeated
// Hello is logged and ignored; a malformed or unknown message drops the
// connection.
//
// # Transport
//
// Connection only needs a Transport. In production that is a WebSocket from
// package wsconn; tests use an in-memory fake.
package agent
