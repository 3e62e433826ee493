// Package machine tracks the power state of every configured machine and
// coordinates what the gateway does to them.
//
// # Registry
//
// A Registry owns one record per machine behind a single mutex. Operations
// take the lock for a bounded mutation and release it before any network
// call, so a slow SSH probe on one machine never blocks requests for another.
//
// # State Machine
//
// Each refresh tick pings the machine and, when it answers, runs a trivial
// command over SSH. NextState folds those two results into the current state:
//
//	ssh ok                        -> on
//	ping ok, was on/pending_off   -> pending_off
//	ping ok, was off/pending_on   -> pending_on
//	ping ok, was unknown          -> unknown
//	no ping, was pending_on       -> pending_on
//	no ping                       -> off
//
// Wake sets pending_on immediately and arms a WakeTimeout. When it fires, a
// machine still pending_on is declared off. The timeout is never cancelled;
// firing after the machine came up is a no-op.
//
// # Tasks
//
// Tasks name one of a machine's configured commands by index. They queue in
// FIFO order and all run on the first tick that sees the machine on. Failures
// are counted and the most recent ones are kept on the machine's Info.
//
// # Agents
//
// AttachAgent installs the connection of an agent that sent a valid hello.
// OpenSession asks it to start a remote desktop session at most once until the
// agent reports the session closed. A dead agent connection is cleared by the
// next refresh tick, which also resets the session guard.
package machine
