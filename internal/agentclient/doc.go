// Package agentclient is the agent that runs on each managed machine.
//
// It connects to the gateway's agent endpoint, retrying while the gateway is
// unreachable, announces itself with a Hello and then waits. When the gateway
// asks for a remote desktop session it runs the configured start command and
// reports vdi_closed once that command exits.
package agentclient
