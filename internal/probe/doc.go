// Package probe talks to managed machines over the network.
//
// WOLSender broadcasts Wake-on-LAN magic packets, ICMPPinger checks whether a
// host answers an echo request and SSHExecutor runs commands over SSH. Each
// one implements the matching interface of package machine.
package probe
