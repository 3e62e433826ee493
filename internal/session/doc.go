// Package session bridges a browser terminal to an interactive shell on a
// managed machine.
//
// The browser side is a WebSocket. Binary frames carry raw keystrokes. Text
// frames carry JSON control messages:
//
//	{"message": {"input": "ls\n"}}
//	{"message": {"change_size": [120, 40]}}
//
// Shell output is forwarded as binary frames. Setup failures are reported
// as {"message": {"error": "..."}} before the socket is closed.
//
// The shell side is an SSH session with a pty, opened by Dialer. Proxy runs
// until either side finishes and signals end of input to the shell on the
// way out.
package session
