// Package gateway wires the machine registry to the HTTP server.
//
// # Overview
//
// The Gateway owns the registry, the task-run journal, the list hub, the
// metrics collector and the HTTP server. Run starts the server together with
// the registry's refresh loop and blocks until the context is canceled.
//
// # HTTP API
//
//   - GET /api/machine/list - Machine snapshots as {"machines":[...]}
//   - GET /api/machine/list_ws - WebSocket pushing the list when it changes
//   - POST /api/machine/{name}/wake - Send a Wake-on-LAN packet
//   - POST /api/machine/{name}/shutdown - Run poweroff over SSH
//   - POST /api/machine/{name}/task - Queue task {"id":n}
//   - POST /api/machine/{name}/open_vdi - Ask the agent to start a session
//   - GET /api/machine/{name}/task_runs - Task execution history
//   - GET /api/machine/agent - Agent control channel
//   - GET /api/machine/ssh/{name}/connect - Browser terminal
//   - GET /health - Liveness check
//   - GET /health/ready - Ready once every machine has been probed
//
// Successful mutations reply with a plain-text message. Errors are JSON
// objects with an "error" field. Wake, shutdown and task accept
// ?dry_run=true|false to override the server default.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	err = gw.Run(ctx) // returns after graceful shutdown
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown
//   - api.go: machine API handlers
//   - agent.go: agent handshake endpoint
//   - watch.go: list watcher endpoint
//   - ssh.go: browser terminal endpoint
package gateway
