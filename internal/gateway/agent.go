// ABOUTME: WebSocket endpoint for machine agents at /api/machine/agent
// ABOUTME: Performs the hello handshake and hands the connection to the registry

package gateway

import (
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/2389/wol-gateway/internal/agent"
	"github.com/2389/wol-gateway/internal/machine"
	"github.com/2389/wol-gateway/internal/wsconn"
)

// handleAgent handles GET /api/machine/agent. The handler blocks for the
// lifetime of the agent connection.
func (g *Gateway) handleAgent(w http.ResponseWriter, r *http.Request) {
	conn, err := wsconn.Accept(w, r, wsconn.Options{
		OriginPatterns: g.config.Server.AllowedOrigins,
		ReadLimit:      g.config.Agents.MaxMessageSize,
	})
	if err != nil {
		g.logger.Warn("agent websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ctx := r.Context()
	hello, err := agent.ReadHello(ctx, conn, g.config.Agents.HelloTimeout)
	if err != nil {
		g.logger.Warn("agent handshake failed", "remote", r.RemoteAddr, "error", err)
		_ = conn.CloseWith(websocket.StatusPolicyViolation, "expected hello")
		return
	}

	agentConn := agent.NewConnection(agent.ConnectionParams{
		ID:              uuid.New().String(),
		MachineName:     hello.MachineName,
		Transport:       conn,
		Logger:          g.logger,
		OnSessionClosed: g.registry.HandleSessionClosed,
	})

	if err := g.registry.AttachAgent(hello, agentConn); err != nil {
		if errors.Is(err, machine.ErrMachineNotFound) {
			if ok, suppressed := g.unknownAgents.Allow(hello.MachineName); ok {
				g.logger.Error("agent announced an unknown machine",
					"machine", hello.MachineName,
					"remote", r.RemoteAddr,
					"suppressed", suppressed,
				)
			}
		} else {
			g.logger.Error("attaching agent failed", "machine", hello.MachineName, "error", err)
		}
		_ = conn.CloseWith(websocket.StatusPolicyViolation, "unknown machine")
		return
	}

	agentConn.Start(ctx)

	select {
	case <-agentConn.Done():
		g.logger.Debug("agent receive loop ended", "machine", hello.MachineName, "agent_id", agentConn.ID, "reason", agentConn.Err())
	case <-ctx.Done():
		_ = agentConn.Close()
	}
}
