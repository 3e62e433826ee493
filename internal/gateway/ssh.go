// ABOUTME: Browser terminal endpoint at /api/machine/ssh/{name}/connect
// ABOUTME: Opens an SSH shell on the machine and proxies it over the WebSocket

package gateway

import (
	"errors"
	"net/http"

	"github.com/coder/websocket"

	"github.com/2389/wol-gateway/internal/machine"
	"github.com/2389/wol-gateway/internal/session"
	"github.com/2389/wol-gateway/internal/wsconn"
)

// handleSSH handles GET /api/machine/ssh/{name}/connect.
func (g *Gateway) handleSSH(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	addr, creds, err := g.registry.SessionTarget(name)
	if err != nil {
		if errors.Is(err, machine.ErrMachineNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "Machine does not exist")
			return
		}
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	conn, err := wsconn.Accept(w, r, wsconn.Options{OriginPatterns: g.config.Server.AllowedOrigins})
	if err != nil {
		g.logger.Warn("terminal websocket upgrade failed", "machine", name, "error", err)
		return
	}

	ctx := r.Context()
	logger := g.logger.With("machine", name, "remote", r.RemoteAddr)

	shell, err := g.shells.Dial(ctx, addr, creds)
	if err != nil {
		stage := "unknown"
		var stageErr *session.StageError
		if errors.As(err, &stageErr) {
			stage = string(stageErr.Stage)
		}
		g.metrics.SessionFailed(stage)
		logger.Warn("opening terminal session failed", "stage", stage, "error", err)

		if werr := conn.WriteFrame(ctx, wsconn.Text, session.ErrorFrame(err.Error())); werr != nil {
			logger.Debug("sending error frame", "error", werr)
		}
		_ = conn.CloseWith(websocket.StatusInternalError, "session failed")
		return
	}
	defer shell.Close()

	g.metrics.SessionOpened()
	defer g.metrics.SessionClosed()
	logger.Info("terminal session opened", "user", creds.User)

	proxy := &session.Proxy{Front: conn, Shell: shell, Logger: logger}
	if err := proxy.Run(ctx); err != nil {
		logger.Warn("terminal session ended with error", "error", err)
		_ = conn.CloseWith(websocket.StatusInternalError, "session error")
		return
	}

	logger.Info("terminal session closed")
	_ = conn.Close()
}
