// ABOUTME: WebSocket endpoint that streams the machine list at /api/machine/list_ws
// ABOUTME: Sends the list on connect and again whenever it changes

package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/2389/wol-gateway/internal/machine"
	"github.com/2389/wol-gateway/internal/wsconn"
)

// handleListWS handles GET /api/machine/list_ws.
func (g *Gateway) handleListWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsconn.Accept(w, r, wsconn.Options{OriginPatterns: g.config.Server.AllowedOrigins})
	if err != nil {
		g.logger.Warn("list watcher upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Watchers never send; a read error means the client went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadFrame(ctx); err != nil {
				return
			}
		}
	}()

	updates, _ := g.hub.Subscribe(ctx)

	last := g.registry.List()
	if err := g.sendList(ctx, conn, last); err != nil {
		g.logger.Debug("list watcher closed", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case machines, ok := <-updates:
			if !ok {
				return
			}
			if machine.EqualInfos(last, machines) {
				continue
			}
			last = machines
			if err := g.sendList(ctx, conn, machines); err != nil {
				g.logger.Debug("list watcher closed", "error", err)
				return
			}
		}
	}
}

func (g *Gateway) sendList(ctx context.Context, conn *wsconn.Conn, machines []machine.Info) error {
	data, err := json.Marshal(ListMachinesResponse{Machines: machines})
	if err != nil {
		return err
	}
	return conn.WriteFrame(ctx, wsconn.Text, data)
}
