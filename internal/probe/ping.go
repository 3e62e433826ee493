// ABOUTME: ICMP reachability probe
// ABOUTME: Sends a single echo request and reports whether a reply arrived in time

package probe

import (
	"context"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/2389/wol-gateway/internal/config"
)

// ICMPPinger pings hosts once with a timeout. Privileged selects raw ICMP
// sockets instead of unprivileged UDP pings.
type ICMPPinger struct {
	Timeout    time.Duration
	Privileged bool
}

// Ping reports whether host replied. An error means the ping could not be sent.
func (p *ICMPPinger) Ping(ctx context.Context, host string) (bool, error) {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return false, fmt.Errorf("resolving %s: %w", host, err)
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = config.DefaultPingTimeout
	}
	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.SetPrivileged(p.Privileged)

	stop := context.AfterFunc(ctx, pinger.Stop)
	defer stop()

	if err := pinger.Run(); err != nil {
		return false, fmt.Errorf("pinging %s: %w", host, err)
	}
	return pinger.Statistics().PacketsRecv > 0, nil
}
