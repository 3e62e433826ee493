// ABOUTME: Wake-on-LAN magic packet sender
// ABOUTME: Broadcasts the 102-byte packet over UDP, port 9 by default

package probe

import (
	"context"
	"fmt"
	"net"

	"github.com/sabhiram/go-wol/wol"

	"github.com/2389/wol-gateway/internal/config"
)

// magicPacketSize is six 0xFF bytes followed by sixteen copies of the MAC.
const magicPacketSize = 102

// WOLSender broadcasts magic packets to BroadcastAddr.
type WOLSender struct {
	BroadcastAddr string
}

// Wake sends one magic packet for mac.
func (s *WOLSender) Wake(ctx context.Context, mac string) error {
	mp, err := wol.New(mac)
	if err != nil {
		return fmt.Errorf("building magic packet: %w", err)
	}
	bs, err := mp.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling magic packet: %w", err)
	}

	addr := s.BroadcastAddr
	if addr == "" {
		addr = config.DefaultBroadcastAddr
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer conn.Close()

	n, err := conn.Write(bs)
	if err != nil {
		return fmt.Errorf("sending magic packet: %w", err)
	}
	if n != magicPacketSize {
		return fmt.Errorf("magic packet sent was %d bytes (expected %d)", n, magicPacketSize)
	}
	return nil
}
