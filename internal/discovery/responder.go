// Package discovery implements the UDP discovery protocol: agents answer
// broadcast probes with their identity, and the orchestrator scans a network
// segment by broadcasting a probe and collecting replies.
package discovery

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/netrig/netrig/pkg/model"
	"github.com/netrig/netrig/pkg/spec"
)

// readTimeout bounds each socket read so the loop can observe cancellation.
const readTimeout = 500 * time.Millisecond

// Responder answers discovery probes with this agent's announcement.
type Responder struct {
	// ListenAddr is the UDP listen address, ":9999" in production and a
	// loopback ephemeral port in tests.
	ListenAddr string
	// Announce builds the reply payload. Called per probe so the server
	// port list is current.
	Announce func() model.Announcement
}

// Run serves discovery probes until ctx is canceled. Shutdown latency is
// bounded by the read timeout.
func (r *Responder) Run(ctx context.Context) error {
	addr := r.ListenAddr
	if addr == "" {
		addr = net.JoinHostPort("", "9999")
	}
	conn, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Info("discovery responder listening", "addr", conn.LocalAddr())

	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		if !strings.HasPrefix(string(buf[:n]), spec.DiscoverMagic) {
			continue
		}
		payload, err := json.Marshal(r.Announce())
		if err != nil {
			log.Error("cannot marshal announcement", "error", err)
			continue
		}
		if _, err := conn.WriteTo(payload, from); err != nil {
			log.Debug("discovery reply failed", "to", from, "error", err)
		}
	}
}
