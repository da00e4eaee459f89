package discovery_test

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"

	"github.com/netrig/netrig/internal/discovery"
	"github.com/netrig/netrig/pkg/model"
	"github.com/netrig/netrig/pkg/spec"
)

// startResponder runs a Responder on a loopback ephemeral port and returns
// its address.
func startResponder(t *testing.T) string {
	t.Helper()
	// Bind first so the test knows the port before probing.
	probe, err := net.ListenPacket("udp4", "127.0.0.1:0")
	rtx.Must(err, "cannot find a free port")
	addr := probe.LocalAddr().String()
	probe.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r := &discovery.Responder{
			ListenAddr: addr,
			Announce: func() model.Announcement {
				return model.Announcement{
					Name:    "netrig agent",
					Mgmt:    "http://127.0.0.1:9001",
					Servers: []int{5211},
					Version: "6.0.2",
				}
			},
		}
		r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Give the responder a moment to bind.
	time.Sleep(50 * time.Millisecond)
	return addr
}

func TestResponderAnswersProbe(t *testing.T) {
	addr := startResponder(t)

	conn, err := net.Dial("udp4", addr)
	rtx.Must(err, "cannot dial responder")
	defer conn.Close()

	_, err = conn.Write([]byte(spec.DiscoverMagic + " test-nonce"))
	rtx.Must(err, "cannot send probe")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("no reply: %v", err)
	}

	var ann model.Announcement
	rtx.Must(json.Unmarshal(buf[:n], &ann), "cannot decode reply")
	if ann.Name != "netrig agent" {
		t.Errorf("Name = %q", ann.Name)
	}
	if ann.Mgmt != "http://127.0.0.1:9001" {
		t.Errorf("Mgmt = %q", ann.Mgmt)
	}
	if len(ann.Servers) != 1 || ann.Servers[0] != 5211 {
		t.Errorf("Servers = %v", ann.Servers)
	}
}

func TestResponderIgnoresJunk(t *testing.T) {
	addr := startResponder(t)

	conn, err := net.Dial("udp4", addr)
	rtx.Must(err, "cannot dial responder")
	defer conn.Close()

	_, err = conn.Write([]byte("HELLO_WRONG_MAGIC"))
	rtx.Must(err, "cannot send junk")

	conn.SetReadDeadline(time.Now().Add(700 * time.Millisecond))
	buf := make([]byte, 2048)
	if n, err := conn.Read(buf); err == nil {
		t.Fatalf("unexpected reply to junk probe: %q", buf[:n])
	}

	// The responder must still answer a valid probe afterwards.
	_, err = conn.Write([]byte(spec.DiscoverMagic))
	rtx.Must(err, "cannot send probe")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("no reply after junk: %v", err)
	}
}
