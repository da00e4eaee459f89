package discovery

import (
	"context"
	"encoding/json"
	"net"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/netrig/netrig/internal/netutil"
	"github.com/netrig/netrig/pkg/model"
	"github.com/netrig/netrig/pkg/spec"
)

// Agent is one discovered agent, as announced over UDP.
type Agent struct {
	model.Announcement
	// Addr is the source address the reply came from.
	Addr string
	// Seen is when the reply was received.
	Seen time.Time
}

// Prober broadcasts discovery probes and keeps a TTL cache of the agents
// that answered, so repeated scans and preflight checks see agents that were
// recently alive even when a single probe datagram is lost.
type Prober struct {
	cache *ttlcache.Cache[string, Agent]
}

// NewProber returns a Prober whose discovered agents expire after ttl.
func NewProber(ttl time.Duration) *Prober {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, Agent](ttl),
		ttlcache.WithDisableTouchOnHit[string, Agent](),
	)
	go cache.Start()
	return &Prober{cache: cache}
}

// Stop releases the cache's janitor goroutine.
func (p *Prober) Stop() {
	p.cache.Stop()
}

// Scan broadcasts one probe to port and collects replies for the given
// window. Replies refresh the cache; the returned slice holds only this
// scan's responders.
func (p *Prober) Scan(ctx context.Context, port int, window time.Duration) ([]Agent, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	enableBroadcast(conn)

	// The nonce lets concurrent scans on one host tell replies apart in
	// packet captures; agents match on the magic prefix only.
	probe := []byte(spec.DiscoverMagic + " " + uuid.NewString())
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: port}
	if _, err := conn.WriteTo(probe, dst); err != nil {
		log.Debug("broadcast probe failed", "error", err)
	}
	for _, bcast := range interfaceBroadcasts() {
		conn.WriteTo(probe, &net.UDPAddr{IP: bcast, Port: port})
	}

	deadline := time.Now().Add(window)
	buf := make([]byte, 4096)
	var found []Agent
	seen := map[string]bool{}
	for {
		select {
		case <-ctx.Done():
			return found, ctx.Err()
		default:
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return found, nil
		}
		conn.SetReadDeadline(time.Now().Add(remaining))
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return found, nil
			}
			return found, err
		}
		var ann model.Announcement
		if err := json.Unmarshal(buf[:n], &ann); err != nil || ann.Base == "" {
			continue
		}
		agent := Agent{Announcement: ann, Addr: from.String(), Seen: time.Now()}
		key := cacheKey(ann.Mgmt, agent.Addr)
		p.cache.Set(key, agent, ttlcache.DefaultTTL)
		if !seen[key] {
			seen[key] = true
			found = append(found, agent)
		}
	}
}

// Known returns every agent still within its TTL, including ones discovered
// by earlier scans.
func (p *Prober) Known() []Agent {
	items := p.cache.Items()
	out := make([]Agent, 0, len(items))
	for _, item := range items {
		out = append(out, item.Value())
	}
	return out
}

// cacheKey dedupes replies by the announced management address when it is a
// usable IPv4 host. A wildcard or otherwise unusable announcement falls back
// to the reply's source address.
func cacheKey(mgmt, from string) string {
	if netutil.IsIPv4Host(mgmt) {
		return mgmt
	}
	if host, _, err := net.SplitHostPort(from); err == nil {
		return host
	}
	return from
}

// enableBroadcast sets SO_BROADCAST so probes may target broadcast
// addresses. Failure is non-fatal: directed probes still work.
func enableBroadcast(conn net.PacketConn) {
	uc, ok := conn.(*net.UDPConn)
	if !ok {
		return
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
}

// interfaceBroadcasts computes the directed broadcast address of every local
// IPv4 network, for segments that filter the limited broadcast.
func interfaceBroadcasts() []net.IP {
	var out []net.IP
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.To4() == nil || ipnet.IP.IsLoopback() {
			continue
		}
		ip4 := ipnet.IP.To4()
		mask := ipnet.Mask
		if len(mask) == 16 {
			mask = mask[12:]
		}
		bcast := make(net.IP, 4)
		for i := 0; i < 4; i++ {
			bcast[i] = ip4[i] | ^mask[i]
		}
		out = append(out, bcast)
	}
	return out
}
