// Package agent assembles the netrig agent: process supervisor, state
// store, HTTP control plane and UDP discovery responder.
package agent

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/netrig/netrig/internal/control"
	"github.com/netrig/netrig/internal/discovery"
	"github.com/netrig/netrig/internal/netutil"
	"github.com/netrig/netrig/internal/proc"
	"github.com/netrig/netrig/internal/registry"
	"github.com/netrig/netrig/pkg/model"
	"github.com/netrig/netrig/pkg/version"
)

// Config configures a Service.
type Config struct {
	// Host and Port are the HTTP control-plane bind address.
	Host string
	Port int
	// Binary is the iperf3 path (possibly unresolved).
	Binary string
	// Autostart lists server ports to bring up at startup.
	Autostart []int
	// AdvertiseIP overrides management-address resolution.
	AdvertiseIP string
	// APIToken, when set, is required on control-plane POSTs.
	APIToken string
	// DiscoverAddr is the discovery listen address; empty disables the
	// responder.
	DiscoverAddr string
}

// Service is a running agent.
type Service struct {
	cfg   Config
	sup   *proc.Supervisor
	store *registry.Store

	httpSrv  *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	toolVersion string
}

// New builds a Service, resolving the tool binary and the log directory.
// Binary resolution failure is deferred to the first spawn so the control
// plane stays reachable for operators.
func New(cfg Config) *Service {
	binary, err := proc.ResolveBinary(cfg.Binary)
	if err != nil {
		log.Warn("iperf3 not resolved, spawns will fail", "error", err)
		binary = cfg.Binary
		if binary == "" {
			binary = "iperf3"
		}
	}
	sup := proc.New(binary)
	if !sup.LogDirOK {
		log.Warn("no writable log directory, subprocess output will be discarded",
			"dir", sup.LogDir)
	}
	return &Service{cfg: cfg, sup: sup, store: registry.New()}
}

// Start binds the control plane and launches the discovery responder and
// any autostart servers. Failure to bind the HTTP port is fatal; everything
// else degrades with a logged warning.
func (s *Service) Start() error {
	if s.httpSrv != nil {
		return nil
	}
	if v, err := s.sup.ProbeVersion(); err == nil {
		s.toolVersion = v
		log.Info("measurement tool", "version", v)
	} else {
		s.toolVersion = fmt.Sprintf("? (%v)", err)
		log.Warn("tool version probe failed", "error", err)
	}

	handler := control.New(s.store, s.sup, control.Config{
		Port:        s.cfg.Port,
		APIToken:    s.cfg.APIToken,
		AdvertiseIP: s.AdvertiseIP,
		LocalIPs:    func() []string { return netutil.LocalIPv4(true) },
	})

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cannot bind control plane on %s: %w", addr, err)
	}
	s.listener = listener
	s.httpSrv = &http.Server{
		Handler: handler.Mux(),
		// Absolute timeouts keep middleboxes from pinning connections
		// open. Websocket streams hijack the connection and are not
		// affected.
		ReadTimeout:  time.Minute,
		WriteTimeout: time.Minute,
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("control plane stopped", "error", err)
		}
	}()

	if s.cfg.DiscoverAddr != "" {
		responder := &discovery.Responder{
			ListenAddr: s.cfg.DiscoverAddr,
			Announce:   s.announce,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := responder.Run(ctx); err != nil {
				log.Error("discovery responder stopped", "error", err)
			}
		}()
	}

	s.autostart()
	log.Info("agent running", "base", s.BaseURL())
	return nil
}

// autostart brings up the configured server ports. Per-port failures are
// logged and skipped.
func (s *Service) autostart() {
	for _, port := range s.cfg.Autostart {
		if err := s.store.ReserveServer(port); err != nil {
			if err != registry.ErrServerRunning {
				log.Warn("autostart reservation failed", "port", port, "error", err)
			}
			continue
		}
		handle, err := s.sup.StartServer(port, "")
		if err != nil {
			s.store.ReleaseServer(port)
			log.Warn("autostart failed", "port", port, "error", err)
			continue
		}
		s.store.CommitServer(port, handle)
		log.Info("autostarted server", "port", port)
	}
}

// Stop terminates every subprocess, the discovery loop and the HTTP server.
// In-flight requests get until ctx expires to complete.
func (s *Service) Stop(ctx context.Context) {
	if s.httpSrv == nil {
		return
	}
	s.cancel()
	for port, handle := range s.store.RemoveServers(nil) {
		s.sup.Stop(handle)
		log.Debug("stopped server", "port", port)
	}
	for key, c := range s.store.RemoveClients() {
		s.sup.Stop(c.Handle)
		log.Debug("stopped client", "key", key)
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		log.Warn("shutdown incomplete", "error", err)
		s.httpSrv.Close()
	}
	s.wg.Wait()
	s.httpSrv = nil
}

// AdvertiseIP resolves the management address other hosts should use.
func (s *Service) AdvertiseIP() string {
	return netutil.AdvertiseIP(s.cfg.AdvertiseIP, s.cfg.Host)
}

// BaseURL is the agent's control-plane URL as advertised over discovery.
func (s *Service) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", s.AdvertiseIP(), s.Port())
}

// Port returns the actual control-plane port, which may differ from the
// configured one when port 0 was requested.
func (s *Service) Port() int {
	if s.listener != nil {
		if ta, ok := s.listener.Addr().(*net.TCPAddr); ok {
			return ta.Port
		}
	}
	return s.cfg.Port
}

// announce builds the discovery reply payload.
func (s *Service) announce() model.Announcement {
	name, _ := os.Hostname()
	mgmt := s.AdvertiseIP()
	ips := netutil.LocalIPv4(true)
	nonMgmt := make([]string, 0, len(ips))
	for _, ip := range ips {
		if ip != mgmt {
			nonMgmt = append(nonMgmt, ip)
		}
	}
	return model.Announcement{
		Name:       name,
		Base:       s.BaseURL(),
		Servers:    s.store.ServersAlive(),
		Version:    version.Version,
		Mgmt:       mgmt,
		IPs:        ips,
		NonMgmtIPs: nonMgmt,
	}
}

// ToolVersion is the first line of `iperf3 -v` output, probed at startup.
func (s *Service) ToolVersion() string {
	return s.toolVersion
}
