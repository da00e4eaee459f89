// Package registry is the agent's in-memory state store: active iperf3
// servers keyed by port and active clients keyed by a composite key. All
// access goes through a single mutex; callers never see the raw maps.
//
// The lock is held only for registry mutations and snapshot construction,
// never across a subprocess spawn. Spawns are bracketed by a reserve/commit
// pair so capacity and uniqueness are decided before the subprocess exists.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/netrig/netrig/internal/proc"
	"github.com/netrig/netrig/pkg/model"
	"github.com/netrig/netrig/pkg/spec"
)

// ErrServerRunning reports that a requested server port is already owned by
// a live subprocess. Callers treat it as idempotent success.
var ErrServerRunning = errors.New("already running")

// Client is one registered client subprocess and its parsed state.
type Client struct {
	Handle    *proc.Handle
	StartTime time.Time
	Task      model.Task
	Last      *model.IntervalMetric
	LogPath   string
}

// Store is the concurrent-safe process registry.
type Store struct {
	mu      sync.Mutex
	servers map[int]*proc.Handle
	clients map[string]*Client
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		servers: make(map[int]*proc.Handle),
		clients: make(map[string]*Client),
	}
}

// ReserveServer claims a port slot ahead of the spawn. It prunes dead
// entries first, returns ErrServerRunning when the port is already live, and
// a capacity error when the server limit is reached. The reservation must be
// resolved with CommitServer or ReleaseServer.
func (s *Store) ReserveServer(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneServersLocked()
	if _, ok := s.servers[port]; ok {
		return ErrServerRunning
	}
	if len(s.servers) >= spec.MaxServers {
		return fmt.Errorf("max_servers(%d) reached", spec.MaxServers)
	}
	s.servers[port] = nil
	return nil
}

// CommitServer attaches the spawned handle to a reserved port.
func (s *Store) CommitServer(port int, h *proc.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[port] = h
}

// ReleaseServer drops a reservation after a failed spawn.
func (s *Store) ReleaseServer(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.servers[port]; ok && h == nil {
		delete(s.servers, port)
	}
}

// RemoveServers detaches and returns the handles for the given ports, or for
// every server when ports is empty. Removing an absent port is a no-op. The
// caller stops the returned handles outside the lock.
func (s *Store) RemoveServers(ports []int) map[int]*proc.Handle {
	var filter map[int]bool
	if len(ports) > 0 {
		filter = make(map[int]bool, len(ports))
		for _, p := range ports {
			filter[p] = true
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]*proc.Handle)
	for port, h := range s.servers {
		if filter == nil || filter[port] {
			out[port] = h
			delete(s.servers, port)
		}
	}
	return out
}

// ServersAlive returns the sorted ports of live servers, pruning dead
// entries as a side effect.
func (s *Store) ServersAlive() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneServersLocked()
	ports := make([]int, 0, len(s.servers))
	for port := range s.servers {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}

// ReserveClient claims a client slot for the task and returns the composite
// key. Dead client entries are garbage-collected first; the capacity limit
// applies to what remains. The reservation must be resolved with
// CommitClient or ReleaseClient.
func (s *Store) ReserveClient(task model.Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, c := range s.clients {
		if c.Handle != nil && !c.Handle.Alive() {
			delete(s.clients, key)
		}
	}
	if len(s.clients) >= spec.MaxClients {
		return "", fmt.Errorf("max_clients(%d) reached", spec.MaxClients)
	}
	now := time.Now()
	key := fmt.Sprintf("%s:%d:%s:%d", task.Target, task.Port, task.DirectionTag(), now.UnixNano())
	s.clients[key] = &Client{StartTime: now, Task: task}
	return key, nil
}

// CommitClient attaches the spawned handle to a reserved key. It reports
// whether the reservation still exists: a stop-all landing between reserve
// and commit removes it, and then the handle is the caller's to stop.
func (s *Store) CommitClient(key string, h *proc.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[key]
	if !ok {
		return false
	}
	c.Handle = h
	c.LogPath = h.LogPath
	return true
}

// ReleaseClient drops a reservation after a failed spawn.
func (s *Store) ReleaseClient(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, key)
}

// ApplyUpdate merges a partial metric into the client's last-known snapshot.
// The merge happens under the registry lock so a concurrent /metrics read
// never observes a half-applied record.
func (s *Store) ApplyUpdate(key string, update *model.IntervalMetric) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[key]
	if !ok {
		return
	}
	if c.Last == nil {
		c.Last = &model.IntervalMetric{}
	}
	c.Last.Merge(update)
}

// ClientExited removes the client entry once its reader has drained the
// subprocess output.
func (s *Store) ClientExited(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, key)
}

// RemoveClients detaches and returns every client entry. The caller stops
// the handles outside the lock.
func (s *Store) RemoveClients() map[string]*Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.clients
	s.clients = make(map[string]*Client)
	return out
}

// StatusSnapshot builds the /status view. Dead servers are pruned during
// construction; clients report their exit code and last metric.
func (s *Store) StatusSnapshot() ([]model.ServerStatus, []model.ClientStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneServersLocked()
	servers := make([]model.ServerStatus, 0, len(s.servers))
	for port := range s.servers {
		servers = append(servers, model.ServerStatus{Port: port, Alive: true})
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Port < servers[j].Port })

	clients := make([]model.ClientStatus, 0, len(s.clients))
	for key, c := range s.clients {
		clients = append(clients, model.ClientStatus{
			Key:      key,
			ExitCode: exitCodeOf(c),
			Last:     copyMetric(c.Last),
		})
	}
	return servers, clients
}

// MetricsSnapshot builds the /metrics view: every client with its task and
// last-known merged metric.
func (s *Store) MetricsSnapshot() []model.ClientMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ClientMetrics, 0, len(s.clients))
	for key, c := range s.clients {
		out = append(out, model.ClientMetrics{
			Key:      key,
			Task:     c.Task,
			JSON:     copyMetric(c.Last),
			ExitCode: exitCodeOf(c),
		})
	}
	return out
}

// pruneServersLocked drops entries whose subprocess has exited. Reserved
// (nil-handle) entries are kept: their spawn is in flight.
func (s *Store) pruneServersLocked() {
	for port, h := range s.servers {
		if h != nil && !h.Alive() {
			delete(s.servers, port)
		}
	}
}

func exitCodeOf(c *Client) *int {
	if c.Handle == nil {
		return nil
	}
	return c.Handle.ExitCode()
}

// copyMetric returns a private copy so handlers can marshal it after the
// lock is released.
func copyMetric(m *model.IntervalMetric) *model.IntervalMetric {
	if m == nil {
		return nil
	}
	cp := *m
	return &cp
}
