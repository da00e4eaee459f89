// Package spec contains constants shared by the netrig agent and the
// orchestrator.
package spec

import "time"

const (
	// DiscoverPort is the well-known UDP port agents listen on for
	// discovery broadcasts.
	DiscoverPort = 9999

	// DiscoverMagic is the prefix a datagram must carry to be treated as a
	// discovery probe.
	DiscoverMagic = "IPERF3_DISCOVER"

	// DefaultAPIPort is the default HTTP control-plane port.
	DefaultAPIPort = 9001

	// DefaultBasePort is the first iperf3 server port assigned by the
	// orchestrator; client i connects to DefaultBasePort+i.
	DefaultBasePort = 5211

	// MaxServers bounds the number of concurrent server subprocesses per
	// agent.
	MaxServers = 50

	// MaxClients bounds the number of concurrent client subprocesses per
	// agent.
	MaxClients = 50

	// MaxBodySize caps the body of any control-plane POST.
	MaxBodySize = 64 * 1024

	// StartupGrace is how long StartServer waits before checking whether
	// the subprocess exited immediately.
	StartupGrace = 150 * time.Millisecond

	// StopGrace is the bounded wait between a terminate signal and a
	// forced kill.
	StopGrace = 2 * time.Second

	// ServerWaitTimeout bounds how long the orchestrator waits for server
	// ports to report alive before starting clients.
	ServerWaitTimeout = 3 * time.Second

	// MinPollInterval is the lower clamp for the orchestrator's metrics
	// poll cadence.
	MinPollInterval = 200 * time.Millisecond

	// DefaultPollInterval is the metrics poll cadence when the profile
	// does not set one.
	DefaultPollInterval = time.Second

	// MetricsTimeout is the per-request timeout for /metrics polls so one
	// unreachable agent cannot stall a whole tick.
	MetricsTimeout = 1500 * time.Millisecond

	// ControlTimeout is the per-request timeout for control POSTs.
	ControlTimeout = 6 * time.Second
)

// Control-plane paths.
const (
	StatusPath      = "/status"
	MetricsPath     = "/metrics"
	MetricsWSPath   = "/metrics/ws"
	ServerStartPath = "/server/start"
	ServerStopPath  = "/server/stop"
	ClientStartPath = "/client/start"
	ClientStopPath  = "/client/stop"
)

// APIKeyHeader carries the shared-secret token on control-plane POSTs.
const APIKeyHeader = "X-API-Key"

// TestMode selects the traffic direction for a run.
type TestMode string

const (
	// ModeBidir runs every client with --bidir.
	ModeBidir = TestMode("bidir")

	// ModeUpOnly runs plain forward clients (client sends).
	ModeUpOnly = TestMode("up_only")

	// ModeDownOnly runs every client with -R (server sends).
	ModeDownOnly = TestMode("down_only")

	// ModeDual runs forward and reverse clients concurrently.
	ModeDual = TestMode("dual")

	// ModeTwoPhase runs an upload phase followed by a download phase.
	ModeTwoPhase = TestMode("two_phase")
)

// Modes lists every accepted TestMode.
var Modes = []TestMode{ModeBidir, ModeUpOnly, ModeDownOnly, ModeDual, ModeTwoPhase}

// ValidMode reports whether m is one of the accepted test modes.
func ValidMode(m TestMode) bool {
	for _, v := range Modes {
		if m == v {
			return true
		}
	}
	return false
}
