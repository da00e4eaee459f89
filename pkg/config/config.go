// Package config models the orchestrator's test profile: one server agent,
// a list of client agents, and the scalar test parameters. Profiles are
// user-facing persisted state, so the JSON round-trip must be lossless.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/netrig/netrig/pkg/spec"
)

// Placeholder agent URLs that count as "not configured".
const (
	serverPlaceholder = "http://A-IP:9001"
	clientPlaceholder = "http://B:9001"
)

// ClientConfig configures one client agent in a test run.
type ClientConfig struct {
	Name   string `json:"name"`
	Agent  string `json:"agent"`
	Target string `json:"target"`

	Bind     string `json:"bind,omitempty"`
	Proto    string `json:"proto,omitempty"`
	Parallel int    `json:"parallel,omitempty"`
	Reverse  bool   `json:"reverse,omitempty"`
	Bidir    bool   `json:"bidir,omitempty"`
	Bitrate  string `json:"bitrate,omitempty"`

	// Advanced per-client overrides.
	Interval  string   `json:"interval,omitempty"`
	Omit      int      `json:"omit,omitempty"`
	Length    string   `json:"length,omitempty"`
	Window    string   `json:"window,omitempty"`
	ExtraArgs []string `json:"extra_args,omitempty"`
	Mode      string   `json:"mode,omitempty"`
	APIKey    string   `json:"api_key,omitempty"`
}

// ServerConfig is the server block of a profile.
type ServerConfig struct {
	Agent   string            `json:"agent"`
	Bind    string            `json:"bind,omitempty"`
	BindMap map[string]string `json:"bind_map,omitempty"`
	APIKey  string            `json:"api_key,omitempty"`
}

// TestConfig is a complete test profile.
type TestConfig struct {
	Mode            spec.TestMode `json:"mode"`
	DurationSec     int           `json:"duration_sec"`
	PollIntervalSec float64       `json:"poll_interval_sec"`
	BasePort        int           `json:"base_port"`
	Parallel        int           `json:"parallel"`
	Proto           string        `json:"proto"`
	Omit            int           `json:"omit"`
	KeepServersOpen bool          `json:"keep_servers_open"`

	APIKey    string `json:"api_key,omitempty"`
	Bitrate   string `json:"bitrate,omitempty"`
	Length    string `json:"length,omitempty"`
	TCPWindow string `json:"tcp_window,omitempty"`

	Server  ServerConfig   `json:"server"`
	Clients []ClientConfig `json:"clients"`
}

// Default returns a profile with the stock parameters.
func Default() TestConfig {
	return TestConfig{
		Mode:            spec.ModeBidir,
		DurationSec:     30,
		PollIntervalSec: spec.DefaultPollInterval.Seconds(),
		BasePort:        spec.DefaultBasePort,
		Parallel:        1,
		Proto:           "tcp",
		Omit:            1,
		KeepServersOpen: true,
		Server:          ServerConfig{Agent: serverPlaceholder},
	}
}

// Ports returns the server port assigned to each client: base_port + index.
func (c TestConfig) Ports() []int {
	ports := make([]int, len(c.Clients))
	for i := range c.Clients {
		ports[i] = c.BasePort + i
	}
	return ports
}

// SaveProfile writes the profile as indented JSON, mirroring the api_key
// into the server block the way saved profiles always have.
func (c TestConfig) SaveProfile(path string) error {
	out := c
	if out.APIKey != "" && out.Server.APIKey == "" {
		out.Server.APIKey = out.APIKey
	}
	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal profile")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create profile directory")
	}
	return errors.Wrap(os.WriteFile(path, raw, 0o644), "write profile")
}

// LoadProfile reads a profile from disk. A server-block api_key fills in a
// missing top-level one.
func LoadProfile(path string) (TestConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return TestConfig{}, errors.Wrap(err, "read profile")
	}
	var cfg TestConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return TestConfig{}, errors.Wrap(err, "parse profile")
	}
	if cfg.APIKey == "" {
		cfg.APIKey = cfg.Server.APIKey
	}
	return cfg, nil
}

var (
	bitrateRe = regexp.MustCompile(`^\d+(\.\d+)?[kKmMgG]?$`)
	lengthRe  = regexp.MustCompile(`^\d+[kKmMgG]?$`)
)

// Validate returns every problem with the profile as a human-readable
// string. An empty slice means the profile is runnable.
func (c TestConfig) Validate() []string {
	var errs []string

	if c.Server.Agent == "" || c.Server.Agent == serverPlaceholder {
		errs = append(errs, "Server (A) URL is not configured.")
	} else if !strings.HasPrefix(c.Server.Agent, "http://") {
		errs = append(errs, fmt.Sprintf("Server URL must start with http:// (got %q)", c.Server.Agent))
	}

	if len(c.Clients) == 0 {
		errs = append(errs, "At least one client must be configured.")
	}

	for i, cl := range c.Clients {
		label := cl.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if cl.Agent == "" || cl.Agent == clientPlaceholder {
			errs = append(errs, fmt.Sprintf("Client %q has no agent URL.", label))
		}
		if cl.Target == "" {
			errs = append(errs, fmt.Sprintf("Client %q has no target IP.", label))
		}
		proto := strings.ToLower(cl.Proto)
		if proto == "" {
			proto = strings.ToLower(c.Proto)
		}
		if proto == "" {
			proto = "tcp"
		}
		if proto == "udp" {
			if cl.Bidir {
				errs = append(errs, fmt.Sprintf("Client %q: UDP cannot use --bidir.", label))
			}
			if cl.Parallel > 1 {
				errs = append(errs, fmt.Sprintf("Client %q: UDP cannot use -P > 1.", label))
			}
		}
	}

	if n := len(c.Clients); n > 0 {
		if c.BasePort < 1024 {
			errs = append(errs, fmt.Sprintf("Base port %d is below 1024 (reserved).", c.BasePort))
		}
		if c.BasePort+n-1 > 65535 {
			errs = append(errs, fmt.Sprintf("Base port %d + %d clients exceeds 65535.", c.BasePort, n))
		}
	}

	if c.DurationSec <= 0 {
		errs = append(errs, fmt.Sprintf("Duration must be > 0 (got %d).", c.DurationSec))
	}
	if c.PollIntervalSec <= 0 {
		errs = append(errs, fmt.Sprintf("poll_interval_sec must be > 0 (got %g).", c.PollIntervalSec))
	}
	if c.Parallel <= 0 {
		errs = append(errs, fmt.Sprintf("Parallel must be > 0 (got %d).", c.Parallel))
	}
	if c.Omit < 0 {
		errs = append(errs, fmt.Sprintf("Omit must be >= 0 (got %d).", c.Omit))
	}

	if !spec.ValidMode(c.Mode) {
		errs = append(errs, fmt.Sprintf("Invalid mode %q. Must be one of %v.", c.Mode, spec.Modes))
	}

	if c.Bitrate != "" && !bitrateRe.MatchString(c.Bitrate) {
		errs = append(errs, fmt.Sprintf("Invalid bitrate format: %q (expected e.g. \"100M\", \"1G\", \"500k\").", c.Bitrate))
	}
	if c.Length != "" && !lengthRe.MatchString(c.Length) {
		errs = append(errs, fmt.Sprintf("Invalid length format: %q (expected e.g. \"128K\", \"1M\").", c.Length))
	}

	return errs
}
