package config_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/netrig/netrig/pkg/config"
	"github.com/netrig/netrig/pkg/spec"
)

// runnable returns a minimal profile that passes validation.
func runnable() config.TestConfig {
	cfg := config.Default()
	cfg.Server.Agent = "http://10.0.0.1:9001"
	cfg.Clients = []config.ClientConfig{
		{Name: "B1", Agent: "http://10.0.0.2:9001", Target: "10.0.0.1"},
	}
	return cfg
}

func TestDefaultIsNotRunnable(t *testing.T) {
	// The stock profile carries placeholder URLs and no clients; it must
	// not validate until the user fills it in.
	if errs := config.Default().Validate(); len(errs) == 0 {
		t.Fatal("default profile unexpectedly validates")
	}
}

func TestValidateOK(t *testing.T) {
	if errs := runnable().Validate(); len(errs) != 0 {
		t.Fatalf("unexpected validation errors: %v", errs)
	}
}

func TestValidateRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.TestConfig)
		want   string
	}{
		{"placeholder server", func(c *config.TestConfig) { c.Server.Agent = "http://A-IP:9001" },
			"Server (A) URL is not configured."},
		{"non-http server", func(c *config.TestConfig) { c.Server.Agent = "10.0.0.1:9001" },
			"must start with http://"},
		{"no clients", func(c *config.TestConfig) { c.Clients = nil },
			"At least one client"},
		{"client missing agent", func(c *config.TestConfig) { c.Clients[0].Agent = "" },
			`Client "B1" has no agent URL.`},
		{"client missing target", func(c *config.TestConfig) { c.Clients[0].Target = "" },
			`Client "B1" has no target IP.`},
		{"udp bidir", func(c *config.TestConfig) { c.Proto = "udp"; c.Clients[0].Bidir = true },
			"UDP cannot use --bidir"},
		{"udp parallel", func(c *config.TestConfig) { c.Proto = "udp"; c.Clients[0].Parallel = 4 },
			"UDP cannot use -P > 1"},
		{"low base port", func(c *config.TestConfig) { c.BasePort = 80 },
			"below 1024"},
		{"port overflow", func(c *config.TestConfig) { c.BasePort = 65535; c.Clients = append(c.Clients, c.Clients[0]) },
			"exceeds 65535"},
		{"zero duration", func(c *config.TestConfig) { c.DurationSec = 0 },
			"Duration must be > 0 (got 0)."},
		{"zero poll interval", func(c *config.TestConfig) { c.PollIntervalSec = 0 },
			"poll_interval_sec must be > 0 (got 0)."},
		{"zero parallel", func(c *config.TestConfig) { c.Parallel = 0 },
			"Parallel must be > 0"},
		{"negative omit", func(c *config.TestConfig) { c.Omit = -1 },
			"Omit must be >= 0"},
		{"bad mode", func(c *config.TestConfig) { c.Mode = "sideways" },
			`Invalid mode "sideways"`},
		{"bad bitrate", func(c *config.TestConfig) { c.Bitrate = "100Mbps" },
			"Invalid bitrate format"},
		{"bad length", func(c *config.TestConfig) { c.Length = "1.5M" },
			"Invalid length format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := runnable()
			tt.mutate(&cfg)
			errs := cfg.Validate()
			for _, e := range errs {
				if strings.Contains(e, tt.want) {
					return
				}
			}
			t.Fatalf("errors %v do not contain %q", errs, tt.want)
		})
	}
}

func TestValidateBitrateFormats(t *testing.T) {
	for _, ok := range []string{"100M", "1G", "500k", "2.5M", "1000"} {
		cfg := runnable()
		cfg.Bitrate = ok
		for _, e := range cfg.Validate() {
			if strings.Contains(e, "bitrate") {
				t.Errorf("bitrate %q rejected: %s", ok, e)
			}
		}
	}
}

func TestPorts(t *testing.T) {
	cfg := runnable()
	cfg.BasePort = 5211
	cfg.Clients = append(cfg.Clients, cfg.Clients[0], cfg.Clients[0])
	want := []int{5211, 5212, 5213}
	got := cfg.Ports()
	if len(got) != len(want) {
		t.Fatalf("Ports() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Ports() = %v, want %v", got, want)
		}
	}
}

func TestProfileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles", "run.json")
	cfg := runnable()
	cfg.Mode = spec.ModeDownOnly
	cfg.APIKey = "sekrit"
	cfg.Server.BindMap = map[string]string{"5211": "10.0.0.1"}
	cfg.Clients[0].ExtraArgs = []string{"--dscp", "46"}

	if err := cfg.SaveProfile(path); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := config.LoadProfile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Mode != spec.ModeDownOnly {
		t.Errorf("Mode = %q, want down_only", loaded.Mode)
	}
	if loaded.APIKey != "sekrit" {
		t.Errorf("APIKey = %q, want sekrit", loaded.APIKey)
	}
	// Saving mirrors the key into the server block.
	if loaded.Server.APIKey != "sekrit" {
		t.Errorf("Server.APIKey = %q, want mirrored sekrit", loaded.Server.APIKey)
	}
	if loaded.Server.BindMap["5211"] != "10.0.0.1" {
		t.Errorf("BindMap = %v", loaded.Server.BindMap)
	}
	if len(loaded.Clients) != 1 || len(loaded.Clients[0].ExtraArgs) != 2 {
		t.Errorf("Clients = %+v", loaded.Clients)
	}
}

func TestLoadProfileLiftsServerKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	cfg := runnable()
	cfg.Server.APIKey = "only-in-server-block"
	if err := cfg.SaveProfile(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := config.LoadProfile(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.APIKey != "only-in-server-block" {
		t.Fatalf("APIKey = %q, want lifted from server block", loaded.APIKey)
	}
}

func TestLoadProfileMissingFile(t *testing.T) {
	_, err := config.LoadProfile(filepath.Join(t.TempDir(), "nope.json"))
	if err == nil {
		t.Fatal("expected error for missing profile")
	}
}
