// Package agentcfg loads and saves the agent's persisted configuration, a
// small YAML file in the per-user config directory.
package agentcfg

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/netrig/netrig/pkg/spec"
)

// Config is the persisted agent configuration. Zero values fall back to the
// defaults applied by Load.
type Config struct {
	BindHost    string `yaml:"bind_host"`
	Port        int    `yaml:"port"`
	AdvertiseIP string `yaml:"advertise_ip"`
	Iperf3Path  string `yaml:"iperf3_path"`
	Autostart   []int  `yaml:"autostart"`
	APIToken    string `yaml:"api_token"`
	LogFile     string `yaml:"log_file"`
}

func defaults() Config {
	return Config{
		BindHost:  "0.0.0.0",
		Port:      spec.DefaultAPIPort,
		Autostart: []int{5211, 5212},
	}
}

// Path returns the config file location: $NETRIG_CONFIG when set, else
// agent.yaml under the per-user config directory.
func Path() (string, error) {
	if p := os.Getenv("NETRIG_CONFIG"); p != "" {
		return p, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "no user config directory")
	}
	return filepath.Join(dir, "netrig", "agent.yaml"), nil
}

// Load reads the config file. A missing file is not an error: defaults are
// returned so a fresh install starts without ceremony.
func Load(path string) (Config, error) {
	cfg := defaults()
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, errors.Wrap(err, "read agent config")
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return defaults(), errors.Wrap(err, "parse agent config")
	}
	if cfg.BindHost == "" {
		cfg.BindHost = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = spec.DefaultAPIPort
	}
	return cfg, nil
}

// Save writes the config file, creating parent directories as needed.
func Save(path string, cfg Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "marshal agent config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create config directory")
	}
	return errors.Wrap(os.WriteFile(path, raw, 0o644), "write agent config")
}
