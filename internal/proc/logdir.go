package proc

import (
	"os"
	"path/filepath"
)

const appName = "netrig"

// ResolveLogDir picks a writable log directory, trying candidates in order:
// the NETRIG_LOGDIR override, the per-user config directory, a directory
// beside the executable, and finally the system temp directory. The boolean
// is false when even the last candidate is unwritable.
func ResolveLogDir() (string, bool) {
	if override := os.Getenv("NETRIG_LOGDIR"); override != "" {
		if writableDir(override) {
			return override, true
		}
	}
	if cfg, err := os.UserConfigDir(); err == nil {
		p := filepath.Join(cfg, appName, "logs")
		if writableDir(p) {
			return p, true
		}
	}
	if exe, err := os.Executable(); err == nil {
		p := filepath.Join(filepath.Dir(exe), "logs")
		if writableDir(p) {
			return p, true
		}
	}
	p := filepath.Join(os.TempDir(), appName, "logs")
	return p, writableDir(p)
}

// writableDir reports whether path can be created and written to, probing
// with a throwaway file.
func writableDir(path string) bool {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return false
	}
	probe := filepath.Join(path, ".__wtest__")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return false
	}
	os.Remove(probe)
	return true
}
