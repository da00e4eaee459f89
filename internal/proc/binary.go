package proc

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ResolveBinary locates the iperf3 executable: an explicit path wins, then a
// copy beside our own executable, then $PATH.
func ResolveBinary(preferred string) (string, error) {
	if preferred != "" && preferred != "iperf3" {
		if _, err := os.Stat(preferred); err == nil {
			return preferred, nil
		}
	}
	if exe, err := os.Executable(); err == nil {
		for _, cand := range []string{"iperf3", "iperf3.exe"} {
			p := filepath.Join(filepath.Dir(exe), cand)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}
	if found, err := exec.LookPath("iperf3"); err == nil {
		return found, nil
	}
	return "", errors.New("iperf3 binary not found: place it beside the agent or set -iperf3")
}

// ProbeVersion runs the tool once with -v and returns the first output line.
// Failures are not fatal to the agent; the caller records them as an unknown
// version.
func (s *Supervisor) ProbeVersion() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, s.Binary, "-v").CombinedOutput()
	if err != nil {
		return "", errors.Wrap(err, "version probe failed")
	}
	lines := strings.SplitN(strings.TrimSpace(string(out)), "\n", 2)
	return strings.TrimSpace(lines[0]), nil
}
