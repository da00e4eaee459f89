// Package proc starts and stops iperf3 subprocesses and captures their
// output. A Handle owns exactly one subprocess; its reader goroutine is the
// sole writer to the per-run log file.
package proc

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/netrig/netrig/pkg/model"
	"github.com/netrig/netrig/pkg/spec"
)

// LineSink receives each line of a client subprocess's output.
type LineSink func(line string)

// Supervisor launches iperf3 subprocesses in server or client mode.
type Supervisor struct {
	// Binary is the resolved path of the iperf3 executable.
	Binary string
	// LogDir receives one log file per subprocess run.
	LogDir string
	// LogDirOK is false when no writable log directory could be found; in
	// that case subprocess output is discarded.
	LogDirOK bool
}

// New returns a Supervisor for the given binary, resolving a writable log
// directory.
func New(binary string) *Supervisor {
	dir, ok := ResolveLogDir()
	return &Supervisor{Binary: binary, LogDir: dir, LogDirOK: ok}
}

// Handle is a running (or exited) subprocess.
type Handle struct {
	// LogPath is the per-run log file, empty when logging is disabled.
	LogPath string

	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode *int
}

// Alive reports whether the subprocess is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the subprocess exit code, or nil while it is running.
func (h *Handle) ExitCode() *int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Done is closed when the subprocess has exited and its output has been
// drained.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) setExit(code int) {
	h.mu.Lock()
	h.exitCode = &code
	h.mu.Unlock()
	close(h.done)
}

// StartServer launches an iperf3 server bound to port (and bind, when
// non-empty). It waits a short grace period and fails if the subprocess has
// already exited, which catches bad binds and occupied ports early.
func (s *Supervisor) StartServer(port int, bind string) (*Handle, error) {
	args := []string{"-s", "-p", strconv.Itoa(port)}
	if bind != "" {
		args = append(args, "-B", bind)
	}

	logPath, logFile := s.openLog(fmt.Sprintf("server_%d_%s.log", port, nowStamp()))
	h, err := s.launch(args, logPath, logFile, nil, nil)
	if err != nil {
		return nil, err
	}

	time.Sleep(spec.StartupGrace)
	if !h.Alive() {
		code := -1
		if c := h.ExitCode(); c != nil {
			code = *c
		}
		return nil, fmt.Errorf("iperf3 server exited immediately (exit=%d)", code)
	}
	return h, nil
}

// StartClient validates the task, builds the full iperf3 client argument
// vector and launches it. Each output line is written to the log file and
// handed to sink; onExit runs once when the subprocess exits, with its exit
// code.
func (s *Supervisor) StartClient(task model.Task, sink LineSink, onExit func(code int)) (*Handle, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}
	args := ClientArgs(task)

	name := fmt.Sprintf("client_%s_%d_%s.log", task.Target, task.Port, nowStamp())
	logPath, logFile := s.openLog(name)
	return s.launch(args, logPath, logFile, sink, onExit)
}

// ClientArgs builds the iperf3 client argument vector for a normalized task.
func ClientArgs(task model.Task) []string {
	args := []string{"-c", task.Target, "-p", strconv.Itoa(task.Port)}
	interval := task.Interval
	if interval == "" {
		interval = "1"
	}
	args = append(args, "-i", interval, "--forceflush")
	if task.IsUDP() {
		args = append(args, "-u")
	}
	if task.Bidir {
		args = append(args, "--bidir")
	} else if task.Reverse {
		args = append(args, "-R")
	}
	if task.Duration > 0 {
		args = append(args, "-t", strconv.Itoa(task.Duration))
	}
	if task.Bytes > 0 {
		args = append(args, "-n", strconv.FormatInt(task.Bytes, 10))
	}
	if task.BlockCount > 0 {
		args = append(args, "-k", strconv.FormatInt(task.BlockCount, 10))
	}
	if task.Omit > 0 {
		args = append(args, "-O", strconv.Itoa(task.Omit))
	}
	if task.Parallel > 1 {
		args = append(args, "-P", strconv.Itoa(task.Parallel))
	}
	if task.Bitrate != "" {
		args = append(args, "-b", task.Bitrate)
	}
	if task.Length != "" {
		args = append(args, "-l", task.Length)
	}
	if task.Zerocopy {
		args = append(args, "-Z")
	}
	if task.Window != "" {
		args = append(args, "-w", task.Window)
	}
	if task.Bind != "" {
		args = append(args, "-B", task.Bind)
	}
	return append(args, task.ExtraArgs...)
}

// launch starts the subprocess and its reader goroutine. The reader owns the
// log file and closes it after writing an exit-code trailer.
func (s *Supervisor) launch(args []string, logPath string, logFile io.WriteCloser,
	sink LineSink, onExit func(code int)) (*Handle, error) {
	cmd := exec.Command(s.Binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		logFile.Close()
		return nil, err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, err
	}

	h := &Handle{LogPath: logPath, cmd: cmd, done: make(chan struct{})}
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			fmt.Fprintln(logFile, line)
			if sink != nil {
				sink(line)
			}
		}
		code := 0
		if err := cmd.Wait(); err != nil {
			code = -1
			if ee, ok := err.(*exec.ExitError); ok {
				code = ee.ExitCode()
			}
		}
		fmt.Fprintf(logFile, "\n[exit_code] %d\n", code)
		logFile.Close()
		h.setExit(code)
		if onExit != nil {
			onExit(code)
		}
	}()
	return h, nil
}

// Stop requests graceful termination and escalates to a forced kill when the
// subprocess does not exit within the grace window. Best-effort: it never
// fails and never blocks longer than the grace window.
func (s *Supervisor) Stop(h *Handle) {
	if h == nil || !h.Alive() {
		return
	}
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		h.cmd.Process.Kill()
		return
	}
	select {
	case <-h.done:
	case <-time.After(spec.StopGrace):
		h.cmd.Process.Kill()
	}
}

// openLog creates the per-run log file, falling back to a discard sink when
// the log directory is unusable. The service must keep running either way.
func (s *Supervisor) openLog(name string) (string, io.WriteCloser) {
	if !s.LogDirOK {
		return "", nopWriteCloser{io.Discard}
	}
	path := filepath.Join(s.LogDir, name)
	f, err := os.Create(path)
	if err != nil {
		log.Warn("cannot open log file", "path", path, "error", err)
		return "", nopWriteCloser{io.Discard}
	}
	return path, f
}

func nowStamp() string {
	return time.Now().Format("20060102_150405")
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
