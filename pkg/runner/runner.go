// Package runner drives a multi-agent test: start servers, start clients in
// the configured direction, poll metrics on a fixed cadence, stop clients,
// optionally stop servers, and write the aggregated time series.
package runner

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/netrig/netrig/internal/persistence"
	"github.com/netrig/netrig/pkg/config"
	"github.com/netrig/netrig/pkg/model"
	"github.com/netrig/netrig/pkg/poller"
	"github.com/netrig/netrig/pkg/spec"
)

// clientStagger spaces sequential client starts in the controller flow.
const clientStagger = 50 * time.Millisecond

// Runner executes one test run described by a profile.
type Runner struct {
	cfg     config.TestConfig
	poller  *poller.Poller
	emitter Emitter

	// CSVPath, when non-empty, receives the run's wide-format rows.
	CSVPath string

	// RunID tags the run; a fresh UUID unless set by the caller.
	RunID string

	stopOnce sync.Once
	stopCh   chan struct{}

	mu    sync.Mutex
	state State
	rows  []persistence.Row
}

// New returns a Runner for the profile. A nil emitter defaults to NopEmitter.
func New(cfg config.TestConfig, p *poller.Poller, emitter Emitter) *Runner {
	if p == nil {
		p = poller.New()
	}
	if emitter == nil {
		emitter = NopEmitter{}
	}
	return &Runner{
		cfg:     cfg,
		poller:  p,
		emitter: emitter,
		RunID:   uuid.NewString(),
		stopCh:  make(chan struct{}),
		state:   StateIdle,
	}
}

// Stop requests a cooperative stop. The poll loop notices it on the next
// tick; cancellation latency is bounded by the poll interval.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// State returns the current run phase.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	r.emitter.OnStateChange(s)
}

func (r *Runner) logf(format string, args ...any) {
	r.emitter.OnLog(fmt.Sprintf(format, args...))
}

// Preflight checks reachability of every distinct agent in the profile and
// returns the unreachable ones, so a run can be refused up front instead of
// failing deep into the sequence.
func (r *Runner) Preflight(ctx context.Context) []string {
	agents := map[string]string{}
	if r.cfg.Server.Agent != "" {
		agents[r.cfg.Server.Agent] = r.serverKey()
	}
	for _, cl := range r.cfg.Clients {
		if cl.Agent != "" {
			agents[cl.Agent] = r.clientKey(cl)
		}
	}
	var unreachable []string
	var mu sync.Mutex
	var wg sync.WaitGroup
	for base, key := range agents {
		wg.Add(1)
		go func(base, key string) {
			defer wg.Done()
			if _, err := r.poller.Status(ctx, base, key); err != nil {
				mu.Lock()
				unreachable = append(unreachable, base)
				mu.Unlock()
			}
		}(base, key)
	}
	wg.Wait()
	return unreachable
}

// Run executes the full sequence and blocks until the run finishes. The
// returned error is non-nil only for failures that make the entire run
// meaningless (an invalid profile); per-agent failures degrade and are
// reported through the emitter.
func (r *Runner) Run(ctx context.Context) error {
	if errs := r.cfg.Validate(); len(errs) > 0 {
		r.setState(StateFinished)
		r.emitter.OnFinished(ReasonError)
		return errors.Errorf("invalid profile: %v", errs)
	}

	ports := r.cfg.Ports()
	r.startServers(ctx, ports)

	r.setState(StateClientsStarting)
	customFlow := r.cfg.Mode == spec.ModeUpOnly || r.cfg.Mode == spec.ModeDownOnly
	if customFlow {
		// The custom flow waits for the server sockets so a client
		// cannot race the bind. The bidir/dual flow historically does
		// not wait and leans on iperf3's own connect retry; that
		// asymmetry is deliberate and kept.
		r.waitForServers(ctx, ports)
	}
	r.startClients(ctx, ports, customFlow)

	reason := r.poll(ctx)

	r.setState(StateStopping)
	r.stopClients(ctx)
	if !r.cfg.KeepServersOpen {
		r.stopServers(ctx)
	}
	r.writeCSV()

	r.setState(StateFinished)
	r.emitter.OnFinished(reason)
	return nil
}

// startServers posts the full port list to the server agent. Unreachability
// is logged, not fatal: clients may still succeed against already-running
// or externally managed servers.
func (r *Runner) startServers(ctx context.Context, ports []int) {
	r.setState(StateServersStarting)
	if r.cfg.Server.Agent == "" {
		return
	}
	payload := model.ServerStartRequest{
		Ports:   ports,
		Bind:    r.cfg.Server.Bind,
		BindMap: r.cfg.Server.BindMap,
	}
	err := r.poller.PostJSON(ctx, r.cfg.Server.Agent, spec.ServerStartPath, payload, r.serverKey(), nil)
	if err != nil {
		r.logf("server/start error: %v", err)
		return
	}
	r.logf("server/start OK (%d ports)", len(ports))
}

// waitForServers polls the server agent's /status until every requested
// port reports alive, bounded by ServerWaitTimeout.
func (r *Runner) waitForServers(ctx context.Context, ports []int) {
	want := map[int]bool{}
	for _, p := range ports {
		want[p] = true
	}
	check := func() error {
		status, err := r.poller.Status(ctx, r.cfg.Server.Agent, r.serverKey())
		if err != nil {
			return err
		}
		alive := map[int]bool{}
		for _, s := range status.Servers {
			if s.Alive {
				alive[s.Port] = true
			}
		}
		for p := range want {
			if !alive[p] {
				return errors.Errorf("port %d not ready", p)
			}
		}
		return nil
	}
	interval := 150 * time.Millisecond
	tries := uint64(spec.ServerWaitTimeout / interval)
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), tries), ctx)
	if err := backoff.Retry(check, b); err != nil {
		r.logf("servers not confirmed alive: %v", err)
	}
}

// startClients dispatches /client/start to every client agent. Individual
// failures are logged and do not abort the other clients.
func (r *Runner) startClients(ctx context.Context, ports []int, customFlow bool) {
	start := func(i int, cl config.ClientConfig) {
		if cl.Target == "" {
			r.logf("skip empty target: %s", cl.Name)
			return
		}
		payload := r.clientPayload(i, cl, ports[i], customFlow)
		err := r.poller.PostJSON(ctx, cl.Agent, spec.ClientStartPath, payload, r.clientKey(cl), nil)
		if err != nil {
			r.logf("client/start error: %s %v", cl.Agent, err)
		}
	}
	if customFlow {
		var wg sync.WaitGroup
		for i, cl := range r.cfg.Clients {
			wg.Add(1)
			go func(i int, cl config.ClientConfig) {
				defer wg.Done()
				start(i, cl)
			}(i, cl)
		}
		wg.Wait()
		return
	}
	for i, cl := range r.cfg.Clients {
		start(i, cl)
		time.Sleep(clientStagger)
	}
}

// clientPayload builds the task body for one client. Global parameters come
// first, then the mode's direction, then per-client overrides. In the
// bidir/dual controller flow the mode-level direction is re-applied last so
// it always wins.
func (r *Runner) clientPayload(i int, cl config.ClientConfig, port int, customFlow bool) map[string]any {
	payload := map[string]any{
		"target":   cl.Target,
		"port":     port,
		"duration": r.cfg.DurationSec,
	}
	if r.cfg.Proto != "" {
		payload["proto"] = r.cfg.Proto
	}
	if r.cfg.Parallel > 0 {
		payload["parallel"] = r.cfg.Parallel
	}
	if r.cfg.Omit > 0 {
		payload["omit"] = r.cfg.Omit
	}
	if r.cfg.Bitrate != "" {
		payload["bitrate"] = r.cfg.Bitrate
	}
	if r.cfg.Length != "" {
		payload["length"] = r.cfg.Length
	}
	if r.cfg.TCPWindow != "" {
		payload["window"] = r.cfg.TCPWindow
	}

	applyMode := func(mode spec.TestMode) {
		switch mode {
		case spec.ModeBidir:
			payload["bidir"] = true
			delete(payload, "reverse")
		case spec.ModeDownOnly:
			payload["reverse"] = true
			delete(payload, "bidir")
		default: // up_only or unrecognized: plain forward
			delete(payload, "reverse")
			delete(payload, "bidir")
		}
	}
	mode := r.cfg.Mode
	if cl.Mode != "" {
		mode = spec.TestMode(cl.Mode)
	}
	applyMode(mode)

	// Per-client overrides.
	if cl.Bind != "" {
		payload["bind"] = cl.Bind
	}
	if cl.Proto != "" {
		payload["proto"] = cl.Proto
	}
	if cl.Parallel > 0 {
		payload["parallel"] = cl.Parallel
	}
	if cl.Bitrate != "" {
		payload["bitrate"] = cl.Bitrate
	}
	if cl.Interval != "" {
		payload["interval"] = cl.Interval
	}
	if cl.Omit > 0 {
		payload["omit"] = cl.Omit
	}
	if cl.Length != "" {
		payload["length"] = cl.Length
	}
	if cl.Window != "" {
		payload["window"] = cl.Window
	}
	if len(cl.ExtraArgs) > 0 {
		payload["extra_args"] = cl.ExtraArgs
	}
	if customFlow {
		if cl.Bidir {
			payload["bidir"] = true
			delete(payload, "reverse")
		} else if cl.Reverse {
			payload["reverse"] = true
			delete(payload, "bidir")
		}
	} else {
		applyMode(mode)
	}
	return payload
}

// poll runs the fixed-cadence metrics loop until duration+1s elapses or a
// stop is requested. Per tick, every agent is queried concurrently; an
// unreachable agent contributes a zero sample.
func (r *Runner) poll(ctx context.Context) Reason {
	r.setState(StatePolling)
	interval := time.Duration(r.cfg.PollIntervalSec * float64(time.Second))
	if interval < spec.MinPollInterval {
		interval = spec.MinPollInterval
	}
	deadline := time.Now().Add(time.Duration(r.cfg.DurationSec)*time.Second + time.Second)
	hint := r.modeHint()

	for time.Now().Before(deadline) {
		select {
		case <-r.stopCh:
			r.logf("stop requested")
			return ReasonStopped
		case <-ctx.Done():
			r.logf("context canceled")
			return ReasonStopped
		default:
		}

		now := time.Now()
		samples := make([]poller.AgentSample, len(r.cfg.Clients))
		var wg sync.WaitGroup
		for i, cl := range r.cfg.Clients {
			wg.Add(1)
			go func(i int, cl config.ClientConfig) {
				defer wg.Done()
				samples[i] = r.poller.Poll(ctx, cl.Agent, hint, r.clientKey(cl))
			}(i, cl)
		}
		wg.Wait()

		sample := Sample{At: now, PerClient: samples}
		for _, s := range samples {
			sample.TotalUp += s.UpMbps
			sample.TotalDn += s.DnMbps
		}
		r.emitter.OnSample(sample)
		r.appendRow(sample)

		select {
		case <-r.stopCh:
			r.logf("stop requested")
			return ReasonStopped
		case <-ctx.Done():
			return ReasonStopped
		case <-time.After(interval):
		}
	}
	return ReasonCompleted
}

func (r *Runner) stopClients(ctx context.Context) {
	for _, cl := range r.cfg.Clients {
		err := r.poller.PostJSON(ctx, cl.Agent, spec.ClientStopPath, map[string]any{}, r.clientKey(cl), nil)
		if err != nil {
			r.logf("client/stop error: %v", err)
		}
	}
}

func (r *Runner) stopServers(ctx context.Context) {
	if r.cfg.Server.Agent == "" {
		return
	}
	err := r.poller.PostJSON(ctx, r.cfg.Server.Agent, spec.ServerStopPath, model.ServerStopRequest{}, r.serverKey(), nil)
	if err != nil {
		r.logf("server/stop error: %v", err)
	}
}

func (r *Runner) appendRow(s Sample) {
	row := persistence.Row{
		strconv.FormatInt(s.At.Unix(), 10),
		s.At.Format("2006-01-02 15:04:05"),
	}
	for _, a := range s.PerClient {
		row = append(row,
			strconv.FormatFloat(a.UpMbps, 'f', 3, 64),
			strconv.FormatFloat(a.DnMbps, 'f', 3, 64))
	}
	row = append(row,
		strconv.FormatFloat(s.TotalUp, 'f', 3, 64),
		strconv.FormatFloat(s.TotalDn, 'f', 3, 64))
	r.mu.Lock()
	r.rows = append(r.rows, row)
	r.mu.Unlock()
}

// writeCSV writes the accumulated rows. Best-effort: a sink failure is
// reported, never fatal to the run.
func (r *Runner) writeCSV() {
	if r.CSVPath == "" {
		return
	}
	names := make([]string, len(r.cfg.Clients))
	for i, cl := range r.cfg.Clients {
		names[i] = cl.Name
		if names[i] == "" {
			names[i] = fmt.Sprintf("agent%d", i)
		}
	}
	r.mu.Lock()
	rows := r.rows
	r.mu.Unlock()
	if err := persistence.WriteWide(r.CSVPath, names, rows); err != nil {
		r.logf("CSV write error: %v", err)
	}
}

// Rows returns the accumulated wide rows, for callers that sink the series
// themselves.
func (r *Runner) Rows() []persistence.Row {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]persistence.Row(nil), r.rows...)
}

func (r *Runner) modeHint() spec.TestMode {
	switch r.cfg.Mode {
	case spec.ModeDownOnly, spec.ModeUpOnly:
		return r.cfg.Mode
	default:
		return ""
	}
}

func (r *Runner) serverKey() string {
	if r.cfg.Server.APIKey != "" {
		return r.cfg.Server.APIKey
	}
	return r.cfg.APIKey
}

func (r *Runner) clientKey(cl config.ClientConfig) string {
	if cl.APIKey != "" {
		return cl.APIKey
	}
	return r.cfg.APIKey
}
