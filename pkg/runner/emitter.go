package runner

import (
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/netrig/netrig/internal/persistence"
	"github.com/netrig/netrig/pkg/poller"
)

// State is the orchestrator's run phase.
type State string

const (
	StateIdle            = State("idle")
	StateServersStarting = State("servers_starting")
	StateClientsStarting = State("clients_starting")
	StatePolling         = State("polling")
	StateStopping        = State("stopping")
	StateFinished        = State("finished")
)

// Reason explains why a run finished.
type Reason string

const (
	// ReasonCompleted means the configured duration elapsed.
	ReasonCompleted = Reason("completed")
	// ReasonStopped means a cooperative stop was requested.
	ReasonStopped = Reason("stopped")
	// ReasonError means the run aborted before polling could start.
	ReasonError = Reason("error")
)

// Sample is one poll tick across all participating agents.
type Sample struct {
	At time.Time
	// PerClient aligns with the profile's client list.
	PerClient []poller.AgentSample
	TotalUp   float64
	TotalDn   float64
}

// Emitter receives run progress. Implementations must not block: they run
// on the orchestrator goroutine.
type Emitter interface {
	OnStateChange(State)
	OnLog(msg string)
	OnSample(Sample)
	OnFinished(Reason)
}

// LogEmitter reports progress through the default logger.
type LogEmitter struct{}

func (LogEmitter) OnStateChange(s State) { log.Info("state", "state", s) }
func (LogEmitter) OnLog(msg string)      { log.Info(msg) }
func (LogEmitter) OnSample(s Sample) {
	log.Info("sample", "total_up_mbps", s.TotalUp, "total_dn_mbps", s.TotalDn)
}
func (LogEmitter) OnFinished(r Reason) { log.Info("finished", "reason", r) }

// NopEmitter discards all progress events.
type NopEmitter struct{}

func (NopEmitter) OnStateChange(State) {}
func (NopEmitter) OnLog(string)        {}
func (NopEmitter) OnSample(Sample)     {}
func (NopEmitter) OnFinished(Reason)   {}

// LiveEmitter forwards progress to an inner emitter and streams every sample
// into a rolling CSV recorder, so long runs produce readable output before
// the end-of-run file exists.
type LiveEmitter struct {
	inner Emitter
	rec   *persistence.CSVRecorder
}

// NewLiveEmitter opens the recorder's first segment and returns the emitter.
// A nil inner emitter defaults to NopEmitter.
func NewLiveEmitter(inner Emitter, rec *persistence.CSVRecorder) (*LiveEmitter, error) {
	if inner == nil {
		inner = NopEmitter{}
	}
	if _, err := rec.Open(); err != nil {
		return nil, err
	}
	return &LiveEmitter{inner: inner, rec: rec}, nil
}

// Path is the file of the recorder's open segment.
func (e *LiveEmitter) Path() string {
	return e.rec.CurrentPath()
}

func (e *LiveEmitter) OnStateChange(s State) { e.inner.OnStateChange(s) }
func (e *LiveEmitter) OnLog(msg string)      { e.inner.OnLog(msg) }

func (e *LiveEmitter) OnSample(s Sample) {
	e.inner.OnSample(s)
	e.rec.Append(liveRow(s))
	e.rec.CheckRollover()
}

func (e *LiveEmitter) OnFinished(r Reason) {
	e.rec.Finalize()
	e.inner.OnFinished(r)
}

// liveRow formats one sample in the recorder's column order: timestamps,
// totals, then six metric columns per agent. Unreported optional metrics
// stay empty rather than printing a misleading zero.
func liveRow(s Sample) persistence.Row {
	row := persistence.Row{
		strconv.FormatInt(s.At.Unix(), 10),
		s.At.Format("2006-01-02 15:04:05"),
		f3(s.TotalUp),
		f3(s.TotalDn),
		f3(s.TotalUp + s.TotalDn),
	}
	for _, a := range s.PerClient {
		row = append(row,
			f3(a.UpMbps), f3(a.DnMbps),
			optF3(a.JitterMs), optF3(a.LossPct),
			optMB(a.UpBytes), optMB(a.DnBytes))
	}
	return row
}

func f3(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func optF3(v *float64) string {
	if v == nil {
		return ""
	}
	return f3(*v)
}

func optMB(bytes *float64) string {
	if bytes == nil {
		return ""
	}
	return f3(*bytes / 1e6)
}
