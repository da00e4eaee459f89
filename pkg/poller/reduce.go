package poller

import (
	"github.com/netrig/netrig/pkg/model"
	"github.com/netrig/netrig/pkg/spec"
)

// AgentSample is one agent's reduced metrics for a single poll tick.
// Throughput sums every client on the agent; jitter, loss and byte counters
// take the maximum observed.
type AgentSample struct {
	UpMbps   float64
	DnMbps   float64
	UpBytes  *float64
	DnBytes  *float64
	JitterMs *float64
	LossPct  *float64
}

// Reduce collapses a /metrics response into per-direction totals. Per
// client, explicit directional rates win; a missing direction is derived by
// subtracting the known one from an undirected sum; when only the sum is
// present it is attributed by the run's mode hint, defaulting to download.
// Downstream consumers of the CSV rely on that tie-break.
func Reduce(resp *model.MetricsResponse, hint spec.TestMode) AgentSample {
	var s AgentSample
	if resp == nil {
		return s
	}
	for _, entry := range resp.Metrics {
		m := entry.JSON
		if m == nil {
			continue
		}
		u := val(m.UpMbps)
		d := val(m.DnMbps)
		sum := val(m.SumMbps)
		switch {
		case sum > 0 && u > 0 && d == 0:
			d = max0(sum - u)
		case sum > 0 && d > 0 && u == 0:
			u = max0(sum - d)
		case sum > 0 && u == 0 && d == 0:
			if hint == spec.ModeUpOnly {
				u = sum
			} else {
				d = sum
			}
		}
		s.UpMbps += u
		s.DnMbps += d

		s.UpBytes = maxPtr(s.UpBytes, m.UpBytes)
		s.DnBytes = maxPtr(s.DnBytes, m.DnBytes)
		s.JitterMs = maxPtr(s.JitterMs, m.JitterMs)
		s.LossPct = maxPtr(s.LossPct, m.LossPct)
	}
	return s
}

func val(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func max0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func maxPtr(cur, next *float64) *float64 {
	if next == nil {
		return cur
	}
	if cur == nil || *next > *cur {
		v := *next
		return &v
	}
	return cur
}
