package parse

import (
	"encoding/json"

	"github.com/netrig/netrig/pkg/model"
)

// Shapes of the interval blocks in iperf3 --json output. Only the fields we
// read are declared.
type jsonOutput struct {
	Intervals []jsonInterval `json:"intervals"`
}

type jsonInterval struct {
	Streams []jsonStream `json:"streams"`
	Sum     *jsonStream  `json:"sum"`
}

type jsonStream struct {
	BitsPerSecond float64  `json:"bits_per_second"`
	Sender        bool     `json:"sender"`
	JitterMs      *float64 `json:"jitter_ms"`
	LostPercent   *float64 `json:"lost_percent"`
}

// JSON extracts a metric from a complete iperf3 --json document, reading the
// most recent interval block. Per-stream rates are summed into upload or
// download by the stream's sender flag; jitter and loss take the maximum
// observed across streams. Returns nil when the document carries no
// intervals or cannot be decoded.
func JSON(raw []byte) *model.IntervalMetric {
	var out jsonOutput
	if err := json.Unmarshal(raw, &out); err != nil || len(out.Intervals) == 0 {
		return nil
	}
	last := out.Intervals[len(out.Intervals)-1]

	m := &model.IntervalMetric{}
	if s := last.Sum; s != nil {
		mbps := s.BitsPerSecond / 1e6
		if s.Sender {
			m.UpMbps = model.Float(mbps)
		} else {
			m.DnMbps = model.Float(mbps)
		}
		m.JitterMs = s.JitterMs
		m.LossPct = s.LostPercent
	}
	for _, s := range last.Streams {
		mbps := s.BitsPerSecond / 1e6
		if s.Sender {
			m.UpMbps = model.Float(deref(m.UpMbps) + mbps)
		} else {
			m.DnMbps = model.Float(deref(m.DnMbps) + mbps)
		}
		if s.JitterMs != nil && *s.JitterMs > deref(m.JitterMs) {
			m.JitterMs = s.JitterMs
		}
		if s.LostPercent != nil && *s.LostPercent > deref(m.LossPct) {
			m.LossPct = s.LostPercent
		}
	}
	if m.UpMbps == nil && m.DnMbps == nil && m.JitterMs == nil && m.LossPct == nil {
		return nil
	}
	return m
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
