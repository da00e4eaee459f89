// Package model contains the data types exchanged between the netrig agent
// and the orchestrator: interval metrics, task descriptions and the wire
// shapes of the control-plane endpoints.
package model

// IntervalMetric is the last-known measurement snapshot for one running
// client. Every field is optional: a nil pointer means the field has never
// been reported. Merging a new partial record overwrites only the fields it
// carries, so consumers always see the most recent value per field.
type IntervalMetric struct {
	UpMbps   *float64 `json:"interval_up_mbps,omitempty"`
	DnMbps   *float64 `json:"interval_dn_mbps,omitempty"`
	SumMbps  *float64 `json:"interval_mbps,omitempty"`
	UpBytes  *float64 `json:"interval_up_bytes,omitempty"`
	DnBytes  *float64 `json:"interval_dn_bytes,omitempty"`
	JitterMs *float64 `json:"jitter_ms,omitempty"`
	LossPct  *float64 `json:"loss_pct,omitempty"`
}

// Merge applies the non-nil fields of update onto m. Fields absent from
// update keep their previous value.
func (m *IntervalMetric) Merge(update *IntervalMetric) {
	if update == nil {
		return
	}
	if update.UpMbps != nil {
		m.UpMbps = update.UpMbps
	}
	if update.DnMbps != nil {
		m.DnMbps = update.DnMbps
	}
	if update.SumMbps != nil {
		m.SumMbps = update.SumMbps
	}
	if update.UpBytes != nil {
		m.UpBytes = update.UpBytes
	}
	if update.DnBytes != nil {
		m.DnBytes = update.DnBytes
	}
	if update.JitterMs != nil {
		m.JitterMs = update.JitterMs
	}
	if update.LossPct != nil {
		m.LossPct = update.LossPct
	}
}

// Float returns a pointer to v. Convenience for building partial metrics.
func Float(v float64) *float64 {
	return &v
}
