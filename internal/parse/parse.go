// Package parse converts raw iperf3 stdout lines into partial metric
// updates. Parsing is best-effort by design: iperf3's textual output drifts
// across versions, so unparseable lines are ignored and never produce an
// error.
package parse

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/netrig/netrig/pkg/model"
)

// Update is the outcome of parsing a single output line. Directed fields are
// routed by the matcher itself (role markers in the line); undirected fields
// are routed later by the task's reverse flag, because a plain interval line
// does not say which side was sending.
type Update struct {
	// Undirected: routed by the reverse flag in Metric.
	Mbps  *float64
	Bytes *float64

	// Directed: routed by an explicit role marker in the line.
	UpMbps  *float64
	DnMbps  *float64
	UpBytes *float64
	DnBytes *float64

	// SumMbps is an interval rate with no role information at all.
	SumMbps *float64

	JitterMs *float64
	LossPct  *float64
}

// Matcher tries to extract an Update from one line of output. Matchers are
// independent strategies; the first one that matches a line wins.
type Matcher interface {
	TryParse(line string) (Update, bool)
}

// matchers is ordered by specificity: strict UDP layout, loose UDP layout,
// role-tagged TCP bidir lines, then the generic interval line.
var matchers = []Matcher{
	udpStrictMatcher{},
	udpLooseMatcher{},
	tcpBidirMatcher{},
	genericMatcher{},
}

// Line runs the ordered matcher list over one line. The boolean is false
// when no matcher recognized the line.
func Line(line string) (Update, bool) {
	for _, m := range matchers {
		if u, ok := m.TryParse(line); ok {
			return u, true
		}
	}
	return Update{}, false
}

// Metric converts an Update into a partial IntervalMetric, attributing the
// undirected fields to download when the task ran in reverse mode and to
// upload otherwise.
func (u Update) Metric(reverse bool) *model.IntervalMetric {
	m := &model.IntervalMetric{
		UpMbps:   u.UpMbps,
		DnMbps:   u.DnMbps,
		SumMbps:  u.SumMbps,
		UpBytes:  u.UpBytes,
		DnBytes:  u.DnBytes,
		JitterMs: u.JitterMs,
		LossPct:  u.LossPct,
	}
	if u.Mbps != nil {
		if reverse {
			m.DnMbps = u.Mbps
		} else {
			m.UpMbps = u.Mbps
		}
	}
	if u.Bytes != nil {
		if reverse {
			m.DnBytes = u.Bytes
		} else {
			m.UpBytes = u.Bytes
		}
	}
	return m
}

// Bitrate units are decimal (Mbits/sec means 1e6 bits/sec); byte units are
// binary (MBytes means 1<<20 bytes). Both normalize to Mbps / bytes.
var (
	rateUnit = map[string]float64{"": 1, "K": 1e-3, "M": 1, "G": 1e3}
	byteUnit = map[string]float64{"": 1, "K": 1024, "M": 1024 * 1024, "G": 1024 * 1024 * 1024}
)

// parseFloat is locale-tolerant: a comma decimal separator is accepted.
func parseFloat(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func scaled(num, unit string, units map[string]float64) *float64 {
	v, ok := parseFloat(num)
	if !ok {
		return nil
	}
	v *= units[strings.ToUpper(unit)]
	return &v
}

// udpStrictMatcher recognizes the bracketed UDP interval layout:
//
//	[  5]   0.00-1.00   sec  1.25 MBytes  10.5 Mbits/sec  0.023 ms  0/893 (0%)
type udpStrictMatcher struct{}

var udpStrictRe = regexp.MustCompile(
	`(?i)^\s*\[\s*\d+\s*\]\s+` +
		`\d+(?:\.\d+)?-\d+(?:\.\d+)?\s+sec\s+` +
		`([\d.,]+)\s*([KMG])?Bytes\s+` +
		`([\d.,]+)\s*([KMG])?bits/sec\s+` +
		`([\d.,]+)\s*ms\s+` +
		`(\d+)\s*/\s*(\d+)\s*\((?:[\d.,]+)%\)\s*$`)

func (udpStrictMatcher) TryParse(line string) (Update, bool) {
	g := udpStrictRe.FindStringSubmatch(line)
	if g == nil {
		return Update{}, false
	}
	var u Update
	u.Bytes = scaled(g[1], g[2], byteUnit)
	u.Mbps = scaled(g[3], g[4], rateUnit)
	if v, ok := parseFloat(g[5]); ok {
		u.JitterMs = &v
	}
	lost, okL := parseFloat(g[6])
	total, okT := parseFloat(g[7])
	if okL && okT && total > 0 {
		pct := lost * 100.0 / total
		u.LossPct = &pct
	}
	return u, true
}

// udpLooseMatcher is a free-form fallback for UDP interval lines whose
// spacing or bracket layout does not match the strict form. Loss is taken
// from a directly reported percentage.
type udpLooseMatcher struct{}

var udpLooseRe = regexp.MustCompile(
	`(?i)([\d.,]+)\s*([KMG])?Bytes.*?([\d.,]+)\s*([KMG])?bits/sec` +
		`.*?([\d.,]+)\s*ms.*?([\d.,]+)%`)

func (udpLooseMatcher) TryParse(line string) (Update, bool) {
	g := udpLooseRe.FindStringSubmatch(line)
	if g == nil {
		return Update{}, false
	}
	var u Update
	u.Bytes = scaled(g[1], g[2], byteUnit)
	u.Mbps = scaled(g[3], g[4], rateUnit)
	if v, ok := parseFloat(g[5]); ok {
		u.JitterMs = &v
	}
	if v, ok := parseFloat(g[6]); ok {
		u.LossPct = &v
	}
	return u, true
}

// tcpBidirMatcher recognizes the role-tagged lines emitted during --bidir
// TCP runs. The TX-C/RX-C marker decides the direction regardless of the
// reverse flag.
type tcpBidirMatcher struct{}

var tcpBidirRe = regexp.MustCompile(
	`(?i)^\s*\[\s*\d+\s*\]\[(TX-C|RX-C)\]\s+` +
		`\d+\.?\d*-\d+\.?\d*\s+sec\s+` +
		`([\d.,]+)\s*([KMG])?Bytes\s+` +
		`([\d.,]+)\s*([KMG])?bits/sec`)

func (tcpBidirMatcher) TryParse(line string) (Update, bool) {
	g := tcpBidirRe.FindStringSubmatch(line)
	if g == nil {
		return Update{}, false
	}
	var u Update
	bytes := scaled(g[2], g[3], byteUnit)
	mbps := scaled(g[4], g[5], rateUnit)
	if strings.EqualFold(g[1], "TX-C") {
		u.UpBytes, u.UpMbps = bytes, mbps
	} else {
		u.DnBytes, u.DnMbps = bytes, mbps
	}
	return u, true
}

// genericMatcher recognizes any line carrying a bits/sec rate, routing it by
// a sender/receiver role word when one is present and storing it as an
// undirected sum otherwise.
type genericMatcher struct{}

var (
	genericRe = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*([KMG])?bits/sec`)
	roleRe    = regexp.MustCompile(`(?i)\b(sender|receiver)\b`)
)

func (genericMatcher) TryParse(line string) (Update, bool) {
	g := genericRe.FindStringSubmatch(line)
	if g == nil {
		return Update{}, false
	}
	mbps := scaled(g[1], g[2], rateUnit)
	if mbps == nil {
		return Update{}, false
	}
	var u Update
	switch strings.ToLower(roleRe.FindString(line)) {
	case "sender":
		u.UpMbps = mbps
	case "receiver":
		u.DnMbps = mbps
	default:
		u.SumMbps = mbps
	}
	return u, true
}
