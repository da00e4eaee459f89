// Package persistence writes measurement output to disk: wide-format CSV
// time series with optional time-based rollover and zip compression of
// rolled segments.
package persistence

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

// Row is one CSV data row, already formatted.
type Row []string

// CSVRecorder appends wide-format rows for one run. Rows arriving while the
// current file is unwritable (a spreadsheet holding a lock, for instance)
// are buffered and flushed on the next successful write.
type CSVRecorder struct {
	Dir        string
	RunBase    string
	AgentNames []string
	Proto      string
	// RollMinutes rotates the file after this many minutes; zero disables
	// rollover.
	RollMinutes int
	// ZipRolled compresses rolled segments.
	ZipRolled bool

	currentPath string
	openedAt    time.Time
	partIndex   int
	buffer      []Row
	rolled      []string
}

// Header returns the column list: timestamp columns, totals, then six
// metric columns per agent.
func (r *CSVRecorder) Header() []string {
	header := []string{"ts", "wall", "total_up", "total_dn", "total_sum"}
	for _, name := range r.AgentNames {
		header = append(header,
			name+"_up", name+"_dn", name+"_jit_ms", name+"_loss_pct",
			name+"_sent_mb", name+"_recv_mb")
	}
	return header
}

// Open creates the CSV file for the current segment, writing a schema
// comment row and the header. Returns the file path.
func (r *CSVRecorder) Open() (string, error) {
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create csv directory")
	}
	path := r.segmentPath(r.partIndex)
	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrap(err, "create csv file")
	}
	w := csv.NewWriter(f)
	w.Write([]string{"# schema", "wide_v1", "units: ts=epoch(s), up/dn(Mbps), jit(ms), loss(%)", "proto", r.Proto})
	w.Write(r.Header())
	w.Flush()
	if err := f.Close(); err != nil {
		return "", err
	}
	r.currentPath = path
	r.openedAt = time.Now()
	r.flushBuffer()
	return path, nil
}

// Append writes one data row, buffering it when the file cannot be opened.
func (r *CSVRecorder) Append(row Row) {
	if r.currentPath == "" {
		r.buffer = append(r.buffer, row)
		return
	}
	if err := appendRows(r.currentPath, []Row{row}); err != nil {
		r.buffer = append(r.buffer, row)
	}
}

// CheckRollover rotates to a new segment when the current one has been open
// longer than RollMinutes, zipping the old segment when configured. Returns
// true when a rollover happened.
func (r *CSVRecorder) CheckRollover() bool {
	if r.RollMinutes <= 0 || r.currentPath == "" || r.openedAt.IsZero() {
		return false
	}
	if time.Since(r.openedAt) < time.Duration(r.RollMinutes)*time.Minute {
		return false
	}
	old := r.currentPath
	if r.ZipRolled {
		if err := zipFile(old); err != nil {
			log.Warn("csv rollover zip failed", "path", old, "error", err)
		}
	}
	r.rolled = append(r.rolled, old)
	r.partIndex++
	if _, err := r.Open(); err != nil {
		log.Warn("csv rollover open failed", "error", err)
		return false
	}
	return true
}

// Finalize flushes any buffered rows.
func (r *CSVRecorder) Finalize() {
	r.flushBuffer()
}

// CurrentPath is the file of the open segment, empty before Open.
func (r *CSVRecorder) CurrentPath() string {
	return r.currentPath
}

// RolledFiles lists segments that have been rotated out.
func (r *CSVRecorder) RolledFiles() []string {
	return append([]string(nil), r.rolled...)
}

func (r *CSVRecorder) flushBuffer() {
	if r.currentPath == "" || len(r.buffer) == 0 {
		return
	}
	if err := appendRows(r.currentPath, r.buffer); err != nil {
		return
	}
	r.buffer = nil
}

func (r *CSVRecorder) segmentPath(part int) string {
	if part <= 0 {
		return filepath.Join(r.Dir, r.RunBase+"_ui.csv")
	}
	return filepath.Join(r.Dir, fmt.Sprintf("%s_ui_p%03d.csv", r.RunBase, part))
}

func appendRows(path string, rows []Row) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	for _, row := range rows {
		w.Write(row)
	}
	w.Flush()
	return w.Error()
}

func zipFile(path string) error {
	zf, err := os.Create(path + ".zip")
	if err != nil {
		return err
	}
	defer zf.Close()
	zw := zip.NewWriter(zf)
	defer zw.Close()

	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := zw.Create(filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	return err
}

// WriteWide writes a complete run's rows in the plain wide format: ts,
// wall-clock, per-client up/dn columns, then the totals. Used for the
// one-shot CSV produced at the end of a run.
func WriteWide(path string, clientNames []string, rows []Row) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create csv directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create csv file")
	}
	defer f.Close()

	header := []string{"ts", "wall"}
	for _, name := range clientNames {
		header = append(header, name+"_up", name+"_dn")
	}
	header = append(header, "total_up", "total_dn")

	w := csv.NewWriter(f)
	w.Write(header)
	for _, row := range rows {
		w.Write(row)
	}
	w.Flush()
	return errors.Wrap(w.Error(), "write csv rows")
}
