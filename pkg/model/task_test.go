package model_test

import (
	"strings"
	"testing"

	"github.com/netrig/netrig/pkg/model"
)

func TestNormalizeTaskAliases(t *testing.T) {
	task := model.NormalizeTask(map[string]any{
		"target":    "10.0.0.2",
		"port":      float64(5211),
		"protocol":  "UDP",
		"time":      float64(30),
		"pairs":     "4",
		"bandwidth": "100M",
		"len":       "1400",
		"bind_ip":   "10.0.0.1",
	})
	if task.Target != "10.0.0.2" || task.Port != 5211 {
		t.Fatalf("target/port = %q/%d", task.Target, task.Port)
	}
	if task.Proto != "udp" {
		t.Errorf("Proto = %q, want udp (lowercased)", task.Proto)
	}
	if task.Duration != 30 {
		t.Errorf("Duration = %d, want 30", task.Duration)
	}
	if task.Parallel != 4 {
		t.Errorf("Parallel = %d, want 4", task.Parallel)
	}
	if task.Bitrate != "100M" || task.Length != "1400" || task.Bind != "10.0.0.1" {
		t.Errorf("bitrate/length/bind = %q/%q/%q", task.Bitrate, task.Length, task.Bind)
	}
}

func TestNormalizeTaskBytesAliasesLength(t *testing.T) {
	task := model.NormalizeTask(map[string]any{"bytes": float64(4096)})
	if task.Length != "4096" {
		t.Fatalf("Length = %q, want 4096 derived from bytes", task.Length)
	}
	if task.Bytes != 4096 {
		t.Fatalf("Bytes = %d, want 4096 retained alongside the alias", task.Bytes)
	}

	task = model.NormalizeTask(map[string]any{
		"bytes":  float64(4096),
		"length": "128K",
	})
	if task.Length != "128K" {
		t.Fatalf("Length = %q, want canonical 128K over bytes", task.Length)
	}

	task = model.NormalizeTask(map[string]any{
		"bytes": float64(4096),
		"len":   "64K",
	})
	if task.Length != "64K" {
		t.Fatalf("Length = %q, want len over bytes", task.Length)
	}
}

func TestNormalizeTaskCanonicalWins(t *testing.T) {
	task := model.NormalizeTask(map[string]any{
		"target":   "h",
		"port":     float64(5201),
		"duration": float64(10),
		"time":     float64(99),
	})
	if task.Duration != 10 {
		t.Fatalf("Duration = %d, want canonical 10 over alias 99", task.Duration)
	}
}

func TestNormalizeTaskBoolCoercion(t *testing.T) {
	for _, v := range []any{true, "1", "true", "YES", "on", "y", float64(1)} {
		task := model.NormalizeTask(map[string]any{"reverse": v})
		if !task.Reverse {
			t.Errorf("reverse=%v (%T) not coerced to true", v, v)
		}
	}
	for _, v := range []any{false, "0", "no", "", float64(0), nil} {
		task := model.NormalizeTask(map[string]any{"reverse": v})
		if task.Reverse {
			t.Errorf("reverse=%v (%T) coerced to true", v, v)
		}
	}
}

func TestNormalizeTaskExtraArgs(t *testing.T) {
	task := model.NormalizeTask(map[string]any{
		"extra_args": "--repeating-payload -4",
	})
	if len(task.ExtraArgs) != 2 || task.ExtraArgs[0] != "--repeating-payload" || task.ExtraArgs[1] != "-4" {
		t.Fatalf("ExtraArgs = %v", task.ExtraArgs)
	}

	task = model.NormalizeTask(map[string]any{
		"extra_args": []any{"--dscp", "46"},
	})
	if len(task.ExtraArgs) != 2 || task.ExtraArgs[1] != "46" {
		t.Fatalf("ExtraArgs = %v", task.ExtraArgs)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		task    model.Task
		wantErr string
	}{
		{"ok tcp", model.Task{Target: "h", Port: 5201}, ""},
		{"missing target", model.Task{Port: 5201}, "'target' required"},
		{"missing port", model.Task{Target: "h"}, "'port' required"},
		{"udp bidir", model.Task{Target: "h", Port: 5201, Proto: "udp", Bidir: true}, "--bidir"},
		{"udp parallel", model.Task{Target: "h", Port: 5201, Proto: "udp", Parallel: 4}, "-P > 1"},
		{"udp single", model.Task{Target: "h", Port: 5201, Proto: "udp", Parallel: 1}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDirectionTag(t *testing.T) {
	if got := (model.Task{Bidir: true, Reverse: true}).DirectionTag(); got != "B" {
		t.Errorf("bidir tag = %q, want B", got)
	}
	if got := (model.Task{Reverse: true}).DirectionTag(); got != "R" {
		t.Errorf("reverse tag = %q, want R", got)
	}
	if got := (model.Task{}).DirectionTag(); got != "F" {
		t.Errorf("forward tag = %q, want F", got)
	}
}

func TestMergeKeepsUnreportedFields(t *testing.T) {
	m := &model.IntervalMetric{}
	m.Merge(&model.IntervalMetric{UpMbps: model.Float(100), JitterMs: model.Float(0.5)})
	m.Merge(&model.IntervalMetric{DnMbps: model.Float(50)})

	if m.UpMbps == nil || *m.UpMbps != 100 {
		t.Errorf("UpMbps = %v, want 100 preserved across merges", m.UpMbps)
	}
	if m.DnMbps == nil || *m.DnMbps != 50 {
		t.Errorf("DnMbps = %v, want 50", m.DnMbps)
	}
	if m.JitterMs == nil || *m.JitterMs != 0.5 {
		t.Errorf("JitterMs = %v, want 0.5 preserved", m.JitterMs)
	}

	m.Merge(&model.IntervalMetric{UpMbps: model.Float(120)})
	if *m.UpMbps != 120 {
		t.Errorf("UpMbps = %v, want newest value 120", *m.UpMbps)
	}
	m.Merge(nil)
	if *m.UpMbps != 120 {
		t.Error("nil merge changed state")
	}
}
