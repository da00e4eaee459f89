package poller_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/netrig/netrig/pkg/model"
	"github.com/netrig/netrig/pkg/poller"
	"github.com/netrig/netrig/pkg/spec"
)

func TestPostJSONSendsAPIKey(t *testing.T) {
	var gotKey atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get(spec.APIKeyHeader))
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	p := poller.New()
	defer p.Close()
	err := p.PostJSON(context.Background(), srv.URL, "/client/stop", map[string]any{}, "sekrit", nil)
	if err != nil {
		t.Fatalf("PostJSON failed: %v", err)
	}
	if gotKey.Load() != "sekrit" {
		t.Fatalf("X-API-Key = %v, want sekrit", gotKey.Load())
	}
}

func TestNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"forbidden"}`))
	}))
	defer srv.Close()

	p := poller.New()
	defer p.Close()
	err := p.GetJSON(context.Background(), srv.URL, spec.StatusPath, "", nil)
	if err == nil {
		t.Fatal("expected error for 403 reply")
	}
	if !strings.Contains(err.Error(), "HTTP 403") || !strings.Contains(err.Error(), "forbidden") {
		t.Fatalf("error = %v, want HTTP 403 with body", err)
	}
}

func TestStatusTrailingSlash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != spec.StatusPath {
			t.Errorf("path = %q, want %q", r.URL.Path, spec.StatusPath)
		}
		json.NewEncoder(w).Encode(model.StatusResponse{Port: 9001})
	}))
	defer srv.Close()

	p := poller.New()
	defer p.Close()
	// Base URLs pasted with a trailing slash must not produce "//status".
	status, err := p.Status(context.Background(), srv.URL+"/", "")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Port != 9001 {
		t.Fatalf("Port = %d, want 9001", status.Port)
	}
}

func TestPollDegradesToZeroSample(t *testing.T) {
	p := poller.New()
	defer p.Close()
	// Nothing listens here: the sample must be zero, not an error.
	s := p.Poll(context.Background(), "http://127.0.0.1:1", "", "")
	if s.UpMbps != 0 || s.DnMbps != 0 {
		t.Fatalf("sample = %+v, want zero", s)
	}
}

func TestPollReducesMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.MetricsResponse{Metrics: []model.ClientMetrics{
			{Key: "a", JSON: &model.IntervalMetric{UpMbps: model.Float(100)}},
			{Key: "b", JSON: &model.IntervalMetric{SumMbps: model.Float(50)}},
		}})
	}))
	defer srv.Close()

	p := poller.New()
	defer p.Close()
	s := p.Poll(context.Background(), srv.URL, spec.ModeUpOnly, "")
	if s.UpMbps != 150 {
		t.Fatalf("UpMbps = %v, want 150", s.UpMbps)
	}
}
