package control_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"

	"github.com/netrig/netrig/internal/control"
	"github.com/netrig/netrig/internal/proc"
	"github.com/netrig/netrig/internal/registry"
	"github.com/netrig/netrig/pkg/model"
	"github.com/netrig/netrig/pkg/spec"
)

// fakeTool writes a shell script that prints one interval line and then
// sleeps, standing in for the real iperf3 binary.
func fakeTool(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "iperf3")
	script := `#!/bin/sh
echo "[  5]   1.00-2.00   sec   112 MBytes   941 Mbits/sec"
exec sleep 10
`
	rtx.Must(os.WriteFile(path, []byte(script), 0o755), "cannot write fake tool")
	return path
}

func newTestServer(t *testing.T, token string) (*httptest.Server, *registry.Store, *proc.Supervisor) {
	t.Helper()
	store := registry.New()
	sup := proc.New(fakeTool(t))
	sup.LogDir = t.TempDir()
	sup.LogDirOK = true
	h := control.New(store, sup, control.Config{
		Port:        9001,
		APIToken:    token,
		AdvertiseIP: func() string { return "10.0.0.1" },
		LocalIPs:    func() []string { return []string{"10.0.0.1"} },
	})
	srv := httptest.NewServer(h.Mux())
	t.Cleanup(func() {
		for _, c := range store.RemoveClients() {
			sup.Stop(c.Handle)
		}
		for _, handle := range store.RemoveServers(nil) {
			sup.Stop(handle)
		}
		srv.Close()
	})
	return srv, store, sup
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	rtx.Must(err, "cannot marshal body")
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	rtx.Must(err, "cannot build request")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	rtx.Must(err, "request failed")
	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	rtx.Must(json.NewDecoder(resp.Body).Decode(out), "cannot decode response")
}

func TestStatus(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	resp, err := http.Get(srv.URL + spec.StatusPath)
	rtx.Must(err, "GET /status failed")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var status model.StatusResponse
	decode(t, resp, &status)
	if status.Port != 9001 {
		t.Errorf("Port = %d, want 9001", status.Port)
	}
	if status.Mgmt != "10.0.0.1" {
		t.Errorf("Mgmt = %q, want 10.0.0.1", status.Mgmt)
	}
	if !status.LogDirOK {
		t.Error("LogDirOK = false, want true")
	}
}

func TestUnknownPathIs404(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	resp, err := http.Get(srv.URL + "/nope")
	rtx.Must(err, "GET failed")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var e model.ErrorResponse
	decode(t, resp, &e)
	if e.Error != "not found" {
		t.Errorf("error = %q, want \"not found\"", e.Error)
	}
}

func TestWrongMethodIs404(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	// GET on a POST endpoint and POST on a GET endpoint both 404.
	resp, err := http.Get(srv.URL + spec.ClientStartPath)
	rtx.Must(err, "GET failed")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET on POST endpoint = %d, want 404", resp.StatusCode)
	}
	resp = postJSON(t, srv.URL+spec.StatusPath, map[string]any{}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("POST on GET endpoint = %d, want 404", resp.StatusCode)
	}
}

func TestAPITokenRequired(t *testing.T) {
	srv, _, _ := newTestServer(t, "sekrit")

	resp := postJSON(t, srv.URL+spec.ClientStopPath, map[string]any{}, nil)
	var e model.ErrorResponse
	decode(t, resp, &e)
	if resp.StatusCode != http.StatusForbidden || e.Error != "forbidden" {
		t.Fatalf("no token: status=%d error=%q, want 403 forbidden", resp.StatusCode, e.Error)
	}

	resp = postJSON(t, srv.URL+spec.ClientStopPath, map[string]any{},
		map[string]string{spec.APIKeyHeader: "wrong"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong token: status=%d, want 403", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+spec.ClientStopPath, map[string]any{},
		map[string]string{spec.APIKeyHeader: "sekrit"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("good token: status=%d, want 200", resp.StatusCode)
	}

	// Reads stay open.
	getResp, err := http.Get(srv.URL + spec.StatusPath)
	rtx.Must(err, "GET failed")
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("unauthenticated GET = %d, want 200", getResp.StatusCode)
	}
}

func TestOversizedBodyIs413(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	big := map[string]any{"pad": strings.Repeat("x", spec.MaxBodySize+1)}
	resp := postJSON(t, srv.URL+spec.ClientStartPath, big, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
}

func TestMalformedBodyTreatedAsEmpty(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	req, err := http.NewRequest(http.MethodPost, srv.URL+spec.ClientStopPath,
		strings.NewReader("{not json"))
	rtx.Must(err, "cannot build request")
	resp, err := http.DefaultClient.Do(req)
	rtx.Must(err, "request failed")
	var out model.ClientStopResponse
	decode(t, resp, &out)
	if resp.StatusCode != http.StatusOK || out.StoppedClients != 0 {
		t.Fatalf("status=%d stopped=%d, want 200 and 0", resp.StatusCode, out.StoppedClients)
	}
}

func TestServerStartStop(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	var start model.ServerStartResponse
	resp := postJSON(t, srv.URL+spec.ServerStartPath,
		map[string]any{"ports": []int{5211, 70000}}, nil)
	decode(t, resp, &start)
	if len(start.Started) != 1 || start.Started[0] != 5211 {
		t.Fatalf("Started = %v, want [5211]", start.Started)
	}
	if start.Errors["70000"] != "invalid_port" {
		t.Fatalf("Errors = %v, want invalid_port for 70000", start.Errors)
	}

	// Starting the same port again is idempotent.
	resp = postJSON(t, srv.URL+spec.ServerStartPath,
		map[string]any{"ports": []int{5211}}, nil)
	decode(t, resp, &start)
	if len(start.AlreadyRunning) != 1 || start.AlreadyRunning[0] != 5211 {
		t.Fatalf("AlreadyRunning = %v, want [5211]", start.AlreadyRunning)
	}

	var stop model.ServerStopResponse
	resp = postJSON(t, srv.URL+spec.ServerStopPath, map[string]any{}, nil)
	decode(t, resp, &stop)
	if len(stop.Stopped) != 1 || stop.Stopped[0] != 5211 {
		t.Fatalf("Stopped = %v, want [5211]", stop.Stopped)
	}
}

func TestClientLifecycle(t *testing.T) {
	srv, store, _ := newTestServer(t, "")

	var start model.ClientStartResponse
	resp := postJSON(t, srv.URL+spec.ClientStartPath,
		map[string]any{"target": "10.0.0.2", "port": 5211}, nil)
	decode(t, resp, &start)
	if start.ClientKey == "" {
		t.Fatal("empty client_key")
	}

	// The fake tool prints one interval line; wait for the sink to land it.
	deadline := time.Now().Add(3 * time.Second)
	var found bool
	for time.Now().Before(deadline) {
		for _, m := range store.MetricsSnapshot() {
			if m.Key == start.ClientKey && m.JSON != nil && m.JSON.SumMbps != nil {
				found = true
			}
		}
		if found {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !found {
		t.Fatal("parsed metric never appeared in /metrics")
	}

	var stop model.ClientStopResponse
	resp = postJSON(t, srv.URL+spec.ClientStopPath, map[string]any{}, nil)
	decode(t, resp, &stop)
	if stop.StoppedClients != 1 {
		t.Fatalf("StoppedClients = %d, want 1", stop.StoppedClients)
	}
}

func TestClientStartRejectsInvalidTask(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	resp := postJSON(t, srv.URL+spec.ClientStartPath,
		map[string]any{"port": 5211}, nil)
	var e model.ErrorResponse
	decode(t, resp, &e)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if !strings.Contains(e.Error, "target") {
		t.Fatalf("error = %q, want mention of target", e.Error)
	}
}
