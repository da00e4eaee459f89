package agent_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"

	"github.com/netrig/netrig/internal/agent"
	"github.com/netrig/netrig/pkg/model"
	"github.com/netrig/netrig/pkg/spec"
)

func fakeTool(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "iperf3")
	script := `#!/bin/sh
if [ "$1" = "-v" ]; then
	echo "iperf 3.16 (cJSON 1.7.15)"
	exit 0
fi
exec sleep 30
`
	rtx.Must(os.WriteFile(path, []byte(script), 0o755), "cannot write fake tool")
	return path
}

func TestServiceLifecycle(t *testing.T) {
	svc := agent.New(agent.Config{
		Host:      "127.0.0.1",
		Port:      0,
		Binary:    fakeTool(t),
		Autostart: []int{5211},
	})
	rtx.Must(svc.Start(), "start failed")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		svc.Stop(ctx)
	}()

	if svc.Port() == 0 {
		t.Fatal("Port() returned 0 after binding an ephemeral port")
	}
	if svc.ToolVersion() == "" {
		t.Error("empty tool version after probe")
	}

	url := fmt.Sprintf("http://127.0.0.1:%d%s", svc.Port(), spec.StatusPath)
	resp, err := http.Get(url)
	rtx.Must(err, "GET /status failed")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var status model.StatusResponse
	rtx.Must(json.NewDecoder(resp.Body).Decode(&status), "cannot decode status")
	if len(status.Servers) != 1 || status.Servers[0].Port != 5211 {
		t.Fatalf("Servers = %+v, want autostarted 5211", status.Servers)
	}
	if status.Mgmt == "" {
		t.Error("empty management address")
	}
}

func TestServiceStopIsIdempotent(t *testing.T) {
	svc := agent.New(agent.Config{Host: "127.0.0.1", Port: 0, Binary: fakeTool(t)})
	rtx.Must(svc.Start(), "start failed")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	svc.Stop(ctx)
	svc.Stop(ctx)
}

func TestServiceStartTwice(t *testing.T) {
	svc := agent.New(agent.Config{Host: "127.0.0.1", Port: 0, Binary: fakeTool(t)})
	rtx.Must(svc.Start(), "first start failed")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		svc.Stop(ctx)
	}()
	// A second Start on a running service is a no-op, not a rebind.
	rtx.Must(svc.Start(), "second start failed")
}
