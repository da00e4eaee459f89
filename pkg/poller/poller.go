// Package poller is the orchestrator's HTTP client for agent control calls
// and metrics polls. Connections are pooled and kept alive per host; a
// failed reused connection gets exactly one retry on a fresh connection.
package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/netrig/netrig/pkg/model"
	"github.com/netrig/netrig/pkg/spec"
)

// Poller issues control-plane requests against agents.
type Poller struct {
	client *http.Client
}

// New returns a Poller with a keep-alive transport.
func New() *Poller {
	return &Poller{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// PostJSON posts payload to base+path and decodes the JSON reply into out
// (which may be nil). Non-2xx replies are errors carrying the response body.
func (p *Poller) PostJSON(ctx context.Context, base, path string, payload any, apiKey string, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}
	ctx, cancel := context.WithTimeout(ctx, spec.ControlTimeout)
	defer cancel()
	return p.roundTrip(ctx, http.MethodPost, base, path, body, apiKey, out)
}

// GetJSON fetches base+path and decodes the JSON reply into out.
func (p *Poller) GetJSON(ctx context.Context, base, path string, apiKey string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, spec.MetricsTimeout)
	defer cancel()
	return p.roundTrip(ctx, http.MethodGet, base, path, nil, apiKey, out)
}

// roundTrip performs the request, retrying once on a fresh connection when
// the first attempt fails. A kept-alive connection may have been closed by
// the peer between polls.
func (p *Poller) roundTrip(ctx context.Context, method, base, path string, body []byte, apiKey string, out any) error {
	err := p.do(ctx, method, base, path, body, apiKey, out)
	if err == nil || ctx.Err() != nil {
		return err
	}
	p.client.CloseIdleConnections()
	return p.do(ctx, method, base, path, body, apiKey, out)
}

func (p *Poller) do(ctx context.Context, method, base, path string, body []byte, apiKey string, out any) error {
	url := strings.TrimRight(base, "/") + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := strings.TrimSpace(apiKey); key != "" {
		req.Header.Set(spec.APIKeyHeader, key)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %.200s", resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.Unmarshal(raw, out), "decode response")
}

// Status fetches an agent's /status.
func (p *Poller) Status(ctx context.Context, base, apiKey string) (*model.StatusResponse, error) {
	var out model.StatusResponse
	if err := p.GetJSON(ctx, base, spec.StatusPath, apiKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Metrics fetches an agent's /metrics.
func (p *Poller) Metrics(ctx context.Context, base, apiKey string) (*model.MetricsResponse, error) {
	var out model.MetricsResponse
	if err := p.GetJSON(ctx, base, spec.MetricsPath, apiKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Poll fetches and reduces one agent's metrics. Unreachable agents degrade
// to a zero sample; a multi-agent tick must never fail over one bad agent.
func (p *Poller) Poll(ctx context.Context, base string, hint spec.TestMode, apiKey string) AgentSample {
	resp, err := p.Metrics(ctx, base, apiKey)
	if err != nil {
		return AgentSample{}
	}
	return Reduce(resp, hint)
}

// Close releases pooled connections.
func (p *Poller) Close() {
	p.client.CloseIdleConnections()
}
