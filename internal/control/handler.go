// Package control implements the agent's HTTP control plane: status and
// metrics reads, server and client lifecycle POSTs, and a websocket metrics
// stream. The wire contract is JSON throughout.
package control

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/netrig/netrig/internal/parse"
	"github.com/netrig/netrig/internal/proc"
	"github.com/netrig/netrig/internal/registry"
	"github.com/netrig/netrig/pkg/model"
	"github.com/netrig/netrig/pkg/spec"
)

// Config carries the handler's environment.
type Config struct {
	// Port is the control-plane port, echoed in /status.
	Port int
	// APIToken, when non-empty, is required on every POST via the
	// X-API-Key header. Reads are never authenticated.
	APIToken string
	// AdvertiseIP resolves the management address reported in /status.
	AdvertiseIP func() string
	// LocalIPs lists this host's non-loopback IPv4 addresses.
	LocalIPs func() []string
}

// Handler serves the control plane on top of the state store and the
// process supervisor.
type Handler struct {
	store *registry.Store
	sup   *proc.Supervisor
	cfg   Config
}

// New returns a Handler over the given store and supervisor.
func New(store *registry.Store, sup *proc.Supervisor, cfg Config) *Handler {
	return &Handler{store: store, sup: sup, cfg: cfg}
}

// Mux returns the control-plane routing table.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(spec.StatusPath, h.get(h.status))
	mux.HandleFunc(spec.MetricsPath, h.get(h.metrics))
	mux.HandleFunc(spec.MetricsWSPath, h.get(h.metricsWS))
	mux.HandleFunc(spec.ServerStartPath, h.post(h.serverStart))
	mux.HandleFunc(spec.ServerStopPath, h.post(h.serverStop))
	mux.HandleFunc(spec.ClientStartPath, h.post(h.clientStart))
	mux.HandleFunc(spec.ClientStopPath, h.post(h.clientStop))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, model.ErrorResponse{Error: "not found"})
	})
	return mux
}

// get wraps a read endpoint. Reads are unauthenticated telemetry.
func (h *Handler) get(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusNotFound, model.ErrorResponse{Error: "not found"})
			return
		}
		fn(w, r)
	}
}

// post wraps a mutating endpoint with token auth, the body-size cap and the
// handler-boundary panic barrier. Any panic becomes a 500 JSON error; a
// failure while writing that error is logged and goes no further.
func (h *Handler) post(fn func(w http.ResponseWriter, body map[string]any) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("handler panic", "path", r.URL.Path, "panic", rec)
				writeJSON(w, http.StatusInternalServerError,
					model.ErrorResponse{Error: fmt.Sprint(rec)})
			}
		}()
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusNotFound, model.ErrorResponse{Error: "not found"})
			return
		}
		if h.cfg.APIToken != "" {
			if strings.TrimSpace(r.Header.Get(spec.APIKeyHeader)) != h.cfg.APIToken {
				writeJSON(w, http.StatusForbidden, model.ErrorResponse{Error: "forbidden"})
				return
			}
		}
		if r.ContentLength > spec.MaxBodySize {
			writeJSON(w, http.StatusRequestEntityTooLarge,
				model.ErrorResponse{Error: "payload too large"})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, spec.MaxBodySize)

		body := map[string]any{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			if _, tooLarge := err.(*http.MaxBytesError); tooLarge {
				writeJSON(w, http.StatusRequestEntityTooLarge,
					model.ErrorResponse{Error: "payload too large"})
				return
			}
			// A malformed body is treated as empty, matching the
			// tolerant contract of the control plane.
			body = map[string]any{}
		}
		if err := fn(w, body); err != nil {
			writeJSON(w, http.StatusInternalServerError,
				model.ErrorResponse{Error: err.Error()})
		}
	}
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	servers, clients := h.store.StatusSnapshot()
	writeJSON(w, http.StatusOK, model.StatusResponse{
		Servers:  servers,
		Clients:  clients,
		Port:     h.cfg.Port,
		LogDir:   h.sup.LogDir,
		LogDirOK: h.sup.LogDirOK,
		Mgmt:     h.cfg.AdvertiseIP(),
		IPs:      h.cfg.LocalIPs(),
	})
}

func (h *Handler) metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.MetricsResponse{Metrics: h.store.MetricsSnapshot()})
}

func (h *Handler) serverStart(w http.ResponseWriter, body map[string]any) error {
	resp := model.ServerStartResponse{
		Started:        []int{},
		AlreadyRunning: []int{},
		Errors:         map[string]string{},
	}
	bindGlobal, _ := body["bind"].(string)
	bindMap := map[string]string{}
	if raw, ok := body["bind_map"].(map[string]any); ok {
		for k, v := range raw {
			if ip, ok := v.(string); ok {
				bindMap[k] = ip
			}
		}
	}
	for _, rawPort := range portList(body["ports"], []int{5201}) {
		port, ok := toPort(rawPort)
		if !ok {
			resp.Errors[fmt.Sprint(rawPort)] = "invalid_port"
			continue
		}
		if err := h.store.ReserveServer(port); err != nil {
			if err == registry.ErrServerRunning {
				resp.AlreadyRunning = append(resp.AlreadyRunning, port)
			} else {
				resp.Errors[strconv.Itoa(port)] = err.Error()
			}
			continue
		}
		bind := bindMap[strconv.Itoa(port)]
		if bind == "" {
			bind = bindGlobal
		}
		handle, err := h.sup.StartServer(port, bind)
		if err != nil {
			h.store.ReleaseServer(port)
			resp.Errors[strconv.Itoa(port)] = err.Error()
			metricServerFailures.Inc()
			continue
		}
		h.store.CommitServer(port, handle)
		resp.Started = append(resp.Started, port)
		metricServerStarts.Inc()
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) serverStop(w http.ResponseWriter, body map[string]any) error {
	var ports []int
	for _, raw := range portList(body["ports"], nil) {
		if p, ok := toPort(raw); ok {
			ports = append(ports, p)
		}
	}
	stopped := []int{}
	for port, handle := range h.store.RemoveServers(ports) {
		h.sup.Stop(handle)
		stopped = append(stopped, port)
	}
	sort.Ints(stopped)
	writeJSON(w, http.StatusOK, model.ServerStopResponse{Stopped: stopped})
	return nil
}

func (h *Handler) clientStart(w http.ResponseWriter, body map[string]any) error {
	task := model.NormalizeTask(body)
	if task.Proto == "" {
		task.Proto = "tcp"
	}
	if err := task.Validate(); err != nil {
		return err
	}
	key, err := h.store.ReserveClient(task)
	if err != nil {
		return err
	}

	sink := func(line string) {
		if u, ok := parse.Line(line); ok {
			h.store.ApplyUpdate(key, u.Metric(task.Reverse))
			metricLinesParsed.Inc()
		}
	}
	handle, err := h.sup.StartClient(task, sink, func(code int) {
		h.store.ClientExited(key)
	})
	if err != nil {
		h.store.ReleaseClient(key)
		metricClientFailures.Inc()
		return err
	}
	if !h.store.CommitClient(key, handle) {
		// A stop-all removed the reservation while the subprocess was
		// spawning. Nothing tracks the handle anymore, so stop it here.
		h.sup.Stop(handle)
		return fmt.Errorf("client stopped during start")
	}
	metricClientStarts.Inc()
	writeJSON(w, http.StatusOK, model.ClientStartResponse{ClientKey: key})
	return nil
}

func (h *Handler) clientStop(w http.ResponseWriter, body map[string]any) error {
	count := 0
	for _, c := range h.store.RemoveClients() {
		h.sup.Stop(c.Handle)
		count++
	}
	writeJSON(w, http.StatusOK, model.ClientStopResponse{StoppedClients: count})
	return nil
}

// writeJSON sends a JSON response. A failure while writing is logged only:
// the connection is already beyond saving and must not take the handler
// goroutine down with it.
func writeJSON(w http.ResponseWriter, code int, obj any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		log.Error("response write failed", "error", err)
	}
}

// portList extracts a port slice from a decoded JSON body, keeping invalid
// entries so the caller can report them per port.
func portList(raw any, fallback []int) []any {
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		out := make([]any, len(fallback))
		for i, p := range fallback {
			out[i] = p
		}
		return out
	}
	return list
}

func toPort(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, x > 0 && x <= 65535
	case float64:
		p := int(x)
		return p, float64(p) == x && p > 0 && p <= 65535
	case string:
		p, err := strconv.Atoi(strings.TrimSpace(x))
		return p, err == nil && p > 0 && p <= 65535
	default:
		return 0, false
	}
}
