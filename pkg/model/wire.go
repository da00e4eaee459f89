package model

// ServerStatus is one entry of the "servers" list in a /status response.
type ServerStatus struct {
	Port  int  `json:"port"`
	Alive bool `json:"alive"`
}

// ClientStatus is one entry of the "clients" list in a /status response.
type ClientStatus struct {
	Key      string          `json:"key"`
	ExitCode *int            `json:"exit_code"`
	Last     *IntervalMetric `json:"last"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Servers  []ServerStatus `json:"servers"`
	Clients  []ClientStatus `json:"clients"`
	Port     int            `json:"port"`
	LogDir   string         `json:"log_dir"`
	LogDirOK bool           `json:"log_dir_ok"`
	Mgmt     string         `json:"mgmt"`
	IPs      []string       `json:"ips"`
}

// ClientMetrics is one entry of the "metrics" list in a /metrics response.
type ClientMetrics struct {
	Key      string          `json:"key"`
	Task     Task            `json:"task"`
	JSON     *IntervalMetric `json:"json"`
	ExitCode *int            `json:"exit_code"`
}

// MetricsResponse is the body of GET /metrics.
type MetricsResponse struct {
	Metrics []ClientMetrics `json:"metrics"`
}

// ServerStartRequest is the body of POST /server/start.
type ServerStartRequest struct {
	Ports   []int          `json:"ports"`
	Bind    string         `json:"bind,omitempty"`
	BindMap map[string]string `json:"bind_map,omitempty"`
}

// ServerStartResponse is the body of a /server/start reply. Errors are
// reported per port; one failing port does not affect the others.
type ServerStartResponse struct {
	Started        []int             `json:"started"`
	AlreadyRunning []int             `json:"already_running"`
	Errors         map[string]string `json:"errors"`
}

// ServerStopRequest is the body of POST /server/stop. A nil or empty Ports
// list stops every server.
type ServerStopRequest struct {
	Ports []int `json:"ports,omitempty"`
}

// ServerStopResponse is the body of a /server/stop reply.
type ServerStopResponse struct {
	Stopped []int `json:"stopped"`
}

// ClientStartResponse is the body of a /client/start reply.
type ClientStartResponse struct {
	ClientKey string `json:"client_key"`
}

// ClientStopResponse is the body of a /client/stop reply.
type ClientStopResponse struct {
	StoppedClients int `json:"stopped_clients"`
}

// ErrorResponse is the JSON error body used by every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Announcement is the unicast JSON reply to a UDP discovery probe.
type Announcement struct {
	Name       string   `json:"name"`
	Base       string   `json:"base"`
	Servers    []int    `json:"servers"`
	Version    string   `json:"version"`
	Mgmt       string   `json:"mgmt"`
	IPs        []string `json:"ips"`
	NonMgmtIPs []string `json:"non_mgmt_ips"`
}
