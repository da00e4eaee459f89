package control

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricServerStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netrig_agent_server_starts_total",
		Help: "Count of iperf3 server subprocesses started.",
	})
	metricServerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netrig_agent_server_start_failures_total",
		Help: "Count of iperf3 server spawns that failed.",
	})
	metricClientStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netrig_agent_client_starts_total",
		Help: "Count of iperf3 client subprocesses started.",
	})
	metricClientFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netrig_agent_client_start_failures_total",
		Help: "Count of iperf3 client spawns that failed.",
	})
	metricLinesParsed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netrig_agent_output_lines_parsed_total",
		Help: "Count of subprocess output lines that matched a parser.",
	})
	metricWSStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netrig_agent_metrics_streams",
		Help: "Number of open websocket metrics streams.",
	})
)
