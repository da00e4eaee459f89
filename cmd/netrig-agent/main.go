// Command netrig-agent runs the per-host measurement agent: it supervises
// iperf3 server and client processes, exposes the HTTP control plane, and
// answers UDP discovery probes.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/netrig/netrig/internal/agent"
	"github.com/netrig/netrig/internal/agentcfg"
	"github.com/netrig/netrig/pkg/spec"
	"github.com/netrig/netrig/pkg/version"
)

var (
	flagConfig      = flag.String("config", "", "Path to the agent YAML config (default: per-user config dir)")
	flagHost        = flag.String("host", "", "Bind address for the control API (overrides config)")
	flagPort        = flag.Int("port", 0, "Port for the control API (overrides config)")
	flagAdvertiseIP = flag.String("advertise-ip", "", "IP to report in discovery replies (overrides config)")
	flagIperf3      = flag.String("iperf3", "", "Path to the iperf3 binary (overrides config)")
	flagAPIToken    = flag.String("api-token", "", "Shared secret required on mutating requests (overrides config)")
	flagLogFile     = flag.String("log-file", "", "Also log to this file, with rotation (overrides config)")
	flagNoDiscovery = flag.Bool("no-discovery", false, "Disable the UDP discovery responder")
	flagNoAutostart = flag.Bool("no-autostart", false, "Do not start the configured iperf3 servers on boot")
	flagVersion     = flag.Bool("version", false, "Print the agent version and exit")
	autostart       = flagx.StringArray{}
)

func init() {
	flag.Var(&autostart, "autostart", "iperf3 server port to start on boot (repeatable, overrides config)")
}

// load reads the YAML config and applies flag overrides on top.
func load() agentcfg.Config {
	path := *flagConfig
	if path == "" {
		var err error
		path, err = agentcfg.Path()
		rtx.Must(err, "could not resolve config path")
	}
	cfg, err := agentcfg.Load(path)
	rtx.Must(err, "could not load config", "path", path)

	if *flagHost != "" {
		cfg.BindHost = *flagHost
	}
	if *flagPort != 0 {
		cfg.Port = *flagPort
	}
	if *flagAdvertiseIP != "" {
		cfg.AdvertiseIP = *flagAdvertiseIP
	}
	if *flagIperf3 != "" {
		cfg.Iperf3Path = *flagIperf3
	}
	if *flagAPIToken != "" {
		cfg.APIToken = *flagAPIToken
	}
	if *flagLogFile != "" {
		cfg.LogFile = *flagLogFile
	}
	if len(autostart) > 0 {
		ports := make([]int, 0, len(autostart))
		for _, s := range autostart {
			p, err := strconv.Atoi(s)
			rtx.Must(err, "invalid autostart port", "port", s)
			ports = append(ports, p)
		}
		cfg.Autostart = ports
	}
	if *flagNoAutostart {
		cfg.Autostart = nil
	}
	if cfg.APIToken == "" {
		cfg.APIToken = os.Getenv("NETRIG_API_KEY")
	}
	return cfg
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "could not parse env args")

	if *flagVersion {
		fmt.Println(version.Version)
		return
	}

	log.SetReportCaller(true)
	log.SetReportTimestamp(true)
	log.SetLevel(log.DebugLevel)

	cfg := load()
	if cfg.LogFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    20, // MB
			MaxBackups: 5,
			Compress:   true,
		}
		log.SetOutput(io.MultiWriter(os.Stderr, rotated))
	}

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	discoverAddr := ""
	if !*flagNoDiscovery {
		discoverAddr = fmt.Sprintf(":%d", spec.DiscoverPort)
	}

	svc := agent.New(agent.Config{
		Host:         cfg.BindHost,
		Port:         cfg.Port,
		Binary:       cfg.Iperf3Path,
		Autostart:    cfg.Autostart,
		AdvertiseIP:  cfg.AdvertiseIP,
		APIToken:     cfg.APIToken,
		DiscoverAddr: discoverAddr,
	})
	rtx.Must(svc.Start(), "could not start agent")
	log.Info("agent started", "version", version.Version, "url", svc.BaseURL())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	svc.Stop(ctx)
}
