// Command netrig-run is the test orchestrator CLI: it validates profiles,
// discovers agents on the local network, and executes multi-agent runs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v2"

	"github.com/netrig/netrig/internal/discovery"
	"github.com/netrig/netrig/internal/persistence"
	"github.com/netrig/netrig/pkg/config"
	"github.com/netrig/netrig/pkg/poller"
	"github.com/netrig/netrig/pkg/runner"
	"github.com/netrig/netrig/pkg/spec"
	"github.com/netrig/netrig/pkg/version"
)

func main() {
	app := &cli.App{
		Name:    "netrig-run",
		Usage:   "orchestrate iperf3 tests across netrig agents",
		Version: version.Version,
		Commands: []*cli.Command{
			initCommand(),
			validateCommand(),
			runCommand(),
			discoverCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:      "init",
		Usage:     "write a default profile to edit",
		ArgsUsage: "<profile.json>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("usage: netrig-run init <profile.json>", 2)
			}
			path := c.Args().First()
			if _, err := os.Stat(path); err == nil {
				return cli.Exit(fmt.Sprintf("%s already exists", path), 1)
			}
			if err := config.Default().SaveProfile(path); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "check a profile for errors without running it",
		ArgsUsage: "<profile.json>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("usage: netrig-run validate <profile.json>", 2)
			}
			cfg, err := loadProfile(c.Args().First())
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if errs := cfg.Validate(); len(errs) > 0 {
				for _, e := range errs {
					fmt.Fprintln(os.Stderr, e)
				}
				return cli.Exit(fmt.Sprintf("%d problem(s) found", len(errs)), 1)
			}
			fmt.Println("profile OK")
			return nil
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "execute a test run from a profile",
		ArgsUsage: "<profile.json>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "csv",
				Usage: "write the time series to this CSV file",
			},
			&cli.BoolFlag{
				Name:  "skip-preflight",
				Usage: "do not check agent reachability before starting",
			},
			&cli.IntFlag{
				Name:  "duration",
				Usage: "override the profile's duration_sec",
			},
			&cli.StringFlag{
				Name:  "live-csv",
				Usage: "stream samples into a CSV in this directory as the run progresses",
			},
			&cli.IntFlag{
				Name:  "roll-minutes",
				Usage: "rotate the live CSV after this many minutes (0 disables)",
			},
			&cli.BoolFlag{
				Name:  "zip-rolled",
				Usage: "compress rotated live CSV segments",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("usage: netrig-run run <profile.json>", 2)
			}
			cfg, err := loadProfile(c.Args().First())
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if d := c.Int("duration"); d > 0 {
				cfg.DurationSec = d
			}
			if errs := cfg.Validate(); len(errs) > 0 {
				return cli.Exit(strings.Join(errs, "\n"), 1)
			}

			p := poller.New()
			defer p.Close()
			var em runner.Emitter = runner.LogEmitter{}
			if dir := c.String("live-csv"); dir != "" {
				rec := &persistence.CSVRecorder{
					Dir:         dir,
					RunBase:     time.Now().Format("20060102_150405"),
					AgentNames:  clientNames(cfg),
					Proto:       cfg.Proto,
					RollMinutes: c.Int("roll-minutes"),
					ZipRolled:   c.Bool("zip-rolled"),
				}
				live, err := runner.NewLiveEmitter(em, rec)
				if err != nil {
					return cli.Exit(err.Error(), 1)
				}
				log.Info("live csv", "path", live.Path())
				em = live
			}
			r := runner.New(cfg, p, em)
			r.CSVPath = c.String("csv")

			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()

			if !c.Bool("skip-preflight") {
				pctx, pcancel := context.WithTimeout(ctx, 5*time.Second)
				unreachable := r.Preflight(pctx)
				pcancel()
				if len(unreachable) > 0 {
					return cli.Exit(
						"unreachable agents: "+strings.Join(unreachable, ", "), 1)
				}
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				log.Warn("interrupt, stopping run", "signal", sig)
				r.Stop()
			}()

			if err := r.Run(ctx); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return nil
		},
	}
}

func discoverCommand() *cli.Command {
	return &cli.Command{
		Name:  "discover",
		Usage: "broadcast a probe and list the agents that answer",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "port",
				Value: spec.DiscoverPort,
				Usage: "UDP discovery port",
			},
			&cli.DurationFlag{
				Name:  "window",
				Value: 2 * time.Second,
				Usage: "how long to collect replies",
			},
		},
		Action: func(c *cli.Context) error {
			prober := discovery.NewProber(time.Minute)
			defer prober.Stop()
			agents, err := prober.Scan(c.Context, c.Int("port"), c.Duration("window"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if len(agents) == 0 {
				fmt.Println("no agents found")
				return nil
			}
			for _, a := range agents {
				fmt.Printf("%-24s %-22s v%-8s servers=%v\n",
					a.Name, a.Mgmt, a.Version, a.Servers)
			}
			return nil
		},
	}
}

// clientNames returns each client's display name, falling back to a
// positional label for unnamed entries.
func clientNames(cfg config.TestConfig) []string {
	names := make([]string, len(cfg.Clients))
	for i, cl := range cfg.Clients {
		names[i] = cl.Name
		if names[i] == "" {
			names[i] = fmt.Sprintf("agent%d", i)
		}
	}
	return names
}

// loadProfile reads a profile and fills the API key from the environment
// when the file does not carry one.
func loadProfile(path string) (config.TestConfig, error) {
	cfg, err := config.LoadProfile(path)
	if err != nil {
		return cfg, err
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("NETRIG_API_KEY")
	}
	return cfg, nil
}
