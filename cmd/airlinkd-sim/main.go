// Command airlinkd-sim runs the device simulator: three TCP listeners
// (channels A/B/C) and one UDP listener (channel D), backed by an
// in-memory state store, per spec.md §4.6/§4.7. Wiring (config load,
// logging setup, metrics HTTP server, signal-driven shutdown) follows the
// teacher's cmd/can-server/main.go shape; cobra replaces the teacher's
// bare flag-based subcommand dispatch for the top-level CLI shell.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nsokolov/airlinkd/internal/config"
	"github.com/nsokolov/airlinkd/internal/discovery"
	"github.com/nsokolov/airlinkd/internal/logging"
	"github.com/nsokolov/airlinkd/internal/metrics"
	"github.com/nsokolov/airlinkd/simulator/listen"
	"github.com/nsokolov/airlinkd/simulator/state"
	"github.com/nsokolov/airlinkd/simulator/telemetry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "airlinkd-sim",
		Short:         "Simulated astrophotography controller device",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), versionCmd())
	if err := root.Execute(); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("airlinkd-sim %s (commit %s, built %s)\n", version, commit, date)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Bind channels A/B/C/D and serve RPC requests",
		// Flag parsing is delegated to internal/config.LoadSim, which
		// already implements the YAML/env/flag precedence chain; cobra
		// only handles subcommand dispatch here.
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(args)
		},
	}
}

func runServe(args []string) error {
	cfg, showVersion, err := config.LoadSim(args)
	if showVersion {
		fmt.Printf("airlinkd-sim %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.LogFormat, cfg.LogLevel)

	var source telemetry.Source
	switch cfg.Telemetry {
	case "host":
		source = telemetry.HostSampler{}
	default:
		source = &telemetry.Synthetic{}
	}

	store := state.New(cfg.DeviceName, localIP())
	srv := listen.New(listen.Config{
		AddrA:     cfg.ListenAddrA,
		AddrB:     cfg.ListenAddrB,
		AddrC:     cfg.ListenAddrC,
		AddrD:     cfg.ListenAddrD,
		SSID:      cfg.DeviceName + " SIM",
		Store:     store,
		Telemetry: source,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Serve(ctx) }()

	var mdnsCleanup func()
	if cfg.MDNSEnable {
		go func() {
			select {
			case <-srv.Ready():
			case <-ctx.Done():
				return
			}
			cleanup, err := discovery.Advertise(ctx, cfg.MDNSName, discoveryPort(cfg.ListenAddrA), []string{
				"model=ZWO AirPlus-RK3568 (Linux)",
				"version=" + version,
			})
			if err != nil {
				logger.Warn("mdns_start_failed", "error", err)
				return
			}
			mdnsCleanup = cleanup
			logger.Info("mdns_started", "name", cfg.MDNSName)
		}()
	}

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	var metricsSrv *metricsShutdown
	if cfg.MetricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		metricsSrv = &metricsShutdown{srv: metrics.StartHTTP(cfg.MetricsAddr)}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sigCh:
		logger.Info("shutdown_signal", "signal", s.String())
	case err := <-serveErrCh:
		if err != nil {
			logger.Error("serve_error", "error", err)
		}
	}
	cancel()
	if mdnsCleanup != nil {
		mdnsCleanup()
	}
	if metricsSrv != nil {
		metricsSrv.Shutdown()
	}
	<-serveErrCh
	return nil
}
