// Command airlinkd-client is an illustrative demo CLI over the Channel
// Manager and the typed camera façade (spec.md §1 notes a client CLI is
// out-of-scope for the core protocol, but one is useful to exercise it
// end-to-end). Wiring mirrors cmd/airlinkd-sim: cobra for subcommands,
// internal/config for flag/env/YAML precedence, internal/logging for
// structured output.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nsokolov/airlinkd/client/camera"
	"github.com/nsokolov/airlinkd/client/controller"
	"github.com/nsokolov/airlinkd/internal/config"
	"github.com/nsokolov/airlinkd/internal/discovery"
	"github.com/nsokolov/airlinkd/internal/events"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "airlinkd-client",
		Short:         "Demo client for the simulated astrophotography controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(statusCmd(), discoverCmd(), versionCmd())
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
			fmt.Printf("airlinkd-client %s (commit %s, built %s)\n", version, commit, date)
			return nil
		},
	}
}

func discoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:                "discover",
		Short:              "Send a scan_air discovery request and print the reply",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(args)
		},
	}
	return cmd
}

func runDiscover(args []string) error {
	cfg, showVersion, err := config.LoadClient(args)
	if showVersion {
		fmt.Printf("airlinkd-client %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.PortD)
	result, err := discovery.Scan(ctx, addr)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	printTable([]string{"field", "value"}, [][]string{
		{"name", result.Name},
		{"ip", result.IP},
		{"ssid", result.SSID},
		{"guid", result.GUID},
		{"model", result.Model},
		{"is_pi4", fmt.Sprintf("%v", result.IsPi4)},
		{"connect_lock", fmt.Sprintf("%v", result.ConnectLock)},
	})
	return nil
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:                "status",
		Short:              "Connect to the device and print its camera status",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(args)
		},
	}
	return cmd
}

func runStatus(args []string) error {
	cfg, showVersion, err := config.LoadClient(args)
	if showVersion {
		fmt.Printf("airlinkd-client %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}
	if err != nil {
		return err
	}
	setupLogger(cfg.LogFormat, cfg.LogLevel)

	bus := events.New()
	mgr := controller.New(controller.Config{
		Host:                cfg.Host,
		PortA:               cfg.PortA,
		PortB:               cfg.PortB,
		PortC:               cfg.PortC,
		TextTimeout:         cfg.RequestTimeout,
		BinaryTimeout:       cfg.RequestTimeout * 4,
		WatchdogInterval:    cfg.WatchdogInterval,
		ReconnectMinBackoff: cfg.ReconnectMinBackoff,
		ReconnectMaxBackoff: cfg.ReconnectMaxBackoff,
	}, bus)
	defer mgr.Stop()

	sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	sp.Suffix = fmt.Sprintf("  connecting to %s...", cfg.Host)
	sp.Start()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	err = mgr.Connect(ctx)
	sp.Stop()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	color.New(color.FgGreen).Println("connected")

	cam := camera.New(mgr)
	rows := [][]string{}

	if msg, err := cam.TestConnection(ctx); err == nil {
		rows = append(rows, []string{"test_connection", msg})
	}
	if app, err := cam.GetAppState(ctx); err == nil {
		rows = append(rows, []string{"app_state", app.Page})
	}
	if st, err := cam.GetCameraState(ctx); err == nil {
		rows = append(rows, []string{"camera_state", st.State})
	}
	cameras, err := cam.GetConnectedCameras(ctx)
	if err != nil {
		return fmt.Errorf("get_connected_cameras: %w", err)
	}
	printTable([]string{"field", "value"}, rows)

	camRows := make([][]string, 0, len(cameras))
	for _, c := range cameras {
		camRows = append(camRows, []string{c.Name, c.Path, fmt.Sprintf("%v", c.IsUSB3)})
	}
	printTable([]string{"camera", "path", "usb3"}, camRows)
	return nil
}
