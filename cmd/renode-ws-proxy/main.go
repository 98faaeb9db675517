// Command renode-ws-proxy is the control-plane server: it spawns and
// supervises the emulator, serves the NDJSON control protocol, and bridges
// the emulator's monitor and a debugger child over WebSocket.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/antmicro/renode-ws-proxy/internal/config"
	"github.com/antmicro/renode-ws-proxy/internal/metrics"
	"github.com/antmicro/renode-ws-proxy/internal/router"
	"github.com/antmicro/renode-ws-proxy/internal/supervisor"
)

// version is overridden at release-build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags config.Flags

	cmd := &cobra.Command{
		Use:   "renode-ws-proxy <emulator_binary> <workspace_dir>",
		Short: "Remote control plane for the emulator",
		Args: func(cmd *cobra.Command, args []string) error {
			if v, _ := cmd.Flags().GetBool("version"); v {
				return nil
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if v, _ := cmd.Flags().GetBool("version"); v {
				fmt.Println("renode-ws-proxy " + version)
				return nil
			}
			flags.EmulatorBinary = args[0]
			flags.WorkspaceDir = args[1]
			flags.GDBSet = cmd.Flags().Changed("gdb")
			flags.PortSet = cmd.Flags().Changed("port")
			flags.DisableGUISet = cmd.Flags().Changed("disable-renode-gui")
			flags.DisableMonitorSet = cmd.Flags().Changed("disable-proxy-monitor-forwarding")
			return run(flags)
		},
	}

	cmd.Flags().StringVarP(&flags.GDB, "gdb", "g", "", "path to the debugger binary; pass with no value to auto-detect gdb-multiarch/gdb")
	cmd.Flags().Lookup("gdb").NoOptDefVal = "auto"
	cmd.Flags().IntVarP(&flags.Port, "port", "p", config.DefaultPort, "control WebSocket listen port")
	cmd.Flags().BoolVar(&flags.DisableGUI, "disable-renode-gui", false, "force the socket-backed UART analyzer strategy even when a GUI is available")
	cmd.Flags().BoolVar(&flags.DisableMonitor, "disable-proxy-monitor-forwarding", false, "do not forward the emulator monitor over the control protocol")
	cmd.Flags().BoolP("version", "v", false, "print the version and exit")

	return cmd
}

func run(flags config.Flags) error {
	cfg, err := config.Resolve(flags)
	if err != nil {
		return err
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := log.WithField("component", "supervisor")

	srv := supervisor.New(cfg, entry, metrics.New())
	if cfg.GDBExplicitlySet {
		srv.Stream.DefaultProgram = cfg.GDBPath
		if cfg.GDBPath == "" {
			entry.Warn("no debugger found on PATH; /run connections with no explicit program will fail")
		}
	}

	mux := router.Build(srv)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		entry.WithField("port", cfg.Port).Info("listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		entry.Info("shutdown signal received")
	case err := <-serveErr:
		entry.WithError(err).Error("listener failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		entry.WithError(err).Warn("graceful http shutdown failed; forcing close")
		httpSrv.Close()
	}

	// Independent of the HTTP listener's own 5s shutdown deadline: the
	// emulator-kill cascade gets its own grace window (see the ≤12s
	// disconnect-to-killed bound on a forced exit).
	killCtx, killCancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer killCancel()
	srv.Shutdown(killCtx, 12*time.Second)
	return nil
}
