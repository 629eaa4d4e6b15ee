package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmops/swarmops/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook listener and background pollers",
	Long: `serve starts the HTTP server that answers the session gateway's
worker/review/fix/spec-complete webhooks and an operator's /orchestrate
calls, alongside the phase-advancer watchdog that recovers stalled
dispatches and escalates runs stuck past their stale threshold.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	comps, err := build(cfg, log)
	if err != nil {
		return fmt.Errorf("wiring orchestrator: %w", err)
	}

	webCfg := web.DefaultConfig()
	webCfg.Host = cfg.Server.Host
	webCfg.Port = cfg.Server.Port
	webCfg.EnableCORS = cfg.Server.EnableCORS
	webCfg.CORSOrigins = cfg.Server.CORSOrigins
	if d, err := time.ParseDuration(cfg.Server.ReadTimeout); err == nil {
		webCfg.ReadTimeout = d
	}
	if d, err := time.ParseDuration(cfg.Server.WriteTimeout); err == nil {
		webCfg.WriteTimeout = d
	}
	if d, err := time.ParseDuration(cfg.Server.IdleTimeout); err == nil {
		webCfg.IdleTimeout = d
	}
	if d, err := time.ParseDuration(cfg.Server.ShutdownTimeout); err == nil {
		webCfg.ShutdownTimeout = d
	}

	server := web.New(webCfg, comps.orc, log)

	ctx, cancelPoller := context.WithCancel(cmd.Context())
	defer cancelPoller()
	go comps.poller.Run(ctx)
	comps.resources.Start(ctx)
	defer comps.resources.Stop()

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting webhook server: %w", err)
	}
	log.Info("swarmops serve: listening", "addr", server.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("swarmops serve: shutting down")
	cancelPoller()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), webCfg.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
