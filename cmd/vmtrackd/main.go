// vmtrackd is the manager: it ingests events and snapshots from the node
// agents, keeps the session log, and serves usage queries.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/api"
	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/config"
	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/ingest"
	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/logging"
	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/store"
	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/usage"
)

// Set via ldflags at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "vmtrackd",
	Short: "VM uptime tracking manager",
	Long:  "vmtrackd collects VM start/stop events and snapshots from node agents and turns them into billable sessions.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vmtrackd %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer() error {
	// Bootstrap logging before config so early failures are visible
	logging.Init(logging.Config{Component: "vmtrackd"})

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}
	logging.Init(logging.Config{
		Format:    cfg.Logging.Format,
		Level:     cfg.Logging.Level,
		Component: "vmtrackd",
	})
	if err := cfg.ValidateServer(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		os.Exit(1)
	}

	st, err := store.New(store.Config{
		DBPath:        cfg.Database.Path,
		BusyTimeoutMS: cfg.Database.BusyTimeoutMS,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to open session store")
		os.Exit(1)
	}
	defer st.Close()

	reconciler := ingest.New(st)
	calculator := usage.New(st)
	handler := api.NewRouter(cfg, st, reconciler, calculator)

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", server.Addr).
			Str("version", Version).
			Msg("Manager listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
