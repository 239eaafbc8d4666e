// vmtrack-agent runs on each Proxmox node. It polls the local VM
// inventory and pushes start/stop events plus periodic snapshots to the
// manager.
//
// Exit codes: 0 clean shutdown, 1 fatal config or auth error, 2 the probe
// never succeeded in self-test mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/agent"
	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/config"
	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/logging"
	"github.com/PTHyperdrive/Proxmox-renting-manager/pkg/proxmox"
)

// Set via ldflags at build time.
var Version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file")
		runOnce     = flag.Bool("once", false, "register, send one snapshot, and exit")
		selfTest    = flag.Bool("test", false, "probe the hypervisor once and exit")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("vmtrack-agent %s\n", Version)
		return
	}

	logging.Init(logging.Config{Component: "vmtrack-agent"})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}
	logging.Init(logging.Config{
		Format:    cfg.Logging.Format,
		Level:     cfg.Logging.Level,
		Component: "vmtrack-agent",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	probe := proxmox.NewClient(proxmox.ClientConfig{
		Host:       cfg.Proxmox.Host,
		Port:       cfg.Proxmox.Port,
		User:       cfg.Proxmox.User,
		TokenName:  cfg.Proxmox.TokenName,
		TokenValue: cfg.Proxmox.TokenValue,
		VerifySSL:  cfg.Proxmox.VerifySSL,
		NodeName:   cfg.Node.Name,
	})

	if *selfTest {
		if err := cfg.ValidateAgent(); err != nil {
			log.Error().Err(err).Msg("Invalid configuration")
			os.Exit(1)
		}
		if err := probe.TestConnection(ctx); err != nil {
			log.Error().Err(err).Msg("Hypervisor probe failed")
			os.Exit(2)
		}
		vms, err := probe.ListVMs(ctx, cfg.Polling.Qemu(), cfg.Polling.LXC())
		if err != nil {
			log.Error().Err(err).Msg("VM listing failed")
			os.Exit(2)
		}
		log.Info().Int("vms", len(vms)).Msg("Probe self-test passed")
		return
	}

	if err := cfg.ValidateAgent(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		os.Exit(1)
	}

	manager := agent.NewManagerClient(cfg.Manager.URL, cfg.Manager.APIKey, cfg.Manager.Timeout())
	a, err := agent.New(agent.Config{
		NodeName:  cfg.Node.Name,
		Hostname:  cfg.Node.Hostname,
		Probe:     probe,
		Manager:   manager,
		StateFile: cfg.StateFile,
		Interval:  cfg.Polling.Interval(),
		TrackQemu: cfg.Polling.Qemu(),
		TrackLXC:  cfg.Polling.LXC(),
	})
	if err != nil {
		log.Error().Err(err).Msg("Invalid agent configuration")
		os.Exit(1)
	}

	if *runOnce {
		if err := a.RunOnce(ctx); err != nil {
			exitOnRunError(err)
		}
		if !a.ProbeSucceeded() {
			log.Error().Msg("Probe did not succeed")
			os.Exit(2)
		}
		return
	}

	if err := a.Run(ctx); err != nil {
		exitOnRunError(err)
	}
}

func exitOnRunError(err error) {
	if errors.Is(err, agent.ErrAuthFailed) {
		log.Error().Err(err).Msg("Manager rejected our credentials, stopping")
		os.Exit(1)
	}
	log.Error().Err(err).Msg("Agent failed")
	os.Exit(1)
}
