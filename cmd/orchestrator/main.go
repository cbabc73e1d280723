package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/esb/pkg/config"
	"github.com/cuemby/esb/pkg/lifecycle"
	"github.com/cuemby/esb/pkg/log"
	"github.com/cuemby/esb/pkg/orchestrator"
	"github.com/cuemby/esb/pkg/registry"
	"github.com/cuemby/esb/pkg/runtime"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "esb-orchestrator",
	Short:   "esb orchestrator - privileged container lifecycle authority",
	Version: Version,
	RunE:    runOrchestrator,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("esb-orchestrator version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("config", "", "Path to YAML config file")
	rootCmd.Flags().String("bind-addr", "", "Override internal_bind_addr from config")
	rootCmd.Flags().String("runtime", "", "Override runtime_backend from config (containerd, docker, memory)")
	rootCmd.Flags().String("runtime-socket", "", "Socket path for the containerd/docker driver")
	rootCmd.Flags().String("routing-file", "", "Optional YAML routing table to seed into the registry at startup")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func buildDriver(backend, socketPath string) (runtime.Driver, error) {
	switch backend {
	case "docker":
		return runtime.NewDockerDriver(socketPath)
	case "memory":
		return runtime.NewMemoryDriver(), nil
	case "containerd", "":
		return runtime.NewContainerdDriver(socketPath)
	default:
		return nil, fmt.Errorf("unknown runtime backend %q", backend)
	}
}

func runOrchestrator(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	if bindAddr == "" {
		bindAddr = cfg.InternalBindAddr
	}
	backend, _ := cmd.Flags().GetString("runtime")
	if backend == "" {
		backend = cfg.RuntimeBackend
	}
	socketPath, _ := cmd.Flags().GetString("runtime-socket")
	routingFile, _ := cmd.Flags().GetString("routing-file")

	reg, err := registry.Open(cfg.RegistryDBPath)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer reg.Close()

	if routingFile != "" {
		n, err := reg.LoadYAMLFile(routingFile)
		if err != nil {
			return fmt.Errorf("seed routing table: %w", err)
		}
		log.Logger.Info().Int("functions", n).Str("file", routingFile).Msg("seeded routing table")
	}

	driver, err := buildDriver(backend, socketPath)
	if err != nil {
		return fmt.Errorf("build runtime driver: %w", err)
	}

	store := lifecycle.New()

	orchCfg := orchestrator.Config{
		Network:           cfg.Network,
		IdleTimeout:       cfg.IdleTimeout,
		ReaperInterval:    cfg.ReaperInterval,
		StuckMultiplier:   orchestrator.DefaultConfig().StuckMultiplier,
		PauseBeforeRemove: cfg.PauseBeforeRemove,
		ColdStartTimeout:  orchestrator.DefaultConfig().ColdStartTimeout,
		ReadinessInterval: orchestrator.DefaultConfig().ReadinessInterval,
		PortRangeStart:    cfg.PortRangeStart,
		PortRangeEnd:      cfg.PortRangeEnd,
	}
	orch := orchestrator.New(orchCfg, store, driver, reg)
	defer orch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.AdoptSync(ctx); err != nil {
		log.Logger.Warn().Err(err).Msg("adopt-sync failed, continuing with an empty lifecycle store")
	}

	reaper := orchestrator.NewReaper(orch)
	go reaper.Run(ctx)

	srv := &http.Server{Addr: bindAddr, Handler: orchestrator.NewServer(orch)}
	errCh := make(chan error, 1)
	go func() {
		log.Logger.Info().Str("addr", bindAddr).Str("runtime", backend).Msg("orchestrator listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("orchestrator server error: %w", err)
	case <-sigCh:
		log.Logger.Info().Msg("shutting down")
	}

	cancel()
	reaper.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
