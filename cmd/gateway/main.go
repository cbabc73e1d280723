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
	"github.com/cuemby/esb/pkg/gateway"
	"github.com/cuemby/esb/pkg/log"
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
	Use:     "esb-gateway",
	Short:   "esb gateway - stateless invocation front door",
	Version: Version,
	RunE:    runGateway,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("esb-gateway version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("config", "", "Path to YAML config file")
	rootCmd.Flags().String("bind-addr", "", "Override gateway_bind_addr from config")
	rootCmd.Flags().String("orchestrator-addr", "http://127.0.0.1:9090", "Orchestrator internal RPC base URL")
	rootCmd.Flags().String("api-key", "", "Static API key checked on /user/auth/ver1.0")
	rootCmd.Flags().String("auth-username", "", "Static username checked on /user/auth/ver1.0")
	rootCmd.Flags().String("auth-password", "", "Static password checked on /user/auth/ver1.0")
	rootCmd.Flags().String("jwt-secret", "", "HMAC secret used to sign and verify bearer tokens")

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

func runGateway(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	if bindAddr == "" {
		bindAddr = cfg.GatewayBindAddr
	}
	orchestratorAddr, _ := cmd.Flags().GetString("orchestrator-addr")
	apiKey, _ := cmd.Flags().GetString("api-key")
	username, _ := cmd.Flags().GetString("auth-username")
	password, _ := cmd.Flags().GetString("auth-password")
	jwtSecret, _ := cmd.Flags().GetString("jwt-secret")

	rpc := gateway.NewRPCClient(orchestratorAddr, 10*time.Second)
	gwCfg := gateway.Config{
		PoolAcquireTimeout:  cfg.PoolAcquireTimeout,
		InvokeTimeout:       cfg.InvokeTimeout,
		EnableContainerPool: cfg.EnableContainerPool,
		CacheTTL:            cfg.CacheTTL,
		BreakerThreshold:    cfg.BreakerThreshold,
		BreakerRecoveryTime: cfg.BreakerRecoveryTime,
		HeartbeatInterval:   cfg.HeartbeatInterval,
	}
	authCfg := gateway.AuthConfig{
		APIKey:      apiKey,
		Username:    username,
		Password:    password,
		JWTSecret:   []byte(jwtSecret),
		TokenIssuer: "esb-gateway",
		TokenTTL:    time.Hour,
	}

	g := gateway.New(gwCfg, authCfg, rpc)

	reg, err := loadRoutes(cfg.RegistryDBPath, g)
	if err != nil {
		return err
	}
	if reg != nil {
		defer reg.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.RunHeartbeat(ctx)

	srv := &http.Server{Addr: bindAddr, Handler: gateway.NewServer(g)}
	errCh := make(chan error, 1)
	go func() {
		log.Logger.Info().Str("addr", bindAddr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway server error: %w", err)
	case <-sigCh:
		log.Logger.Info().Msg("shutting down")
	}

	cancel()
	g.StopHeartbeat()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
