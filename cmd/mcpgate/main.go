package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mcpgate/mcpgate-go/internal/config"
	"github.com/mcpgate/mcpgate-go/internal/logs"
	"github.com/mcpgate/mcpgate-go/internal/server"
)

var version = "dev"

var (
	configFile string
	listen     string
	dataDir    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:     "mcpgate",
	Short:   "Gateway between AI-tool clients and downstream MCP tool servers",
	Long:    "mcpgate issues and verifies bearer credentials and routes MCP sessions and tool calls to independently configured downstream servers, one connection set per caller.",
	Version: version,
	RunE:    runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file (JSON)")
	rootCmd.PersistentFlags().StringVarP(&listen, "listen", "l", "", "listen address (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "data directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	if listen != "" {
		cfg.Listen = listen
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	srv, err := server.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting mcpgate", zap.String("version", version))
	return srv.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
