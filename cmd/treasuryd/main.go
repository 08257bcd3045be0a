package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"Treasury-Relay/internal/config"
	"Treasury-Relay/pkg/logger"
)

const programName = "treasuryd"

var globalFlags = struct {
	config string
	debug  bool
}{}

// loadConfig 读取 --config 或 TREASURY_CONFIG 指定的配置，并初始化日志。
func loadConfig() (*config.Config, error) {
	path := globalFlags.config
	if path == "" {
		path = os.Getenv("TREASURY_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if globalFlags.debug {
		cfg.Logging.Level = "debug"
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Treasury governance engine and execution relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&globalFlags.config, "config", "c", "", "path to JSON config file (defaults to $TREASURY_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")

	rootCmd.AddCommand(
		serveCommand(),
		deriveCommand(),
		keygenCommand(),
		genesisCommand(),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", programName, err)
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}
