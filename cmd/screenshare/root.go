package main

import (
	"fmt"
	"os"

	"screenshare/pkg/config"
	"screenshare/pkg/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var defaultConfigPaths = []string{
	"configs/config.yaml",
	"/etc/screenshare/config.yaml",
	"config.yaml",
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "screenshare",
	Short: "Screen share negotiation service",
	Long:  `HTTP + WebSocket API for screen share requests and sessions. Commands: serve, migrate, seed, agent.`,
	RunE:  runServe,
	// Errors are reported once by main.
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(agentCmd)
}

func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the --config file, or the first default path that exists.
// Without a file the defaults plus environment overrides apply.
func loadConfig() (*config.Config, error) {
	_ = godotenv.Load(".env")

	path := configPath
	if path == "" {
		for _, p := range defaultConfigPaths {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *zap.Logger {
	return logger.New(cfg.Logging.Level)
}
