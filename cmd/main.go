package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"vibe_prompt_server/config"
	"vibe_prompt_server/internal/logging"
)

var (
	version   = "0.1.0"
	configDir string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "vibe-server",
		Short:   "Prompt generation API with anonymous limits and account credits",
		Version: version,
		// Running without a subcommand serves the API.
		RunE:          runServe,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", ".", "Directory searched for config.yaml")
	rootCmd.AddCommand(serveCmd, migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads .env, then config.yaml and the environment, and sets up logging.
func loadConfig() (config.Config, error) {
	// --- Load .env file ---
	// Must happen before viper reads the environment.
	envErr := godotenv.Load()

	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return config.Config{}, fmt.Errorf("cannot load config: %w", err)
	}
	logging.Setup(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})

	switch {
	case envErr == nil:
		log.Info("Loaded environment variables from .env file.")
	case os.IsNotExist(envErr):
		log.Debug(".env file not found, relying on system environment variables.")
	default:
		log.WithError(envErr).Warn("Error loading .env file")
	}
	return cfg, nil
}
