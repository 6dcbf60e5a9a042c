// Package main provides the xtal-web command: the HTTP server, batch store
// grading and admin account provisioning.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xtalsearch/xtal-web/internal/config"
	"github.com/xtalsearch/xtal-web/internal/logging"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "xtal",
	Short: "xtal-web search grader and storefront API",
	Long: `xtal-web serves the public search grader, relays storefront search calls to the
xtal backend and hosts the admin console API.

Configuration is read from defaults, then --config (JSON or YAML), then the
environment (a .env file is loaded if present), then command-line flags.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a JSON or YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// loadConfig resolves the configuration and builds the process logger.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.Verbose = true
	}
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Verbose: cfg.Verbose})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
