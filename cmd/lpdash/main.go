package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/CrunchNZ/lpb-sub001/internal/config"
)

var (
	configFile   string
	logLevel     string
	outputFormat string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lpdash",
		Short:         "lpdash - cached data access and Jupiter API gateway for LP strategies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file (JSON or YAML)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	root.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, wide, json, yaml)")

	root.AddCommand(
		serveCmd(),
		priceCmd(),
		quoteCmd(),
		positionsCmd(),
		setStatusCmd(),
		statsCmd(),
		invalidateCmd(),
	)
	return root
}

// loadConfig reads the config file when given, then applies environment
// and flag overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		loaded, err := config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	if logLevel != "" {
		cfg.Daemon.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
