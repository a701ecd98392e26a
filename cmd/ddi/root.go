package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/ddi"
)

var (
	cfgFile string
	verbose bool

	rootCmd = &cobra.Command{
		Use:           "ddi",
		Short:         "Look up Korean drugs and drug-drug interactions",
		Long:          longRoot,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML or JSON)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
}

// loadConfig reads the layered configuration and installs a text logger on
// stderr so command output stays clean.
func loadConfig() (ddi.Config, error) {
	cfg, err := ddi.LoadConfig(cfgFile)
	if err != nil {
		return cfg, err
	}
	level := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return cfg, nil
}

func openEngine() (ddi.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return ddi.New(cfg)
}

var longRoot = `
ddi checks the local drug table first and consults registry sites, web
search and an LLM only when the table cannot answer.

Examples:
  # Describe one drug.
  ddi query 타이레놀

  # Check an interaction, re-verifying against external sources.
  ddi query 와파린 아스피린 --web
`
