package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import <file>...",
	Short: "Load registry exports (CSV or XLSX) into the local drug table",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		for _, path := range args {
			n, err := engine.Import(cmd.Context(), path)
			if err != nil {
				return fmt.Errorf("importing %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d drugs\n", path, n)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}
