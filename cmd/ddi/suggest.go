package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	suggestLimit int

	suggestCmd = &cobra.Command{
		Use:   "suggest <partial name>",
		Short: "List stored drugs that resemble a name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			matches := engine.Suggest(args[0], suggestLimit)
			if len(matches) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no matches")
				return nil
			}
			for _, m := range matches {
				fmt.Fprintf(cmd.OutOrStdout(), "%3d  %s", m.Score, m.Record.CanonicalName)
				if m.Name != m.Record.CanonicalName {
					fmt.Fprintf(cmd.OutOrStdout(), "  (%s)", m.Name)
				}
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
)

func init() {
	suggestCmd.Flags().IntVarP(&suggestLimit, "limit", "n", 5, "maximum number of matches")
	rootCmd.AddCommand(suggestCmd)
}
