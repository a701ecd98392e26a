package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	historyLimit int

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Show recent queries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			logs, err := engine.History(cmd.Context(), historyLimit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tDRUG A\tDRUG B\tSTATUS\tSOURCE\tCONF\tSEVERITY")
			for _, q := range logs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.2f\t%s\n",
					q.CreatedAt.Local().Format(time.DateTime),
					q.DrugA, dash(q.DrugB), q.Status, q.Source, q.Confidence, dash(q.Severity))
			}
			return tw.Flush()
		},
	}
)

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of queries to show")
	rootCmd.AddCommand(historyCmd)
}
