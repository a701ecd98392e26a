package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/ddi"
)

var (
	queryWeb  bool
	queryJSON bool

	queryCmd = &cobra.Command{
		Use:   "query <drug> [partner]",
		Short: "Describe a drug or the interaction between two drugs",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			req := ddi.Request{DrugA: args[0], VerifyWeb: queryWeb}
			if len(args) == 2 {
				req.DrugB = args[1]
			}

			res, err := engine.Query(cmd.Context(), req)
			if err != nil {
				return err
			}

			if queryJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Answer)
			fmt.Fprintf(os.Stderr, "\n[%s | %s | %.2f | %s]\n",
				res.Status, res.Source, res.Confidence, res.Duration.Round(time.Millisecond))
			return nil
		},
	}
)

func init() {
	queryCmd.Flags().BoolVar(&queryWeb, "web", false, "consult external sources even when the local table answers")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "print the full result as JSON")
	rootCmd.AddCommand(queryCmd)
}
