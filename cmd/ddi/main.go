// Command ddi answers drug and drug-drug interaction questions from the
// terminal.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
