package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "codelab",
	Short: "Codelab - code-execution session service",
	Long: `Codelab is the execution backend for interactive textbook cases.

It manages learner sessions and their code workspaces, runs scripts inside
isolated resource-bounded sandboxes, and streams output back over WebSockets.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
