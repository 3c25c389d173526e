package main

import (
	"fmt"
	"os"

	"github.com/ignatij/flowsched/internal/cli"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "flowsched",
	Short: "Dependency-aware task scheduler",
}

func main() {
	// Load .env if present; real environment variables win.
	_ = godotenv.Load()
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
