// Tiba is a fuzz-guided automated program repair tool.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tiba",
	Short: "Fuzz, reproduce, and repair crashes in C/C++ targets",
	Long: `Tiba runs an AFL++ fuzzing campaign against a containerized target,
replays crashing inputs under sanitizers, and drives an LLM repair agent
until the crash no longer reproduces. Validated patches and full crash
records are persisted for review.`,
	RunE:          runPipeline, // Default to pipeline mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
