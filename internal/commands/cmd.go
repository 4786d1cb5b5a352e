package commands

import (
	"github.com/spf13/cobra"

	"github.com/user/release-sessions/internal/commands/jobs"
	"github.com/user/release-sessions/internal/commands/serve"
)

var rootCmd = &cobra.Command{
	Use:   "relsessions",
	Short: "Release session orchestrator CLI",
}

func init() {
	rootCmd.AddCommand(serve.NewCommand())
	rootCmd.AddCommand(jobs.NewCommand())
}

func Execute() error {
	return rootCmd.Execute()
}
