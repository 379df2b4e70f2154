package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "buildctl",
	Short:        "Start and follow app builds",
	Long:         "buildctl talks to the build service: start a build, query its status, or watch it until it finishes.",
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	cobra.EnableCommandSorting = false

	rootCmd.PersistentFlags().String("base-url", "", "Build service URL (or BUILDCTL_BASE_URL env var)")
	rootCmd.PersistentFlags().String("token", "", "Bearer token (or BUILDCTL_TOKEN env var)")
	rootCmd.PersistentFlags().String("error-policy", "", "What a failed status query does while watching: abort or retry")

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(listCmd)
}
