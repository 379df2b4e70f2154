package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vyvo/appbuild/backend/pkg/builder"
)

var startCmd = &cobra.Command{
	Use:   "start <prompt>",
	Short: "Start a build",
	Long:  "buildctl start <prompt> [--platform ios|android] [--app-history-id id] [--watch]\n\nStarts a build for the given prompt and prints its id.\nUse --watch to follow progress until the build finishes.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		platform, _ := cmd.Flags().GetString("platform")
		historyID, _ := cmd.Flags().GetString("app-history-id")
		watch, _ := cmd.Flags().GetBool("watch")

		s, err := newSession(cmd)
		if err != nil {
			return err
		}

		resp, err := s.client.StartBuild(cmd.Context(), builder.StartRequest{
			Prompt:       strings.Join(args, " "),
			Platform:     platform,
			AppHistoryID: historyID,
		})
		if err != nil {
			return fmt.Errorf("start build: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Build ID: %s\n", resp.BuildID)
		fmt.Fprintf(out, "Status:   %s\n", resp.Status)
		if !watch {
			return nil
		}
		fmt.Fprintln(out)
		return s.watch(out, resp.BuildID)
	},
}

func init() {
	startCmd.Flags().String("platform", "android", "Target platform: ios or android")
	startCmd.Flags().String("app-history-id", "", "App history entry the build belongs to")
	startCmd.Flags().Bool("watch", false, "Follow progress until the build finishes")
}
