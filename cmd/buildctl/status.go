package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <build-id>",
	Short: "Show a build's current status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		outputFmt, _ := cmd.Flags().GetString("output")

		s, err := newSession(cmd)
		if err != nil {
			return err
		}
		st, err := s.client.GetStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputFmt == "json" {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}

		fmt.Fprintf(out, "Build ID: %s\n", st.BuildID)
		fmt.Fprintf(out, "Status:   %s\n", st.Status)
		fmt.Fprintf(out, "Progress: %d%%\n", st.Progress)
		if st.Phase != "" {
			fmt.Fprintf(out, "Phase:    %s\n", st.Phase)
		}
		if st.DownloadURL != "" {
			fmt.Fprintf(out, "Download: %s\n", st.DownloadURL)
		}
		if st.ErrorMessage != "" {
			fmt.Fprintf(out, "Error:    %s\n", st.ErrorMessage)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <build-id>",
	Short: "Follow a build until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd)
		if err != nil {
			return err
		}
		return s.watch(cmd.OutOrStdout(), args[0])
	},
}

func init() {
	statusCmd.Flags().String("output", "", "Output format: json")
}
