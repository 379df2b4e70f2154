package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List your builds",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd)
		if err != nil {
			return err
		}
		builds, err := s.client.ListBuilds(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(builds) == 0 {
			fmt.Fprintln(out, "No builds found.")
			return nil
		}

		fmt.Fprintf(out, "%-38s  %-9s  %-10s  %-8s  %s\n", "BUILD ID", "PLATFORM", "STATUS", "PROGRESS", "CREATED")
		fmt.Fprintln(out, strings.Repeat("─", 96))
		for _, b := range builds {
			created := ""
			if !b.CreatedAt.IsZero() {
				created = b.CreatedAt.Local().Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(out, "%-38s  %-9s  %-10s  %7d%%  %s\n", b.BuildID, b.Platform, b.Status, b.Progress, created)
		}
		return nil
	},
}
