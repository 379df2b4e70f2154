package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vyvo/appbuild/backend/pkg/builder"
	"github.com/vyvo/appbuild/backend/pkg/client"
	"github.com/vyvo/appbuild/backend/pkg/config"
)

type session struct {
	cfg    config.ClientConfig
	client *client.Client
}

// newSession merges flags over BUILDCTL_* env vars and the config file.
func newSession(cmd *cobra.Command) (*session, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("base-url"); v != "" {
		cfg.BaseURL = v
	}
	if v, _ := cmd.Flags().GetString("token"); v != "" {
		cfg.Token = v
	}
	if v, _ := cmd.Flags().GetString("error-policy"); v != "" {
		cfg.ErrorPolicy = v
	}
	return &session{cfg: cfg, client: client.NewClient(cfg.BaseURL, cfg.Token)}, nil
}

// watch follows buildID until it reaches a terminal status, tracking fails,
// or the user interrupts. It returns an error for failed builds.
func (s *session) watch(out io.Writer, buildID string) error {
	policy, err := client.ParseErrorPolicy(s.cfg.ErrorPolicy)
	if err != nil {
		return err
	}
	tracker := client.NewTracker(s.client, client.TrackerConfig{
		Interval:   s.cfg.PollInterval,
		Policy:     policy,
		MaxRetries: s.cfg.MaxRetries,
	})
	defer tracker.Close()

	final := make(chan builder.StatusResponse, 1)
	failed := make(chan error, 1)
	unsubscribe := tracker.Subscribe(buildID, func(st builder.StatusResponse) {
		printProgress(out, st)
		if st.Status.Terminal() {
			final <- st
		}
	}, func(err error) {
		failed <- err
	})
	defer unsubscribe()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	select {
	case st := <-final:
		return outcome(out, st)
	case err := <-failed:
		return err
	case <-interrupt:
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Stopped watching. The build keeps running; resume with: buildctl watch %s\n", buildID)
		return nil
	}
}

func printProgress(out io.Writer, st builder.StatusResponse) {
	line := fmt.Sprintf("  [%s]  %-10s %3d%%", time.Now().Format("15:04:05"), st.Status, st.Progress)
	if st.Phase != "" {
		line += "  " + string(st.Phase)
	}
	fmt.Fprintln(out, line)
}

func outcome(out io.Writer, st builder.StatusResponse) error {
	if st.Status == builder.StatusCompleted {
		fmt.Fprintln(out, "Build completed.")
		fmt.Fprintf(out, "Download: %s\n", st.DownloadURL)
		return nil
	}
	return fmt.Errorf("build %s failed: %s", st.BuildID, st.ErrorMessage)
}
