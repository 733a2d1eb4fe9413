// cmd/collect.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/tokenwatch/internal/record"
)

var collectTimeout time.Duration

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run one collection pass for every enabled provider and track",
	RunE: func(cmd *cobra.Command, args []string) error {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home: %w", err)
		}
		cfg, err := loadConfig(home)
		if err != nil {
			return err
		}
		st, err := openStores(home)
		if err != nil {
			return err
		}
		defer st.Close()

		runtimes, cleanup, err := buildRuntimes(home, st, nil)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(cmd.Context(), collectTimeout)
		defer cancel()

		failures := 0
		for _, p := range record.Providers() {
			rt := runtimes[p]

			quota, err := cfg.For(p, record.TrackQuota)
			if err != nil {
				return err
			}
			if quota.Enabled {
				if err := rt.CollectQuota(ctx); err != nil {
					logPrinter("error", fmt.Sprintf("%s quota: %v", p, err))
					failures++
				}
			}

			timeline, err := cfg.For(p, record.TrackTimeline)
			if err != nil {
				return err
			}
			if timeline.Enabled {
				if err := rt.CollectTimeline(ctx); err != nil {
					logPrinter("error", fmt.Sprintf("%s timeline: %v", p, err))
					failures++
				}
			}
		}

		if failures > 0 {
			return fmt.Errorf("%d collection pass(es) failed", failures)
		}
		return nil
	},
}

func init() {
	collectCmd.Flags().DurationVar(&collectTimeout, "timeout", 2*time.Minute, "Overall timeout for the one-shot pass")
	rootCmd.AddCommand(collectCmd)
}
