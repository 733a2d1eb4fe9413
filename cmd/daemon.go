// cmd/daemon.go
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/tokenwatch/internal/clock"
	"github.com/aceteam-ai/tokenwatch/internal/record"
	"github.com/aceteam-ai/tokenwatch/internal/sched"
)

// healthFile is the daemon's exported health snapshot, read by the
// status command.
const healthFile = "health.json"

type healthEntry struct {
	Key                 string    `json:"key"`
	Phase               string    `json:"phase"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastAttempt         time.Time `json:"last_attempt,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	NextDue             time.Time `json:"next_due,omitempty"`
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the collection scheduler until interrupted",
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

		onUpdate := func(p record.Provider, track record.Track) {
			logPrinter("info", fmt.Sprintf("store updated: %s/%s", p, track))
		}
		runtimes, cleanup, err := buildRuntimes(home, st, onUpdate)
		if err != nil {
			return err
		}
		defer cleanup()

		healthPath := filepath.Join(dataDir(home), healthFile)
		orch := sched.New(clock.NewReal(),
			sched.WithHealthCallback(func(key sched.Key, h sched.Health) {
				if h.LastError != "" {
					logPrinter("warn", fmt.Sprintf("%s: %s (failures=%d)", key, h.LastError, h.ConsecutiveFailures))
				}
			}))

		registered := 0
		for _, p := range record.Providers() {
			quota, err := cfg.For(p, record.TrackQuota)
			if err != nil {
				return err
			}
			timeline, err := cfg.For(p, record.TrackTimeline)
			if err != nil {
				return err
			}
			units := runtimes[p].Units(quota, timeline)
			orch.Register(units...)
			registered += len(units)
		}
		if registered == 0 {
			return fmt.Errorf("no collection units enabled")
		}

		orch.Start()
		logPrinter("info", fmt.Sprintf("daemon started, %d units scheduled", registered))

		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

		for {
			select {
			case <-ticker.C:
				writeHealthFile(healthPath, orch.HealthSnapshot())
			case s := <-sig:
				logPrinter("info", fmt.Sprintf("received %s, stopping", s))
				orch.Stop()
				writeHealthFile(healthPath, orch.HealthSnapshot())
				return nil
			}
		}
	},
}

// writeHealthFile exports the health snapshot for the status command.
// Best effort; a write failure never affects scheduling.
func writeHealthFile(path string, snapshot map[sched.Key]sched.Health) {
	entries := make([]healthEntry, 0, len(snapshot))
	for key, h := range snapshot {
		entries = append(entries, healthEntry{
			Key:                 key.String(),
			Phase:               string(h.Phase),
			ConsecutiveFailures: h.ConsecutiveFailures,
			LastAttempt:         h.LastAttempt,
			LastSuccess:         h.LastSuccess,
			LastError:           h.LastError,
			NextDue:             h.NextDue,
		})
	}
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return
	}
	os.Rename(tmp, path)
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
