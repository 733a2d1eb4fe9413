// cmd/status.go
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aceteam-ai/tokenwatch/internal/record"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	badColor    = color.New(color.FgRed)
	labelColor  = color.New(color.Bold)
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scheduler health, latest quota windows and timeline totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home: %w", err)
		}
		st, err := openStores(home)
		if err != nil {
			return err
		}
		defer st.Close()

		printHealth(filepath.Join(dataDir(home), healthFile))

		latest, err := st.snapshots.LatestPerProvider()
		if err != nil {
			return err
		}
		headerColor.Println("\nQuota")
		for _, p := range record.Providers() {
			snap, ok := latest[p]
			if !ok {
				fmt.Printf("  %-8s no snapshot yet\n", p)
				continue
			}
			labelColor.Printf("  %-8s", p)
			fmt.Printf(" plan=%s observed=%s\n", orDash(snap.Plan), snap.ObservedAt.Local().Format(time.RFC3339))
			for _, w := range snap.Windows {
				fmt.Printf("    %-18s", w.ID)
				if w.UsedPercent != nil {
					c := goodColor
					if *w.UsedPercent >= 80 {
						c = badColor
					}
					c.Printf(" %5.1f%% used", *w.UsedPercent)
				} else {
					fmt.Printf("     -")
				}
				if w.ResetAt != nil {
					fmt.Printf("  resets %s", w.ResetAt.Local().Format("Jan 2 15:04"))
				}
				fmt.Println()
			}
		}

		points, err := st.timeline.LoadAll()
		if err != nil {
			return err
		}
		headerColor.Println("\nTimeline")
		totals := make(map[record.Provider]int64)
		counts := make(map[record.Provider]int)
		for _, p := range points {
			totals[p.Provider] += p.EffectiveTotal()
			counts[p.Provider]++
		}
		for _, p := range record.Providers() {
			fmt.Printf("  %-8s %d events, %d tokens\n", p, counts[p], totals[p])
		}
		return nil
	},
}

// printHealth renders the daemon's exported health snapshot, if a
// daemon has written one.
func printHealth(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Println("Scheduler: not running (no health snapshot)")
		return
	}
	var entries []healthEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		fmt.Println("Scheduler: health snapshot unreadable")
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	headerColor.Println("Scheduler")
	for _, e := range entries {
		labelColor.Printf("  %-18s", e.Key)
		if e.LastError != "" {
			badColor.Printf(" %s", e.Phase)
			fmt.Printf("  failures=%d  last error: %s\n", e.ConsecutiveFailures, e.LastError)
			continue
		}
		goodColor.Printf(" %s", e.Phase)
		if !e.LastSuccess.IsZero() {
			fmt.Printf("  last success %s", e.LastSuccess.Local().Format("15:04:05"))
		}
		fmt.Println()
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
