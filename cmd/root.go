// cmd/root.go
/*
Copyright © 2025 AceTeam <dev@aceteam.ai>
*/
package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aceteam-ai/tokenwatch/internal/collect"
	"github.com/aceteam-ai/tokenwatch/internal/opencode"
	"github.com/aceteam-ai/tokenwatch/internal/provider"
	"github.com/aceteam-ai/tokenwatch/internal/record"
	"github.com/aceteam-ai/tokenwatch/internal/settings"
	"github.com/aceteam-ai/tokenwatch/internal/store"
)

var cfgFile string
var noColor bool

var (
	infoColor = color.New(color.FgCyan)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed)
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tokenwatch",
	Short: "Collects token usage and quota telemetry from local AI CLIs",
	Long: `tokenwatch watches the local state of supported AI CLIs (claude, codex),
tails their session logs incrementally and polls their quota endpoints,
and keeps a deduplicated usage timeline and quota snapshot history in
local SQLite databases.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			color.NoColor = true
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tokenwatch/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
}

// logPrinter maps runtime diagnostics onto colored stderr lines.
func logPrinter(level, msg string) {
	switch level {
	case "error":
		errColor.Fprintf(os.Stderr, "[error] %s\n", msg)
	case "warn":
		warnColor.Fprintf(os.Stderr, "[warn]  %s\n", msg)
	default:
		infoColor.Fprintf(os.Stderr, "[info]  %s\n", msg)
	}
}

func dataDir(home string) string {
	return filepath.Join(home, ".tokenwatch")
}

func loadConfig(home string) (*settings.Config, error) {
	path := cfgFile
	if path == "" {
		path = settings.DefaultPath(home)
	}
	return settings.Load(path)
}

// stores bundles the open databases and their cleanup.
type stores struct {
	timeline  *store.TimelineStore
	snapshots *store.SnapshotStore
}

func (s *stores) Close() {
	if s.timeline != nil {
		s.timeline.Close()
	}
	if s.snapshots != nil {
		s.snapshots.Close()
	}
}

func openStores(home string) (*stores, error) {
	dir := dataDir(home)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	timeline, err := store.OpenTimelineStore(filepath.Join(dir, "timeline.db"))
	if err != nil {
		return nil, err
	}
	snapshots, err := store.OpenSnapshotStore(filepath.Join(dir, "snapshots.db"))
	if err != nil {
		timeline.Close()
		return nil, err
	}
	return &stores{timeline: timeline, snapshots: snapshots}, nil
}

// buildRuntimes wires one collection runtime per provider. The shared
// OpenCode database is attached when present; each provider keeps its
// own row cursor over it.
func buildRuntimes(home string, st *stores, onUpdate func(record.Provider, record.Track)) (map[record.Provider]*collect.Runtime, func(), error) {
	sources := provider.LogSources(home)

	var readers []*opencode.Reader
	openMessages := func() collect.MessageSource {
		path := provider.OpenCodeDBPath(home)
		if _, err := os.Stat(path); err != nil {
			return nil
		}
		r, err := opencode.Open(path)
		if err != nil {
			logPrinter("warn", fmt.Sprintf("opencode db: %v", err))
			return nil
		}
		readers = append(readers, r)
		return r
	}

	quotas := map[record.Provider]collect.QuotaFetcher{
		record.ProviderClaude: provider.NewClaudeQuota(home, http.DefaultClient),
		record.ProviderCodex:  provider.NewCodexQuota("codex", provider.ExecRunner{}),
	}

	runtimes := make(map[record.Provider]*collect.Runtime, len(sources))
	for _, p := range record.Providers() {
		opts := []collect.Option{
			collect.WithQuota(quotas[p], st.snapshots),
			collect.WithLogger(logPrinter),
		}
		if onUpdate != nil {
			opts = append(opts, collect.WithUpdateSignal(onUpdate))
		}
		if m := openMessages(); m != nil {
			opts = append(opts, collect.WithMessages(m))
		}
		runtimes[p] = collect.New(sources[p], st.timeline, opts...)
	}

	cleanup := func() {
		for _, r := range readers {
			r.Close()
		}
	}
	return runtimes, cleanup, nil
}
