package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/routedeck/routedeck/internal/display"
	"github.com/routedeck/routedeck/internal/stats"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show an overview of zones, aliases, and cache freshness",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := newRegistry()
		zones, err := reg.Zones()
		if err != nil {
			return err
		}
		reauth, err := reg.ZonesNeedingReauth()
		if err != nil {
			return err
		}
		cache := stats.New(filepath.Join(appDir(), "stats.json"))
		cached, err := cache.Load()
		if err != nil {
			return err
		}

		if jsonOutput {
			out := map[string]any{
				"zones":         len(zones),
				"needs_reauth":  len(reauth),
				"aliases":       store.AliasCount(),
				"stats_cached":  cached != nil,
				"stats_stale":   cached == nil || cached.IsStale(time.Now()),
				"database_path": store.Path(),
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		fmt.Printf("%s\n\n", display.Bold.Render("routedeck status"))
		fmt.Printf("  Database: %s\n", display.Dim.Render(store.Path()))
		fmt.Printf("  Zones:    %d configured", len(zones))
		if len(reauth) > 0 {
			fmt.Printf(", %s", display.ErrStyle.Render(fmt.Sprintf("%d need re-auth", len(reauth))))
		}
		fmt.Println()
		fmt.Printf("  Aliases:  %d\n", store.AliasCount())
		switch {
		case cached == nil:
			fmt.Printf("  Stats:    %s\n", display.Dim.Render("never fetched"))
		case cached.IsStale(time.Now()):
			fmt.Printf("  Stats:    %s (%s)\n", display.Warn.Render("stale"), display.Since(time.Since(cached.SavedAt)))
		default:
			fmt.Printf("  Stats:    fresh (%s)\n", display.Since(time.Since(cached.SavedAt)))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
