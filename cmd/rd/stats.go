package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/routedeck/routedeck/internal/display"
	"github.com/routedeck/routedeck/internal/stats"
	"github.com/routedeck/routedeck/internal/types"
	"github.com/spf13/cobra"
)

var statsRefresh bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-address email statistics (7-day window, 24h cache)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cache := stats.New(filepath.Join(appDir(), "stats.json"))
		cached, err := cache.Load()
		if err != nil {
			return err
		}

		stale := cached == nil || cached.IsStale(time.Now())
		if statsRefresh || stale {
			fresh, err := fetchAllStatistics()
			if err != nil {
				if cached == nil {
					return err
				}
				// Keep showing last-known-good data on fetch failure.
				display.WarnMsg("refresh failed, showing cached data: %v", err)
			} else {
				if err := cache.Save(fresh); err != nil {
					return err
				}
				cached, err = cache.Load()
				if err != nil {
					return err
				}
			}
		}

		if cached == nil {
			fmt.Println("No statistics yet — the zone tokens may lack the analytics permission.")
			return nil
		}

		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cached)
		}

		age := display.Since(time.Since(cached.SavedAt))
		fmt.Printf("Statistics (last 7 days, cached %s)\n\n", age)
		if len(cached.Statistics) == 0 {
			fmt.Println("  No routed email in the window.")
			return nil
		}
		for _, s := range cached.Statistics {
			fmt.Printf("  %4d  %s\n", s.Count, display.Bold.Render(s.EmailAddress))
		}
		return nil
	},
}

// fetchAllStatistics aggregates statistics across every authenticated zone.
// A zone without analytics permission contributes nothing.
func fetchAllStatistics() ([]types.EmailStatistic, error) {
	zones, err := newRegistry().AuthenticatedZones()
	if err != nil {
		return nil, err
	}
	client := newClient()
	ctx := context.Background()

	var all []types.EmailStatistic
	var lastErr error
	failures := 0
	for _, zone := range zones {
		zoneStats, err := client.FetchStatistics(ctx, zone, cfg.StatsWindow)
		if err != nil {
			failures++
			lastErr = err
			display.WarnMsg("%s: %v", zone.DomainName, err)
			continue
		}
		all = append(all, zoneStats...)
	}
	if len(zones) > 0 && failures == len(zones) && lastErr != nil {
		return nil, lastErr
	}
	return all, nil
}

func init() {
	statsCmd.Flags().BoolVar(&statsRefresh, "refresh", false, "Bypass the cache and fetch fresh statistics")
	rootCmd.AddCommand(statsCmd)
}
