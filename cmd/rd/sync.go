package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/routedeck/routedeck/internal/display"
	"github.com/routedeck/routedeck/internal/engine"
	"github.com/routedeck/routedeck/internal/types"
	"github.com/spf13/cobra"
)

var syncZone string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile routing rules from all zones into the local replica",
	Long:  "Run one reconciliation pass: fetch rules from every authenticated zone, diff against the local replica, and commit creates/updates/deletes in one batch.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !quietFlag {
			fmt.Println("Syncing zones...")
		}

		eng := newEngine()
		var summary *types.SyncSummary
		var err error
		if syncZone != "" {
			summary, err = eng.SyncZone(context.Background(), syncZone)
		} else {
			summary, err = eng.Sync(context.Background())
		}
		if err != nil {
			if errors.Is(err, engine.ErrSyncInFlight) {
				return nil
			}
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		}

		for _, z := range summary.Zones {
			if z.Error != "" {
				display.ErrorMsg("%s — %s", z.Zone, z.Error)
				continue
			}
			if !quietFlag {
				fmt.Printf("  %s — %d rules, +%d ~%d -%d\n",
					z.Zone, z.Fetched, z.Created, z.Updated, z.Deleted)
			}
		}
		if !quietFlag {
			display.SuccessMsg("Done. %d created, %d updated, %d deleted. %d aliases total.",
				summary.Created, summary.Updated, summary.Deleted, summary.TotalAliases)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncZone, "zone", "", "Sync a single zone by ID")
	rootCmd.AddCommand(syncCmd)
}
