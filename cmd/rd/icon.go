package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/routedeck/routedeck/internal/display"
	"github.com/routedeck/routedeck/internal/icons"
	"github.com/spf13/cobra"
)

var (
	iconRefresh bool
	iconOut     string
)

var iconCmd = &cobra.Command{
	Use:   "icon <website>",
	Short: "Fetch and cache a website's favicon",
	Long:  "Fetches the favicon for a website into the local icon cache. Confirmed misses are remembered, so repeat lookups skip the network; --refresh clears that memory and refetches.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cache := icons.New(filepath.Join(appDir(), "icons"), nil)
		website := args[0]
		if icons.NormalizeHost(website) == "" {
			return fmt.Errorf("invalid website %q", website)
		}

		ctx := context.Background()
		var data []byte
		var err error
		if iconRefresh {
			data, err = cache.RefreshImage(ctx, website)
		} else {
			data, err = cache.Image(ctx, website)
		}
		if err != nil {
			return err
		}
		if data == nil {
			if !quietFlag {
				display.WarnMsg("No icon for %s (miss remembered; use --refresh to retry)", website)
			}
			return nil
		}

		if iconOut != "" {
			if err := os.WriteFile(iconOut, data, 0o644); err != nil {
				return err
			}
			if !quietFlag {
				display.SuccessMsg("Wrote %d bytes to %s", len(data), iconOut)
			}
			return nil
		}
		if !quietFlag {
			display.SuccessMsg("Cached icon for %s (%d bytes)", website, len(data))
		}
		return nil
	},
}

func init() {
	iconCmd.Flags().BoolVar(&iconRefresh, "refresh", false, "Bypass the cache and refetch")
	iconCmd.Flags().StringVar(&iconOut, "out", "", "Write the icon bytes to a file")
	rootCmd.AddCommand(iconCmd)
}
