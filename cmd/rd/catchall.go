package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/routedeck/routedeck/internal/display"
	"github.com/routedeck/routedeck/internal/types"
	"github.com/spf13/cobra"
)

var (
	catchAllAction  string
	catchAllTo      []string
	catchAllDisable bool
)

var catchallCmd = &cobra.Command{
	Use:   "catchall <zone-id>",
	Short: "Show a zone's catch-all rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		zone, err := authedZone(args[0])
		if err != nil {
			return err
		}
		ca, err := newClient().FetchCatchAll(context.Background(), zone)
		if err != nil {
			return err
		}
		if jsonOutput {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(ca)
		}
		switch {
		case !ca.Enabled:
			fmt.Printf("Catch-all for %s: %s\n", zone.DomainName, display.Dim.Render("disabled"))
		case ca.Action == types.ActionForward:
			fmt.Printf("Catch-all for %s: forward to %v\n", zone.DomainName, ca.ForwardTo)
		default:
			fmt.Printf("Catch-all for %s: %s\n", zone.DomainName, ca.Action)
		}
		return nil
	},
}

var catchallSetCmd = &cobra.Command{
	Use:   "set <zone-id>",
	Short: "Update a zone's catch-all rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		zone, err := authedZone(args[0])
		if err != nil {
			return err
		}
		if catchAllDisable {
			if err := newClient().UpdateCatchAll(context.Background(), zone, false, types.ActionDrop, nil); err != nil {
				return err
			}
			if !quietFlag {
				display.SuccessMsg("Catch-all disabled for %s", zone.DomainName)
			}
			return nil
		}
		if catchAllAction == types.ActionForward && len(catchAllTo) == 0 {
			return fmt.Errorf("--to is required with --action forward")
		}
		if err := newClient().UpdateCatchAll(context.Background(), zone, true, catchAllAction, catchAllTo); err != nil {
			return err
		}
		if !quietFlag {
			display.SuccessMsg("Catch-all updated for %s", zone.DomainName)
		}
		return nil
	},
}

// authedZone loads a zone and requires a token.
func authedZone(zoneID string) (*types.Zone, error) {
	zone, err := newRegistry().Zone(zoneID)
	if err != nil {
		return nil, err
	}
	if !zone.Authenticated() {
		return nil, fmt.Errorf("zone %s needs re-auth", zone.DomainName)
	}
	return zone, nil
}

func init() {
	catchallSetCmd.Flags().StringVar(&catchAllAction, "action", types.ActionForward, "Catch-all action: forward, drop, or reject")
	catchallSetCmd.Flags().StringSliceVar(&catchAllTo, "to", nil, "Destination address(es) for forward")
	catchallSetCmd.Flags().BoolVar(&catchAllDisable, "disable", false, "Disable the catch-all rule")

	catchallCmd.AddCommand(catchallSetCmd)
	rootCmd.AddCommand(catchallCmd)
}
