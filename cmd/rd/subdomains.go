package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/routedeck/routedeck/internal/display"
	"github.com/spf13/cobra"
)

var subdomainsCmd = &cobra.Command{
	Use:   "subdomains <zone-id>",
	Short: "List subdomains enabled for routing on a zone",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		zone, err := authedZone(args[0])
		if err != nil {
			return err
		}
		subs, err := newClient().ListSubdomains(context.Background(), zone)
		if err != nil {
			return err
		}
		if jsonOutput {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(subs)
		}
		if len(subs) == 0 {
			fmt.Printf("No routing subdomains on %s\n", zone.DomainName)
			return nil
		}
		for _, s := range subs {
			fmt.Printf("  %s\n", s)
		}
		return nil
	},
}

var subdomainsEnableCmd = &cobra.Command{
	Use:   "enable <zone-id>",
	Short: "Enable subdomain routing for a zone",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return toggleSubdomains(args[0], true) },
}

var subdomainsDisableCmd = &cobra.Command{
	Use:   "disable <zone-id>",
	Short: "Disable subdomain routing for a zone",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return toggleSubdomains(args[0], false) },
}

func toggleSubdomains(zoneID string, enabled bool) error {
	zone, err := authedZone(zoneID)
	if err != nil {
		return err
	}
	if err := newClient().ToggleSubdomains(context.Background(), zone, enabled); err != nil {
		return err
	}
	zone.SubdomainsEnabled = enabled
	if err := newRegistry().UpdateZone(zone); err != nil {
		return err
	}
	if !quietFlag {
		state := "enabled"
		if !enabled {
			state = "disabled"
		}
		display.SuccessMsg("Subdomain routing %s for %s", state, zone.DomainName)
	}
	return nil
}

func init() {
	subdomainsCmd.AddCommand(subdomainsEnableCmd)
	subdomainsCmd.AddCommand(subdomainsDisableCmd)
	rootCmd.AddCommand(subdomainsCmd)
}
