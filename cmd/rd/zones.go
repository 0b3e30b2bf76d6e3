package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/routedeck/routedeck/internal/display"
	"github.com/spf13/cobra"
)

var zoneToken string

var zonesCmd = &cobra.Command{
	Use:   "zones",
	Short: "Manage configured zones",
	RunE: func(cmd *cobra.Command, args []string) error {
		return zonesListCmd.RunE(cmd, args)
	},
}

var zonesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured zones",
	RunE: func(cmd *cobra.Command, args []string) error {
		zones, err := newRegistry().Zones()
		if err != nil {
			return err
		}
		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(zones)
		}
		if len(zones) == 0 {
			fmt.Println("No zones configured — add one with 'rd zones add <zone-id> --token <token>'")
			return nil
		}
		for _, z := range zones {
			auth := display.Success.Render("authenticated")
			if !z.Authenticated() {
				auth = display.ErrStyle.Render("needs re-auth")
			}
			subs := ""
			if z.SubdomainsEnabled {
				subs = display.Muted.Render(" +subdomains")
			}
			fmt.Printf("  %s  %s  %s%s\n", display.Bold.Render(z.DomainName), display.Dim.Render(z.ZoneID), auth, subs)
		}
		return nil
	},
}

var zonesAddCmd = &cobra.Command{
	Use:   "add <zone-id>",
	Short: "Register a zone with its API token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if zoneToken == "" {
			return fmt.Errorf("--token is required")
		}
		ctx := context.Background()
		zone, err := newClient().ZoneInfo(ctx, args[0], zoneToken)
		if err != nil {
			return fmt.Errorf("verify zone: %w", err)
		}
		if err := newRegistry().AddZone(zone); err != nil {
			return err
		}
		if !quietFlag {
			display.SuccessMsg("Added zone %s (%s). Run 'rd sync' to pull its aliases.", zone.DomainName, zone.ZoneID)
		}
		return nil
	},
}

var zonesTokenCmd = &cobra.Command{
	Use:   "token <zone-id>",
	Short: "Replace a zone's API token (re-auth)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if zoneToken == "" {
			return fmt.Errorf("--token is required")
		}
		reg := newRegistry()
		if err := reg.UpdateZoneToken(args[0], zoneToken); err != nil {
			return err
		}
		zone, err := reg.Zone(args[0])
		if err != nil {
			return err
		}
		ok, err := newClient().VerifyToken(context.Background(), zone)
		if err != nil {
			display.WarnMsg("token stored but could not be verified: %v", err)
			return nil
		}
		if !ok {
			display.WarnMsg("token stored but the API reports it inactive")
			return nil
		}
		if !quietFlag {
			display.SuccessMsg("Token updated for %s", zone.DomainName)
		}
		return nil
	},
}

var zonesRemoveCmd = &cobra.Command{
	Use:   "remove <zone-id>",
	Short: "Remove a zone and log out its aliases locally",
	Long:  "Removes the zone from the registry and marks its local aliases logged out. Remote rules are not touched.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !yesFlag {
			return fmt.Errorf("removing a zone logs out its aliases locally; re-run with --yes to confirm")
		}
		if err := newEngine().RemoveZoneAndLogout(args[0]); err != nil {
			return err
		}
		if !quietFlag {
			display.SuccessMsg("Removed zone %s", args[0])
		}
		return nil
	},
}

var zonesReauthCmd = &cobra.Command{
	Use:   "reauth",
	Short: "List zones whose token is missing",
	RunE: func(cmd *cobra.Command, args []string) error {
		zones, err := newRegistry().ZonesNeedingReauth()
		if err != nil {
			return err
		}
		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(zones)
		}
		if len(zones) == 0 {
			fmt.Println("All zones authenticated.")
			return nil
		}
		for _, z := range zones {
			fmt.Printf("  %s  %s\n", display.Bold.Render(z.DomainName), display.Dim.Render(z.ZoneID))
		}
		fmt.Println("Restore tokens with 'rd zones token <zone-id> --token <token>'")
		return nil
	},
}

func init() {
	zonesAddCmd.Flags().StringVar(&zoneToken, "token", "", "Zone-scoped API token")
	zonesTokenCmd.Flags().StringVar(&zoneToken, "token", "", "Zone-scoped API token")

	zonesCmd.AddCommand(zonesListCmd)
	zonesCmd.AddCommand(zonesAddCmd)
	zonesCmd.AddCommand(zonesTokenCmd)
	zonesCmd.AddCommand(zonesRemoveCmd)
	zonesCmd.AddCommand(zonesReauthCmd)
	rootCmd.AddCommand(zonesCmd)
}
