package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/routedeck/routedeck/internal/display"
	"github.com/routedeck/routedeck/internal/registry"
	"github.com/routedeck/routedeck/internal/types"
	"github.com/spf13/cobra"
)

var (
	aliasZone    string
	aliasForward string
	aliasAction  string
	aliasWebsite string
	aliasNotes   string
	aliasEnable  bool
	aliasDisable bool
)

var aliasesCmd = &cobra.Command{
	Use:   "aliases",
	Short: "List aliases in the local replica",
	RunE: func(cmd *cobra.Command, args []string) error {
		aliases, err := store.ListAliases()
		if err != nil {
			return err
		}
		if aliasZone != "" {
			filtered := aliases[:0]
			for _, a := range aliases {
				if a.ZoneID == aliasZone {
					filtered = append(filtered, a)
				}
			}
			aliases = filtered
		}
		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(aliases)
		}
		if len(aliases) == 0 {
			fmt.Println("No aliases — run 'rd sync' or create one with 'rd create'")
			return nil
		}
		labels := map[string]string{}
		if zones, err := store.ListZones(); err == nil {
			for _, z := range zones {
				labels[z.ZoneID] = display.ZoneLabel(z.DomainName)
			}
		}
		for _, a := range aliases {
			extra := ""
			if a.Website != "" {
				extra = "  " + display.Muted.Render(display.Truncate(a.Website, 30))
			}
			if a.Created != "" {
				extra += "  " + display.Dim.Render(display.TimeAgo(a.Created))
			}
			fmt.Printf("  %s %s %s %s → %s%s\n",
				display.EnabledDot(a.IsEnabled),
				display.ActionLabel(a.ActionType),
				display.Muted.Render(fmt.Sprintf("%-8s", labels[a.ZoneID])),
				display.Bold.Render(a.EmailAddress),
				display.Dim.Render(a.ForwardTo),
				extra)
		}
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create <address>",
	Short: "Create a routing rule and its local alias",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		address := types.NormalizeAddress(args[0])
		reg := newRegistry()
		zone, err := zoneForAddress(reg, address)
		if err != nil {
			return err
		}
		forward := aliasForward
		if forward == "" {
			forward = cfg.DefaultForward
		}
		if aliasAction == types.ActionForward && forward == "" {
			return fmt.Errorf("--forward is required (or set default_forward in config.yaml)")
		}
		alias, err := newEngine().CreateAlias(context.Background(), zone, address, forward, aliasAction, aliasWebsite, aliasNotes)
		if err != nil {
			return err
		}
		if !quietFlag {
			display.SuccessMsg("Created %s → %s", alias.EmailAddress, alias.ForwardTo)
		}
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <address>",
	Short: "Update an alias's rule or metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		alias, err := store.AliasByAddress(args[0])
		if err != nil {
			return err
		}
		if alias == nil {
			return fmt.Errorf("alias %q not found", args[0])
		}

		eng := newEngine()
		ruleChanged := false
		if aliasEnable {
			alias.IsEnabled = true
			ruleChanged = true
		}
		if aliasDisable {
			alias.IsEnabled = false
			ruleChanged = true
		}
		if aliasForward != "" {
			alias.ForwardTo = aliasForward
			ruleChanged = true
		}
		if cmd.Flags().Changed("website") || cmd.Flags().Changed("notes") {
			website, notes := alias.Website, alias.Notes
			if cmd.Flags().Changed("website") {
				website = aliasWebsite
			}
			if cmd.Flags().Changed("notes") {
				notes = aliasNotes
			}
			if err := eng.SetAliasMetadata(alias.ID, website, notes); err != nil {
				return err
			}
			alias.Website, alias.Notes = website, notes
		}
		if ruleChanged {
			zone, err := newRegistry().Zone(alias.ZoneID)
			if err != nil {
				return err
			}
			if !zone.Authenticated() {
				return fmt.Errorf("zone %s needs re-auth", zone.DomainName)
			}
			if err := eng.UpdateAlias(context.Background(), zone, alias); err != nil {
				return err
			}
		}
		if !quietFlag {
			display.SuccessMsg("Updated %s", alias.EmailAddress)
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <address>",
	Short: "Delete an alias and its remote rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !yesFlag {
			return fmt.Errorf("deleting an alias removes its remote rule; re-run with --yes to confirm")
		}
		alias, err := store.AliasByAddress(args[0])
		if err != nil {
			return err
		}
		if alias == nil {
			return fmt.Errorf("alias %q not found", args[0])
		}
		zone, err := newRegistry().Zone(alias.ZoneID)
		if err != nil {
			return err
		}
		if !zone.Authenticated() {
			return fmt.Errorf("zone %s needs re-auth", zone.DomainName)
		}
		if err := newEngine().DeleteAlias(context.Background(), zone, alias); err != nil {
			return err
		}
		if !quietFlag {
			display.SuccessMsg("Deleted %s", alias.EmailAddress)
		}
		return nil
	},
}

var dedupeCmd = &cobra.Command{
	Use:   "dedupe",
	Short: "Remove duplicate local aliases for the same address",
	Long:  "Mirrored-store replication can leave duplicate records behind under rare races. This keeps the newest record per address and deletes the rest.",
	RunE: func(cmd *cobra.Command, args []string) error {
		deleted, err := newEngine().DedupeLocal()
		if err != nil {
			return err
		}
		if jsonOutput {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]int{"deleted": deleted})
		}
		if !quietFlag {
			display.SuccessMsg("Removed %d duplicate aliases", deleted)
		}
		return nil
	},
}

// zoneForAddress picks the authenticated zone whose domain matches the
// address, including enabled subdomains.
func zoneForAddress(reg *registry.Registry, address string) (*types.Zone, error) {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	domain := address[at+1:]

	zones, err := reg.AuthenticatedZones()
	if err != nil {
		return nil, err
	}
	for _, z := range zones {
		if domain == z.DomainName {
			return z, nil
		}
		if z.SubdomainsEnabled && strings.HasSuffix(domain, "."+z.DomainName) {
			return z, nil
		}
	}
	return nil, fmt.Errorf("no authenticated zone for %s", domain)
}

func init() {
	aliasesCmd.Flags().StringVar(&aliasZone, "zone", "", "Filter by zone ID")

	createCmd.Flags().StringVar(&aliasForward, "forward", "", "Destination address (must be verified)")
	createCmd.Flags().StringVar(&aliasAction, "action", types.ActionForward, "Rule action: forward, drop, or reject")
	createCmd.Flags().StringVar(&aliasWebsite, "website", "", "Website this alias is used for")
	createCmd.Flags().StringVar(&aliasNotes, "notes", "", "Free-form notes")

	updateCmd.Flags().BoolVar(&aliasEnable, "enable", false, "Enable the rule")
	updateCmd.Flags().BoolVar(&aliasDisable, "disable", false, "Disable the rule")
	updateCmd.Flags().StringVar(&aliasForward, "forward", "", "Change the destination address")
	updateCmd.Flags().StringVar(&aliasWebsite, "website", "", "Set the website metadata")
	updateCmd.Flags().StringVar(&aliasNotes, "notes", "", "Set the notes metadata")

	rootCmd.AddCommand(aliasesCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(dedupeCmd)
}
