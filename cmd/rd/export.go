package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"

	"github.com/routedeck/routedeck/internal/display"
	"github.com/routedeck/routedeck/internal/engine"
	"github.com/routedeck/routedeck/internal/types"
	"github.com/spf13/cobra"
)

var csvHeader = []string{"email_address", "forward_to", "action_type", "is_enabled", "website", "notes"}

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export aliases to CSV (stdout by default)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		aliases, err := store.ListAliases()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(args) == 1 {
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		w := csv.NewWriter(out)
		if err := w.Write(csvHeader); err != nil {
			return err
		}
		for _, a := range aliases {
			enabled := "true"
			if !a.IsEnabled {
				enabled = "false"
			}
			if err := w.Write([]string{a.EmailAddress, a.ForwardTo, a.ActionType, enabled, a.Website, a.Notes}); err != nil {
				return err
			}
		}
		w.Flush()
		return w.Error()
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import aliases from CSV, creating missing rules",
	Long:  "Rows flow through the same create operation the sync engine uses; rows whose address already exists locally are skipped.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		r := csv.NewReader(f)
		records, err := r.ReadAll()
		if err != nil {
			return err
		}
		if len(records) > 0 && len(records[0]) > 0 && records[0][0] == csvHeader[0] {
			records = records[1:]
		}

		reg := newRegistry()
		eng := newEngine()
		ctx := context.Background()
		created, skipped, failed := 0, 0, 0
		for _, rec := range records {
			if len(rec) < 2 {
				continue
			}
			address := types.NormalizeAddress(rec[0])
			forward := rec[1]
			action := types.ActionForward
			if len(rec) > 2 && rec[2] != "" {
				action = rec[2]
			}
			website, notes := "", ""
			if len(rec) > 4 {
				website = rec[4]
			}
			if len(rec) > 5 {
				notes = rec[5]
			}

			zone, err := zoneForAddress(reg, address)
			if err != nil {
				display.WarnMsg("%s: %v", address, err)
				failed++
				continue
			}
			if _, err := eng.CreateAlias(ctx, zone, address, forward, action, website, notes); err != nil {
				if errors.Is(err, engine.ErrAliasExists) {
					skipped++
					continue
				}
				display.WarnMsg("%s: %v", address, err)
				failed++
				continue
			}
			created++
		}
		if !quietFlag {
			display.SuccessMsg("Imported %d aliases (%d skipped, %d failed)", created, skipped, failed)
		}
		if failed > 0 {
			return fmt.Errorf("%d rows failed", failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
