package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/routedeck/routedeck/internal/engine"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the background sync scheduler until interrupted",
	Long:  "Syncs on a recurring timer. Signals: SIGUSR1 triggers an immediate pass, SIGUSR2 a foreground (cooldown-gated) pass.",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng := newEngine()
		logger := log.New(os.Stderr, "", log.LstdFlags)
		sched := engine.NewScheduler(eng, cfg.SyncInterval, cfg.ForegroundCooldown, logger)

		sched.Start()
		defer sched.Stop()
		sched.RefreshNow()

		if !quietFlag {
			fmt.Printf("Watching (every %s). Ctrl-C to stop.\n", cfg.SyncInterval)
		}

		refresh := make(chan os.Signal, 1)
		foreground := make(chan os.Signal, 1)
		stop := make(chan os.Signal, 1)
		signal.Notify(refresh, syscall.SIGUSR1)
		signal.Notify(foreground, syscall.SIGUSR2)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

		for {
			select {
			case <-refresh:
				sched.RefreshNow()
			case <-foreground:
				sched.Foregrounded()
			case <-stop:
				if !quietFlag {
					fmt.Println("\nStopping.")
				}
				return nil
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
