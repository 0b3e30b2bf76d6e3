package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/routedeck/routedeck/internal/cfapi"
	"github.com/routedeck/routedeck/internal/config"
	"github.com/routedeck/routedeck/internal/db"
	"github.com/routedeck/routedeck/internal/engine"
	"github.com/routedeck/routedeck/internal/registry"
	"github.com/routedeck/routedeck/internal/secrets"
	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time.
var Version = "dev"

var (
	dbPath     string
	jsonOutput bool
	quietFlag  bool
	yesFlag    bool
	store      *db.DB
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "rd",
	Short: "rd - Cloudflare Email Routing alias manager",
	Long:  "Routedeck: sync Email Routing rules across zones into a local alias replica.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch cmd.Name() {
		case "init", "help", "version":
			return nil
		}

		path := dbPath
		if path == "" {
			path = db.DiscoverDB()
		}
		if path == "" {
			return fmt.Errorf("no routedeck database found — run 'rd init' first")
		}

		var err error
		store, err = db.Open(path)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		cfg, err = config.Load(appDir())
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			store.Close()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rd version %s\n", Version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the .routedeck database",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := dbPath
		if path == "" {
			path = filepath.Join(db.DefaultDir(), "routedeck.db")
		}
		s, err := db.Open(path)
		if err != nil {
			return err
		}
		s.Close()
		if !quietFlag {
			fmt.Printf("Initialized routedeck at %s\n", path)
		}
		return nil
	},
}

// appDir is the directory holding the database, secrets, and caches.
func appDir() string {
	return filepath.Dir(store.Path())
}

func newRegistry() *registry.Registry {
	return registry.New(store, secrets.NewFileStore(filepath.Join(appDir(), "secrets.json")))
}

func newEngine() *engine.Engine {
	userID := cfg.UserIdentifier
	if userID == "" {
		if host, err := os.Hostname(); err == nil {
			userID = host
		}
	}
	var logger engine.Logger
	if !quietFlag {
		logger = log.New(os.Stderr, "", 0)
	}
	return engine.New(cfapi.NewClient("", nil), store, newRegistry(), engine.Options{
		UserID: userID,
		Logger: logger,
	})
}

func newClient() *cfapi.Client {
	return cfapi.NewClient("", nil)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (default: auto-discover .routedeck/routedeck.db)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().BoolVarP(&yesFlag, "yes", "y", false, "Skip confirmation prompts")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
