package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/lockfile"
	"github.com/loomworks/loom/internal/log"
	"github.com/loomworks/loom/internal/storage/sqlite"
	"github.com/loomworks/loom/internal/store"
)

var (
	dbPath     string
	actorFlag  string
	jsonOutput bool
	verbose    bool
	quiet      bool

	db   *sqlite.DB
	st   *store.Store
	lock *lockfile.Lock

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

// noDbCommands run without opening a database.
var noDbCommands = map[string]bool{
	"init":       true,
	"version":    true,
	"help":       true,
	"completion": true,
}

// readOnlyCommands never mutate the store, so they skip the writer lock
// and can run alongside a writing process.
var readOnlyCommands = map[string]bool{
	"show":     true,
	"list":     true,
	"ready":    true,
	"stats":    true,
	"blocked":  true,
	"tree":     true,
	"tasks":    true,
	"progress": true,
	"order":    true,
	"inbox":    true,
	"export":   true,
}

func needsStore(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if noDbCommands[c.Name()] {
			return false
		}
	}
	return true
}

func isReadOnly(cmd *cobra.Command) bool {
	return readOnlyCommands[cmd.Name()]
}

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "loom - work orchestration for coding agents",
	Long: `A local-first work store for autonomous agents: tasks chained by
dependencies, plans and workflows that gate readiness, channels and an
inbox for agent-to-agent messaging, and session lifecycle management.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(),
			os.Interrupt, syscall.SIGTERM)

		level := log.Level(config.GetString(config.KeyLogLevel))
		if verbose {
			level = log.DebugLevel
		}
		if quiet {
			level = log.ErrorLevel
		}
		log.Init(log.Config{
			Level:      level,
			JSONOutput: config.GetBool(config.KeyLogJSON),
			File:       config.GetString(config.KeyLogFile),
		})

		if dbPath != "" {
			config.Set(config.KeyDB, dbPath)
		}
		if actorFlag != "" {
			config.Set(config.KeyActor, actorFlag)
		}

		if !needsStore(cmd) {
			return nil
		}
		path := config.DBPath()
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("no database at %s (run 'loom init' first)", path)
		}
		if !isReadOnly(cmd) {
			l, err := lockfile.Acquire(path + ".lock")
			if err != nil {
				if errors.Is(err, lockfile.ErrLockBusy) {
					return fmt.Errorf("another loom process is writing to %s", path)
				}
				return err
			}
			lock = l
		}
		var err error
		db, err = sqlite.Open(rootCtx, path)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		st = store.New(db)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if db != nil {
			_ = db.Close()
		}
		if lock != nil {
			_ = lock.Release()
		}
		if rootCancel != nil {
			rootCancel()
		}
	},
}

// actor resolves the audit identity for the current invocation.
func actor() string {
	return config.Actor()
}

func storeUpdateOptions() store.UpdateOptions {
	return store.UpdateOptions{Actor: actor()}
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	cobra.OnInitialize(func() {
		if err := config.Initialize(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to initialize config: %v\n", err)
		}
	})

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (default: auto-discover .loom/loom.db)")
	rootCmd.PersistentFlags().StringVar(&actorFlag, "actor", "", "Actor name for the event trail (default: config, $USER)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
