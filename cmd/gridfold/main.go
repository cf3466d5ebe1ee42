// cmd/gridfold/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gridfold/internal/capability"
	"gridfold/internal/config"
	"gridfold/internal/diff"
	"gridfold/internal/folder"
	"gridfold/internal/grid"
	"gridfold/internal/logging"
	"gridfold/internal/snapshot"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "gridfold",
	Short: "gridfold synchronizes a shared folder over a capability-addressed storage grid",
	Long: `gridfold keeps a local folder in sync with other participants using an
immutable, content-addressed object store as the only communication medium.
Every version of every file is a signed snapshot; divergent edits surface as
conflict markers beside the file instead of being merged silently.`,
}

type env struct {
	cfg    *config.Config
	folder *folder.Folder
	grid   grid.Grid
	logger *zap.Logger
	close  func()
}

func openEnv() (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	id, err := snapshot.LoadIdentity(cfg.Author.KeyFile)
	if err != nil {
		return nil, err
	}

	gridDB, err := badger.Open(quietOptions(cfg.Grid.Path))
	if err != nil {
		return nil, fmt.Errorf("opening grid database: %w", err)
	}
	g, err := grid.NewLocalGrid(gridDB, grid.Options{})
	if err != nil {
		gridDB.Close()
		return nil, err
	}

	db, err := badger.Open(quietOptions(cfg.Database.Path))
	if err != nil {
		gridDB.Close()
		return nil, fmt.Errorf("opening database: %w", err)
	}

	f, err := folder.New(cfg, g, db, id, logger)
	if err != nil {
		db.Close()
		gridDB.Close()
		return nil, err
	}

	return &env{
		cfg:    cfg,
		folder: f,
		grid:   g,
		logger: logger.Logger,
		close: func() {
			logger.Sync()
			db.Close()
			gridDB.Close()
		},
	}, nil
}

func quietOptions(path string) badger.Options {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	return opts
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "gridfold.json", "path to the folder configuration")

	var folderPath, authorName, dataDir string
	var initCmd = &cobra.Command{
		Use:   "init",
		Short: "Create a new shared folder and become its first participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if folderPath == "" {
				return fmt.Errorf("--folder is required")
			}
			if authorName == "" {
				return fmt.Errorf("--author is required")
			}
			if dataDir == "" {
				dataDir = ".gridfold"
			}
			if err := os.MkdirAll(folderPath, 0755); err != nil {
				return fmt.Errorf("creating folder: %w", err)
			}
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				return fmt.Errorf("creating data directory: %w", err)
			}

			id, err := snapshot.GenerateIdentity(authorName)
			if err != nil {
				return err
			}
			keyFile := filepath.Join(dataDir, "identity.json")
			if err := snapshot.SaveIdentity(keyFile, id); err != nil {
				return fmt.Errorf("writing identity: %w", err)
			}

			gridDB, err := badger.Open(quietOptions(filepath.Join(dataDir, "grid")))
			if err != nil {
				return fmt.Errorf("opening grid database: %w", err)
			}
			defer gridDB.Close()
			g, err := grid.NewLocalGrid(gridDB, grid.Options{})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			collective, err := g.CreateDirectory(ctx)
			if err != nil {
				return fmt.Errorf("creating collective: %w", err)
			}
			personal, err := g.CreateDirectory(ctx)
			if err != nil {
				return fmt.Errorf("creating personal DMD: %w", err)
			}
			if err := g.UpdateDirectory(ctx, collective, authorName, personal.ReadOnly()); err != nil {
				return fmt.Errorf("linking ourselves into the collective: %w", err)
			}

			cfg := &config.Config{}
			cfg.Folder.Path = folderPath
			cfg.Folder.Staging = filepath.Join(dataDir, "staging")
			cfg.Database.Path = filepath.Join(dataDir, "db")
			cfg.Grid.Path = filepath.Join(dataDir, "grid")
			cfg.Collective = collective.String()
			cfg.Personal = personal.String()
			cfg.Author.Name = authorName
			cfg.Author.KeyFile = keyFile
			cfg.PollIntervalSeconds = 60
			cfg.LogLevel = "info"
			if err := config.Save(configPath, cfg); err != nil {
				return fmt.Errorf("writing config: %w", err)
			}

			fmt.Println("Initialized shared folder in", folderPath)
			fmt.Println("Collective capability:", collective.ReadOnly())
			return nil
		},
	}
	initCmd.Flags().StringVar(&folderPath, "folder", "", "directory to synchronize")
	initCmd.Flags().StringVar(&authorName, "author", "", "author name for signed snapshots")
	initCmd.Flags().StringVar(&dataDir, "data", ".gridfold", "directory for databases and keys")

	var daemonCmd = &cobra.Command{
		Use:   "daemon",
		Short: "Run the synchronization loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := e.folder.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	var syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Perform one discovery and apply cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			if err := e.folder.SyncOnce(ctx); err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			fmt.Println("Sync complete")
			return nil
		},
	}

	var statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the current snapshot for every name",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			states, err := e.folder.States()
			if err != nil {
				return err
			}
			if len(states) == 0 {
				fmt.Println("No files tracked yet")
				return nil
			}
			for _, fs := range states {
				if fs.HasConflict() {
					color.Red("  %s  CONFLICT (remote %s)", fs.Name, fs.Conflict)
				} else {
					color.Green("  %s  %s", fs.Name, fs.Current)
				}
			}
			return nil
		},
	}

	var showDiff bool
	var conflictsCmd = &cobra.Command{
		Use:   "conflicts",
		Short: "List names with outstanding conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			conflicted, err := e.folder.Conflicts()
			if err != nil {
				return err
			}
			if len(conflicted) == 0 {
				fmt.Println("No outstanding conflicts")
				return nil
			}
			for _, fs := range conflicted {
				color.Red("  %s  ours=%s theirs=%s", fs.Name, fs.Current, fs.Conflict)
				if !showDiff {
					continue
				}
				result, err := e.folder.ConflictDiff(cmd.Context(), fs.Name)
				if err != nil {
					return fmt.Errorf("diffing %q: %w", fs.Name, err)
				}
				printDiff(result)
			}
			return nil
		},
	}
	conflictsCmd.Flags().BoolVar(&showDiff, "diff", false, "show line differences against the remote version")

	var keep string
	var resolveCmd = &cobra.Command{
		Use:   "resolve [name]",
		Short: "Resolve a conflict by publishing a merge snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var choice folder.Resolution
			switch keep {
			case "mine":
				choice = folder.KeepMine
			case "theirs":
				choice = folder.KeepTheirs
			default:
				return fmt.Errorf("--keep must be 'mine' or 'theirs'")
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.folder.Resolve(cmd.Context(), args[0], choice); err != nil {
				return fmt.Errorf("resolving conflict: %w", err)
			}
			fmt.Println("Conflict resolved:", args[0])
			return nil
		},
	}
	resolveCmd.Flags().StringVar(&keep, "keep", "", "which side to keep: mine or theirs")

	var joinCmd = &cobra.Command{
		Use:   "join [nickname] [dmd-capability]",
		Short: "Admit a participant into the collective (administrator only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			dmd := capability.Capability(args[1])
			if err := dmd.Validate(); err != nil {
				return err
			}
			if err := e.folder.Join(cmd.Context(), args[0], dmd); err != nil {
				return fmt.Errorf("admitting participant: %w", err)
			}
			fmt.Println("Participant admitted:", args[0])
			return nil
		},
	}

	var snapshotCmd = &cobra.Command{
		Use:   "snapshot [relpath]",
		Short: "Publish the current content of a file as a new snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.folder.SnapshotLocal(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("snapshotting %q: %w", args[0], err)
			}
			fmt.Println("Snapshot published:", args[0])
			return nil
		},
	}

	rootCmd.AddCommand(initCmd, daemonCmd, syncCmd, statusCmd, conflictsCmd, resolveCmd, joinCmd, snapshotCmd)
}

func printDiff(r *diff.Result) {
	if r.Identical() {
		fmt.Println("    (contents identical)")
		return
	}
	for _, h := range r.Hunks {
		color.Cyan("@@ -%d,%d +%d,%d @@", h.MineStart, h.MineLines, h.TheirStart, h.TheirLines)
		for _, l := range h.Lines {
			switch l.Op {
			case diff.Added:
				color.Green("+%s", l.Content)
			case diff.Removed:
				color.Red("-%s", l.Content)
			default:
				fmt.Printf(" %s\n", l.Content)
			}
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}
