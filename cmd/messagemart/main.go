package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kthorn/messagemart/internal/api"
	"github.com/kthorn/messagemart/internal/config"
	"github.com/kthorn/messagemart/internal/db"
	"github.com/kthorn/messagemart/internal/etl"
	"github.com/kthorn/messagemart/internal/snapshot"
	"github.com/kthorn/messagemart/internal/validate"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "messagemart",
		Short: "Message history analytical store",
		Long: `Messagemart extracts your message history and contacts into an
analytical SQLite database with identity resolution, working only
against snapshots of the live sources.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("messagemart %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Initialize messagemart config and database",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK        bool   `json:"ok"`
				Message   string `json:"message,omitempty"`
				ConfigDir string `json:"config_dir,omitempty"`
				DBPath    string `json:"db_path,omitempty"`
			}

			cfg, err := config.Load()
			if err != nil {
				exitErr("Failed to load config: %v", err)
			}
			configDir, err := config.GetConfigDir()
			if err != nil {
				exitErr("Failed to get config directory: %v", err)
			}
			if err := os.MkdirAll(configDir, 0755); err != nil {
				exitErr("Failed to create config directory: %v", err)
			}
			if err := cfg.Save(); err != nil {
				exitErr("Failed to write config: %v", err)
			}
			if err := db.Init(cfg.Target.Path); err != nil {
				exitErr("Failed to initialize database: %v", err)
			}
			if err := os.MkdirAll(cfg.Snapshots.Dir, 0755); err != nil {
				exitErr("Failed to create snapshot directory: %v", err)
			}

			result := Result{
				OK:        true,
				Message:   "Messagemart initialized successfully",
				ConfigDir: configDir,
				DBPath:    cfg.Target.Path,
			}
			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Printf("✓ Config directory: %s\n", result.ConfigDir)
				fmt.Printf("✓ Database: %s\n", result.DBPath)
				fmt.Println("\nMessagemart initialized successfully!")
			}
		},
	})

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline against a fresh or cached snapshot",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load()
			if err != nil {
				exitErr("Failed to load config: %v", err)
			}
			forceFull, _ := cmd.Flags().GetBool("full")
			forceSnapshot, _ := cmd.Flags().GetBool("new-snapshot")
			noSnapshot, _ := cmd.Flags().GetBool("no-snapshot")
			skipContacts, _ := cmd.Flags().GetBool("skip-contacts")

			logger := newLogger()
			defer logger.Sync()

			opts := etl.Options{
				SourcePath:       cfg.Source.MessagesPath,
				TargetPath:       cfg.Target.Path,
				ContactsPath:     cfg.Source.ContactsPath,
				ForceFull:        forceFull,
				SnapshotDir:      cfg.Snapshots.Dir,
				SnapshotMaxAge:   cfg.Snapshots.MaxAgeDays,
				ForceNewSnapshot: forceSnapshot,
			}
			if skipContacts {
				opts.ContactsPath = ""
			}

			var res etl.Result
			if noSnapshot {
				res = etl.Run(logger, opts)
			} else {
				res = etl.RunWithSnapshot(logger, opts)
			}

			if jsonOutput {
				printJSON(res)
			} else {
				printRunResult(res)
			}
			if !res.Success {
				os.Exit(1)
			}
		},
	}
	runCmd.Flags().Bool("full", false, "Ignore the incremental watermark and re-extract everything")
	runCmd.Flags().Bool("new-snapshot", false, "Force a fresh snapshot even if a recent one exists")
	runCmd.Flags().Bool("no-snapshot", false, "Run directly against the source (not recommended on a live database)")
	runCmd.Flags().Bool("skip-contacts", false, "Skip the contacts phase")
	rootCmd.AddCommand(runCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show row counts and sync checkpoints",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load()
			if err != nil {
				exitErr("Failed to load config: %v", err)
			}
			conn, err := db.Open(cfg.Target.Path)
			if err != nil {
				exitErr("Failed to open database: %v", err)
			}
			defer conn.Close()
			if err := db.VerifySchema(conn); err != nil {
				exitErr("Database not initialized: %v", err)
			}

			st, err := etl.GetStatus(conn)
			if err != nil {
				exitErr("Failed to read status: %v", err)
			}
			if jsonOutput {
				printJSON(st)
			} else {
				fmt.Printf("Persons:            %d (%d inferred)\n", st.Persons, st.InferredPersons)
				fmt.Printf("Contact methods:    %d\n", st.ContactMethods)
				fmt.Printf("Handles:            %d (%d unresolved)\n", st.Handles, st.UnresolvedHandles)
				fmt.Printf("Messages:           %d\n", st.Messages)
				for key, value := range st.SyncState {
					fmt.Printf("%-19s %s\n", key+":", value)
				}
			}
		},
	})

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Run consistency checks against the source",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load()
			if err != nil {
				exitErr("Failed to load config: %v", err)
			}
			sourcePath, _ := cmd.Flags().GetString("source")
			if sourcePath == "" {
				// Validate against the newest snapshot when one exists, since
				// that is what the pipeline actually loaded from.
				if latest, ok, err := snapshot.Latest(cfg.Snapshots.Dir, sourceStem(cfg.Source.MessagesPath)); err == nil && ok {
					sourcePath = latest.Path
				} else {
					sourcePath = cfg.Source.MessagesPath
				}
			}

			logger := newLogger()
			defer logger.Sync()

			report, err := validate.Run(logger, sourcePath, cfg.Target.Path)
			if err != nil {
				exitErr("Validation could not run: %v", err)
			}
			if jsonOutput {
				printJSON(report)
			} else {
				for _, c := range report.Checks {
					mark := "✓"
					if !c.Passed {
						mark = "✗"
						if c.Info {
							mark = "-"
						}
					}
					fmt.Printf("%s %-24s %s\n", mark, c.Name, c.Message)
				}
				fmt.Println(report.Summary)
			}
			if !report.Passed {
				os.Exit(1)
			}
		},
	}
	validateCmd.Flags().String("source", "", "Validate against this source database instead of the newest snapshot")
	rootCmd.AddCommand(validateCmd)

	rootCmd.AddCommand(snapshotCmd())

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only HTTP API",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load()
			if err != nil {
				exitErr("Failed to load config: %v", err)
			}
			conn, err := db.OpenReadOnly(cfg.Target.Path)
			if err != nil {
				exitErr("Failed to open database: %v", err)
			}
			defer conn.Close()

			logger := newLogger()
			defer logger.Sync()

			server := api.NewServer(logger, conn)
			logger.Info("serving", zap.String("addr", cfg.API.Addr))
			if err := http.ListenAndServe(cfg.API.Addr, server); err != nil {
				exitErr("Server failed: %v", err)
			}
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage source snapshots",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Snapshot the message source now",
		Run: func(c *cobra.Command, args []string) {
			cfg, err := config.Load()
			if err != nil {
				exitErr("Failed to load config: %v", err)
			}
			logger := newLogger()
			defer logger.Sync()

			res, err := snapshot.Create(logger, cfg.Source.MessagesPath, cfg.Snapshots.Dir)
			if err != nil {
				exitErr("Snapshot failed: %v", err)
			}
			if jsonOutput {
				printJSON(res)
			} else {
				fmt.Printf("✓ Snapshot: %s\n", res.SnapshotPath)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		Run: func(c *cobra.Command, args []string) {
			cfg, err := config.Load()
			if err != nil {
				exitErr("Failed to load config: %v", err)
			}
			infos, err := snapshot.List(cfg.Snapshots.Dir, sourceStem(cfg.Source.MessagesPath))
			if err != nil {
				exitErr("Failed to list snapshots: %v", err)
			}
			if jsonOutput {
				printJSON(infos)
				return
			}
			if len(infos) == 0 {
				fmt.Println("No snapshots.")
				return
			}
			for _, info := range infos {
				fmt.Printf("%s  (%.1f days old)\n", info.Path, info.AgeDays())
			}
		},
	})

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old snapshots, keeping the newest few",
		Run: func(c *cobra.Command, args []string) {
			cfg, err := config.Load()
			if err != nil {
				exitErr("Failed to load config: %v", err)
			}
			keep, _ := c.Flags().GetInt("keep")
			if keep <= 0 {
				keep = cfg.Snapshots.KeepCount
			}
			logger := newLogger()
			defer logger.Sync()

			removed, err := snapshot.Cleanup(logger, cfg.Snapshots.Dir, keep, sourceStem(cfg.Source.MessagesPath))
			if err != nil {
				exitErr("Cleanup failed: %v", err)
			}
			if jsonOutput {
				printJSON(map[string]interface{}{"removed": removed})
			} else {
				fmt.Printf("Removed %d snapshot(s)\n", len(removed))
			}
		},
	}
	cleanupCmd.Flags().Int("keep", 0, "How many snapshots to keep (default from config)")
	cmd.AddCommand(cleanupCmd)

	return cmd
}

// sourceStem mirrors the snapshot naming convention: base name without
// its extension.
func sourceStem(path string) string {
	base := filepath.Base(path)
	if ext := filepath.Ext(base); ext != "" {
		base = base[:len(base)-len(ext)]
	}
	return base
}

func printRunResult(res etl.Result) {
	if !res.Success {
		fmt.Fprintf(os.Stderr, "✗ Pipeline failed: %s\n", res.Error)
		return
	}
	mode := "full"
	if res.Incremental {
		mode = fmt.Sprintf("incremental since %s", res.SinceDate)
	}
	fmt.Printf("✓ Pipeline complete (%s, %.1fs)\n", mode, res.DurationSeconds)
	if res.SnapshotPath != "" {
		state := "reused"
		if res.SnapshotCreated {
			state = "new"
		}
		fmt.Printf("  Snapshot:      %s (%s)\n", res.SnapshotPath, state)
	}
	fmt.Printf("  Handles:       %d loaded, %d resolved\n", res.HandlesLoaded, res.HandlesResolved)
	fmt.Printf("  Messages:      %d extracted, %d new, %d linked\n",
		res.MessagesExtracted, res.MessagesLoaded, res.MessagesLinked)
	if res.ContactsLoaded > 0 || res.MethodsLoaded > 0 {
		fmt.Printf("  Contacts:      %d persons, %d methods\n", res.ContactsLoaded, res.MethodsLoaded)
	}
}

func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to marshal JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

func exitErr(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if jsonOutput {
		printJSON(map[string]interface{}{"ok": false, "message": msg})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
