package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Napageneral/reframe/internal/config"
	"github.com/Napageneral/reframe/internal/db"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "reframe",
		Short: "Journal entry analysis service",
		Long: `Reframe analyzes journal entries with a set of specialized model
workers (emotions, themes, cognitive distortions, reframes and a
primary summary) and stores the merged result.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: config dir/config.yaml)")

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
				fmt.Printf("reframe %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(addCmd())
	rootCmd.AddCommand(principlesCmd())
	rootCmd.AddCommand(backfillCmd())
	rootCmd.AddCommand(eventsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the database",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK         bool   `json:"ok"`
				Message    string `json:"message,omitempty"`
				ConfigPath string `json:"config_path,omitempty"`
				DBPath     string `json:"db_path,omitempty"`
				Created    bool   `json:"config_created"`
			}
			result := Result{OK: true}

			path := configPath
			if path == "" {
				var err error
				if path, err = config.DefaultPath(); err != nil {
					exitErr("Failed to get config path", err)
				}
			}
			result.ConfigPath = path

			if _, err := os.Stat(path); os.IsNotExist(err) {
				if err := config.Default().Save(path); err != nil {
					exitErr("Failed to write config", err)
				}
				result.Created = true
			}

			cfg, err := config.Load(path)
			if err != nil {
				exitErr("Failed to load config", err)
			}
			databasePath, err := dbPath(cfg)
			if err != nil {
				exitErr("Failed to get database path", err)
			}
			database, err := db.Init(databasePath)
			if err != nil {
				exitErr("Failed to initialize database", err)
			}
			database.Close()
			result.DBPath = databasePath
			result.Message = "Reframe initialized successfully"

			if jsonOutput {
				printJSON(result)
				return
			}
			if result.Created {
				fmt.Printf("✓ Config: %s\n", result.ConfigPath)
			} else {
				fmt.Printf("✓ Config: %s (kept existing)\n", result.ConfigPath)
			}
			fmt.Printf("✓ Database: %s\n", result.DBPath)
			fmt.Println("\nSet GEMINI_API_KEY (and Supabase credentials for serve) in the environment or a .env file next to the config.")
		},
	}
}

// exitErr reports a failure in the selected output format and exits.
func exitErr(msg string, err error) {
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	if jsonOutput {
		printJSON(map[string]any{"ok": false, "message": msg})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
