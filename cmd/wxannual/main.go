package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"wxannual/internal/app"
	"wxannual/internal/config"
	"wxannual/internal/report"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run.
func newApp(cmd *cobra.Command, operation string) (*app.App, error) {
	paths, err := app.DefaultPaths()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(paths.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	a, err := app.NewApp(cfg, operation, verbose)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// readPassphrase prompts on the terminal without echo.
func readPassphrase(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("a terminal is required to enter the passphrase")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

var rootCmd = &cobra.Command{
	Use:   "wxannual",
	Short: "Yearly messaging statistics from a device backup",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(paths.BaseDir)
		if backup, _ := cmd.Flags().GetString("backup"); backup != "" {
			cfg.BackupPath = backup
		}

		if err := config.Init(paths.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", paths.ConfigPath)
		fmt.Printf("Base Dir: %s\n", paths.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(paths.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		backup := cfg.BackupPath
		if backup == "" {
			backup = "(newest default backup)"
		}
		year := "all"
		if cfg.Year != 0 {
			year = fmt.Sprint(cfg.Year)
		}

		fmt.Printf("Configuration from %s:\n\n", paths.ConfigPath)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Backup:      %s\n", backup)
		fmt.Printf("Year:        %s\n", year)
		fmt.Printf("Workers:     %d\n", cfg.WorkerConcurrency)
		fmt.Printf("No System:   %v\n", cfg.ExcludeSystemMessages)
		fmt.Printf("Vault:       %s\n", cfg.Vault.Type)
		fmt.Printf("Encryption:  %s\n", cfg.Encryption.Type)
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage dataset encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the dataset encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "KeysInit")
		if err != nil {
			return err
		}
		defer a.Close()

		enc := a.Encryptor()
		if enc == nil {
			return fmt.Errorf("encryption type is none: set [encryption] type = \"age\" first")
		}

		pass, err := readPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Repeat passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		if err := enc.Setup(pass); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}
		fmt.Println("Keys generated.")
		return nil
	},
}

// extract command
var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract statistics from a backup and publish datasets",
	RunE: func(cmd *cobra.Command, args []string) error {
		backup, _ := cmd.Flags().GetString("backup")

		a, err := newApp(cmd, "Extract")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		summary, err := a.Extract(ctx, backup)
		a.SetOperationError(err)
		if summary != nil {
			printSummary(summary)
		}
		if err != nil {
			return fmt.Errorf("extract failed: %w", err)
		}
		return nil
	},
}

func printSummary(s *app.ExtractSummary) {
	fmt.Printf("Run %s: %d account(s), %d message(s)\n", s.RunID, s.Accounts, s.Messages)
	for _, key := range s.Datasets {
		fmt.Printf("  dataset  %s\n", key)
	}
	if len(s.Skipped) == 0 {
		return
	}
	fmt.Printf("Skipped %d unit(s):\n", len(s.Skipped))
	for _, sk := range s.Skipped {
		target := sk.AccountID
		if sk.ConversationID != "" {
			target += "/" + sk.ConversationID
		}
		if sk.Path != "" {
			target += "  " + sk.Path
		}
		fmt.Printf("  %-12s  %s  %s\n", sk.Scope, target, sk.Reason)
	}
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View extraction run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		showSkips, _ := cmd.Flags().GetBool("skips")

		a, err := newApp(cmd, "History")
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.History(limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No extraction runs recorded.")
			return nil
		}

		for _, r := range runs {
			duration := ""
			if r.FinishedAt.Valid {
				duration = r.FinishedAt.Time.Sub(r.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("%s  %s  %-9s  %3d acct  %8d msg  %3d skipped  %s\n",
				r.RunID,
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				r.Status,
				r.Accounts,
				r.Messages,
				r.Skipped,
				duration,
			)
			if !showSkips || r.Skipped == 0 {
				continue
			}
			skips, err := a.RunSkips(r.RunID)
			if err != nil {
				return err
			}
			for _, sk := range skips {
				fmt.Printf("    %-12s  %s/%s  %s\n", sk.Scope, sk.AccountID, sk.ConversationID, sk.Reason)
			}
		}
		return nil
	},
}

// datasets command
var datasetsCmd = &cobra.Command{
	Use:   "datasets [PREFIX]",
	Short: "List published datasets",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Datasets")
		if err != nil {
			return err
		}
		defer a.Close()

		prefix := ""
		if len(args) > 0 {
			prefix = args[0]
		}
		keys, err := a.Datasets(prefix)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	},
}

// show command
var showCmd = &cobra.Command{
	Use:   "show KEY",
	Short: "Print a published dataset as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Show")
		if err != nil {
			return err
		}
		defer a.Close()

		var pass string
		if enc := a.Encryptor(); enc != nil && strings.HasSuffix(args[0], enc.Extension()) {
			if pass, err = readPassphrase("Passphrase: "); err != nil {
				return err
			}
		}

		ds, err := a.Show(args[0], pass)
		if err != nil {
			return err
		}
		if raw, _ := cmd.Flags().GetBool("compact"); raw {
			return json.NewEncoder(os.Stdout).Encode(ds)
		}
		return report.Encode(os.Stdout, ds)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug records")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().String("backup", "", "Backup root to store in the new config")

	keysCmd.AddCommand(keysInitCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(extractCmd)
	extractCmd.Flags().StringP("backup", "b", "", "Backup root (overrides backup_path)")
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")
	historyCmd.Flags().Bool("skips", false, "List the skipped units of each run")
	rootCmd.AddCommand(datasetsCmd)
	rootCmd.AddCommand(showCmd)
	showCmd.Flags().Bool("compact", false, "Print on one line")
}
