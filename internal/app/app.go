package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"wxannual/internal/config"
	"wxannual/internal/database"
	"wxannual/internal/decoder"
	"wxannual/internal/encryption"
	"wxannual/internal/fs"
	"wxannual/internal/manifest"
	"wxannual/internal/pipeline"
	"wxannual/internal/report"
	"wxannual/internal/vault"
	"wxannual/internal/wx"
)

// App is the application layer between the CLI and the extraction engine.
// It constructs all dependencies from config, exposes the operations the
// CLI needs, and records extract runs in the run history on Close.
type App struct {
	cfg       *config.Config
	runs      wx.RunStore
	vault     wx.Vault
	encryptor wx.Encryptor
	logger    wx.Logger
	clock     wx.Clock
	op        *RunOperation
	logFile   *os.File

	accounts int
	messages int
	skips    []wx.Skip
}

// ExtractSummary is what an extract run reports back to the CLI.
type ExtractSummary struct {
	RunID      string
	BackupPath string
	Datasets   []string // vault keys
	Accounts   int
	Messages   int
	Skipped    []wx.Skip
}

// NewApp creates a fully wired App from the given config. operation names
// the CLI command being run. The caller must call Close when done.
func NewApp(cfg *config.Config, operation string, verbose bool) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	v, err := vault.NewVaultFromConfig(context.Background(), cfg.Vault)
	if err != nil {
		return nil, fmt.Errorf("creating vault: %w", err)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	runs, err := database.NewRunStoreFromConfig(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("creating run history: %w", err)
	}
	if m, ok := runs.(interface{ CheckMigrations() error }); ok {
		if err := m.CheckMigrations(); err != nil {
			runs.Close()
			return nil, fmt.Errorf("run history schema out of date: %w", err)
		}
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	runID := wx.UUIDGenerator{}.New()
	logger, logFile, err := newLogger(cfg.LogDir, runID, level)
	if err != nil {
		runs.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	return &App{
		cfg:       cfg,
		runs:      runs,
		vault:     v,
		encryptor: enc,
		logger:    &slogAdapter{l: logger},
		clock:     wx.RealClock{},
		op:        NewRunOperation(runID, operation),
		logFile:   logFile,
	}, nil
}

// ResolveBackupPath picks the backup root: the explicit path, then the
// configured one, then the newest backup in the platform's default
// backup directory.
func (a *App) ResolveBackupPath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if a.cfg.BackupPath != "" {
		return a.cfg.BackupPath, nil
	}
	root, err := manifest.FindLatest(manifest.DefaultBackupDirs())
	if err != nil {
		return "", fmt.Errorf("no backup_path configured and no default backup found: %w", err)
	}
	a.logger.Info("using newest backup", "path", root)
	return root, nil
}

// Extract runs the extraction pipeline over the backup and publishes one
// dataset per account to the vault.
func (a *App) Extract(ctx context.Context, backupPath string) (summary *ExtractSummary, err error) {
	root, err := a.ResolveBackupPath(backupPath)
	if err != nil {
		return nil, err
	}
	if a.encryptor != nil && !a.encryptor.IsConfigured() {
		return nil, fmt.Errorf("encryption is enabled but no keys exist: run `wxannual keys init`")
	}

	startedAt := a.clock.Now()
	if err := a.runs.StartRun(a.op.ID, root, startedAt); err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}
	a.op.recorded = true
	defer func() {
		if err != nil {
			a.op.Finish(err)
		}
	}()

	opts, decOpts, err := a.pipelineOptions()
	if err != nil {
		return nil, err
	}
	a.logger.Info("extraction started", "backup", root, "workers", opts.Workers, "year", a.cfg.Year)

	p := pipeline.New(decoder.New(a.logger, decOpts...), a.logger, opts)
	res, runErr := p.Run(ctx, root)
	if res == nil {
		return nil, runErr
	}
	a.accounts, a.messages, a.skips = len(res.Accounts), res.Messages(), res.Skipped

	summary = &ExtractSummary{
		RunID:      a.op.ID,
		BackupPath: root,
		Accounts:   len(res.Accounts),
		Messages:   res.Messages(),
		Skipped:    res.Skipped,
	}
	if runErr != nil {
		return summary, runErr
	}

	meta := report.Meta{
		RunID:       a.op.ID,
		GeneratedAt: a.clock.Now(),
		Year:        a.cfg.Year,
		Timezone:    opts.Location.String(),
	}
	for _, ds := range report.Build(res, meta) {
		key, err := report.Publish(a.vault, a.encryptor, ds)
		if err != nil {
			return summary, fmt.Errorf("publishing dataset for %s: %w", ds.Account.ID, err)
		}
		a.logger.Info("dataset published", "account", ds.Account.ID, "key", key)
		summary.Datasets = append(summary.Datasets, key)
	}

	a.logger.Info("extraction finished",
		"accounts", summary.Accounts,
		"messages", summary.Messages,
		"skipped", len(summary.Skipped),
		"elapsed", a.clock.Now().Sub(startedAt).Round(time.Millisecond).String(),
	)
	return summary, nil
}

func (a *App) pipelineOptions() (pipeline.Options, []decoder.Option, error) {
	openTimeout, grace, err := a.cfg.Durations()
	if err != nil {
		return pipeline.Options{}, nil, err
	}
	loc, err := a.cfg.Location()
	if err != nil {
		return pipeline.Options{}, nil, err
	}
	from, to := YearWindow(a.cfg.Year, loc)

	opts := pipeline.Options{
		ExcludeSystem: a.cfg.ExcludeSystemMessages,
		Workers:       a.cfg.WorkerConcurrency,
		AccountFilter: a.cfg.AccountFilter,
		Location:      loc,
		From:          from,
		To:            to,
		OpenTimeout:   openTimeout,
		GracePeriod:   grace,
		Exclude:       fs.NewExcludeMatcher(a.cfg.ExcludeContacts),
	}
	decOpts := []decoder.Option{
		decoder.WithOpenTimeout(openTimeout),
		decoder.WithWindow(from, to),
		decoder.WithClock(a.clock),
	}
	return opts, decOpts, nil
}

// YearWindow returns the calendar year [Jan 1, next Jan 1) in loc. Year 0
// gives an open window.
func YearWindow(year int, loc *time.Location) (from, to time.Time) {
	if year == 0 {
		return time.Time{}, time.Time{}
	}
	from = time.Date(year, time.January, 1, 0, 0, 0, 0, loc)
	return from, from.AddDate(1, 0, 0)
}

// History returns the most recent extract runs.
func (a *App) History(limit int) ([]*wx.RunRecord, error) {
	return a.runs.ListRuns(limit)
}

// RunSkips returns the skips recorded for a run.
func (a *App) RunSkips(runID string) ([]wx.Skip, error) {
	return a.runs.RunSkips(runID)
}

// Datasets lists published dataset keys with the given prefix.
func (a *App) Datasets(prefix string) ([]string, error) {
	return a.vault.List(prefix)
}

// Encryptor returns the configured encryptor, or nil when datasets are
// published in plaintext.
func (a *App) Encryptor() wx.Encryptor {
	return a.encryptor
}

// Show reads a published dataset. Sealed datasets need the passphrase.
func (a *App) Show(key, passphrase string) (*report.Dataset, error) {
	var u wx.Unsealer
	if a.encryptor != nil && strings.HasSuffix(key, a.encryptor.Extension()) {
		var err error
		if u, err = a.encryptor.Unlock(passphrase); err != nil {
			return nil, fmt.Errorf("unlocking private key: %w", err)
		}
	}
	return report.Fetch(a.vault, key, u)
}

// SetOperationError records the operation's outcome for Close.
func (a *App) SetOperationError(err error) {
	a.op.Finish(err)
}

// Close finalizes the run record and releases resources.
func (a *App) Close() error {
	var firstErr error

	if a.op.Recorded() {
		if a.op.Status == wx.RunRunning {
			a.op.Finish(nil)
		}
		if err := a.runs.FinishRun(a.op.ID, a.clock.Now(), a.op.Status, a.accounts, a.messages, a.skips); err != nil {
			firstErr = fmt.Errorf("finishing run record: %w", err)
		}
	}

	if err := a.runs.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing run history: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
