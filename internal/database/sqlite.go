package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wxannual/internal/database/migrations"
	"wxannual/internal/wx"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteRunStore implements wx.RunStore using SQLite.
type SQLiteRunStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteRunStore opens the run-history database at path, applying any
// pending migrations. path can be ":memory:".
func NewSQLiteRunStore(path string) (*SQLiteRunStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating run history: %w", err)
	}

	return &SQLiteRunStore{db: db, path: path}, nil
}

// OpenConnection opens a writable SQLite connection with foreign keys enabled.
// In-memory databases are pinned to one connection so every query sees the
// same schema.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

func (s *SQLiteRunStore) StartRun(runID, backupPath string, startedAt time.Time) error {
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO runs (run_id, backup_path, started_at, status) VALUES (?, ?, ?, ?)`,
		runID, backupPath, startedAt.UTC(), wx.RunRunning)
	if err != nil {
		return fmt.Errorf("recording run start: %w", err)
	}
	return nil
}

// FinishRun updates the run row and inserts its skips in one transaction.
func (s *SQLiteRunStore) FinishRun(runID string, finishedAt time.Time, status string, accounts, messages int, skips []wx.Skip) error {
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, status = ?, accounts = ?, messages = ? WHERE run_id = ?`,
		finishedAt.UTC(), status, accounts, messages, runID)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}

	for _, sk := range skips {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO run_skips (run_id, scope, account_id, conversation_id, path, reason) VALUES (?, ?, ?, ?, ?, ?)`,
			runID, string(sk.Scope), sk.AccountID, sk.ConversationID, sk.Path, sk.Reason)
		if err != nil {
			return fmt.Errorf("recording skip: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteRunStore) ListRuns(limit int) ([]*wx.RunRecord, error) {
	rows, err := s.db.QueryContext(context.Background(), `
		SELECT r.id, r.run_id, r.backup_path, r.started_at, r.finished_at, r.status,
		       r.accounts, r.messages,
		       (SELECT COUNT(*) FROM run_skips k WHERE k.run_id = r.run_id)
		FROM runs r
		ORDER BY r.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var result []*wx.RunRecord
	for rows.Next() {
		var r wx.RunRecord
		if err := rows.Scan(&r.ID, &r.RunID, &r.BackupPath, &r.StartedAt, &r.FinishedAt,
			&r.Status, &r.Accounts, &r.Messages, &r.Skipped); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		result = append(result, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return result, nil
}

func (s *SQLiteRunStore) RunSkips(runID string) ([]wx.Skip, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT scope, account_id, conversation_id, path, reason FROM run_skips WHERE run_id = ? ORDER BY id`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("listing skips: %w", err)
	}
	defer rows.Close()

	var skips []wx.Skip
	for rows.Next() {
		var sk wx.Skip
		var scope string
		if err := rows.Scan(&scope, &sk.AccountID, &sk.ConversationID, &sk.Path, &sk.Reason); err != nil {
			return nil, fmt.Errorf("scanning skip: %w", err)
		}
		sk.Scope = wx.Scope(scope)
		skips = append(skips, sk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing skips: %w", err)
	}
	return skips, nil
}

// FindRun returns one run by its run ID, or nil when unknown.
func (s *SQLiteRunStore) FindRun(runID string) (*wx.RunRecord, error) {
	var r wx.RunRecord
	err := s.db.QueryRowContext(context.Background(), `
		SELECT id, run_id, backup_path, started_at, finished_at, status, accounts, messages
		FROM runs WHERE run_id = ?`, runID).
		Scan(&r.ID, &r.RunID, &r.BackupPath, &r.StartedAt, &r.FinishedAt, &r.Status, &r.Accounts, &r.Messages)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding run: %w", err)
	}
	return &r, nil
}

// CheckMigrations verifies the schema is up to date.
func (s *SQLiteRunStore) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Close closes the database connection.
func (s *SQLiteRunStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var _ wx.RunStore = (*SQLiteRunStore)(nil)
