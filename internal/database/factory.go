package database

import (
	"fmt"
	"os"
	"path/filepath"

	"wxannual/internal/config"
	"wxannual/internal/wx"
)

// NewRunStoreFromConfig creates a RunStore based on the database config type.
func NewRunStoreFromConfig(cfg config.DatabaseConfig) (wx.RunStore, error) {
	switch cfg.Type {
	case "sqlite", "":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return NewSQLiteRunStore(filepath.Join(cfg.DataDir, "runs.db"))
	case "memory":
		return NewSQLiteRunStore(":memory:")
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
