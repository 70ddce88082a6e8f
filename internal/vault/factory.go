package vault

import (
	"context"
	"fmt"
	"os"

	"wxannual/internal/config"
	"wxannual/internal/wx"
)

// NewVaultFromConfig creates a Vault implementation based on the vault config type.
func NewVaultFromConfig(ctx context.Context, cfg config.VaultConfig) (wx.Vault, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryVault("memory"), nil
	case "s3":
		return NewS3Vault(ctx, "s3", S3Options{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			AccessKeyID:     os.Getenv("WXANNUAL_S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("WXANNUAL_S3_SECRET_ACCESS_KEY"),
		})
	case "filesystem", "":
		if cfg.FSVaultRoot == "" {
			return nil, fmt.Errorf("filesystem vault requires fs_vault_root to be set")
		}
		return NewFileSystemVault("filesystem", cfg.FSVaultRoot)
	default:
		return nil, fmt.Errorf("unknown vault type: %s", cfg.Type)
	}
}
