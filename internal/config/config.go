package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultOpenTimeout = "5s"
	DefaultGracePeriod = "3s"
)

// Config represents the main configuration for wxannual.
type Config struct {
	BaseDir string `toml:"base_dir"`
	LogDir  string `toml:"log_dir"`

	// BackupPath is the backup root directory. When empty, the newest
	// backup under the platform's default backup directory is used.
	BackupPath            string   `toml:"backup_path"`
	ExcludeSystemMessages bool     `toml:"exclude_system_messages"`
	WorkerConcurrency     int      `toml:"worker_concurrency"` // 0 means runtime.NumCPU()
	AccountFilter         string   `toml:"account_filter"`     // wxid or account hash
	Year                  int      `toml:"year"`               // 0 means whole history
	Timezone              string   `toml:"timezone"`           // IANA name; empty means local
	OpenTimeout           string   `toml:"open_timeout"`
	GracePeriod           string   `toml:"grace_period"`
	ExcludeContacts       []string `toml:"exclude_contacts"`

	Vault      VaultConfig      `toml:"vault"`
	Encryption EncryptionConfig `toml:"encryption"`
	Database   DatabaseConfig   `toml:"database"`
}

// EncryptionConfig controls encryption of published datasets.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "none" (default), "age" or "test"
	PublicKeyPath  string `toml:"public_key_path,omitempty"`
	PrivateKeyPath string `toml:"private_key_path,omitempty"`
}

// VaultConfig represents configuration for the dataset vault.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"

	// S3-specific fields (only used when Type == "s3")
	S3Bucket string `toml:"s3_bucket,omitempty"`
	S3Prefix string `toml:"s3_prefix,omitempty"`
	S3Region string `toml:"s3_region,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// DatabaseConfig represents configuration for the run-history database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// NewConfig creates a new Config rooted at baseDir with default settings.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir:               baseDir,
		LogDir:                filepath.Join(baseDir, "log"),
		ExcludeSystemMessages: true,
		OpenTimeout:           DefaultOpenTimeout,
		GracePeriod:           DefaultGracePeriod,
		Vault: VaultConfig{
			Type:        "filesystem",
			FSVaultRoot: filepath.Join(baseDir, "datasets"),
		},
		Encryption: EncryptionConfig{
			Type:           "none",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "wxannual.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "wxannual.key"),
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
	}
}

// Durations parses the open timeout and grace period. Empty values fall
// back to the defaults.
func (c *Config) Durations() (openTimeout, gracePeriod time.Duration, err error) {
	openTimeout, err = parseDuration(c.OpenTimeout, DefaultOpenTimeout)
	if err != nil {
		return 0, 0, fmt.Errorf("open_timeout: %w", err)
	}
	gracePeriod, err = parseDuration(c.GracePeriod, DefaultGracePeriod)
	if err != nil {
		return 0, 0, fmt.Errorf("grace_period: %w", err)
	}
	return openTimeout, gracePeriod, nil
}

// Location returns the time zone used for day/hour/weekday bucketing.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks settings that cannot be verified by decoding alone.
func (c *Config) Validate() error {
	if c.WorkerConcurrency < 0 {
		return fmt.Errorf("worker_concurrency must not be negative, got %d", c.WorkerConcurrency)
	}
	if c.Year < 0 {
		return fmt.Errorf("year must not be negative, got %d", c.Year)
	}
	if _, _, err := c.Durations(); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

func parseDuration(s, def string) (time.Duration, error) {
	if s == "" {
		s = def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", s)
	}
	return d, nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader. Keys absent from the
// document keep their zero value except exclude_system_messages, which
// defaults to true.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	cfg := Config{ExcludeSystemMessages: true}
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
