package vault

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"wxannual/internal/wx"
)

// FileSystemVault stores datasets as files under a root directory, one
// file per key:
//
//	<root>/
//	  <accountID>/
//	    <runID>.json
type FileSystemVault struct {
	name string
	root string
}

// NewFileSystemVault creates a filesystem vault rooted at the given path.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create vault root: %w", err)
	}
	return &FileSystemVault{name: name, root: root}, nil
}

// Put stores a dataset, replacing any previous one atomically.
func (v *FileSystemVault) Put(key string, r io.Reader, size int64) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	dest := filepath.Join(v.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create dataset directory: %w", err)
	}
	return v.writeFile(dest, r, size)
}

// Get retrieves a dataset.
func (v *FileSystemVault) Get(key string, w io.Writer) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	f, err := os.Open(filepath.Join(v.root, filepath.FromSlash(key)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("dataset not found: %s", key)
		}
		return fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read dataset: %w", err)
	}
	return nil
}

// List returns stored keys with the given prefix. Temp files are ignored.
func (v *FileSystemVault) List(prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(v.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(v.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing datasets: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// ValidateSetup verifies that the vault root is a writable directory.
func (v *FileSystemVault) ValidateSetup() error {
	info, err := os.Stat(v.root)
	if err != nil {
		return fmt.Errorf("vault root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault root is not a directory: %s", v.root)
	}

	tmp, err := os.CreateTemp(v.root, ".tmp-*")
	if err != nil {
		return fmt.Errorf("vault root not writable: %w", err)
	}
	tmp.Close()
	return os.Remove(tmp.Name())
}

// writeFile writes data from r to destPath via a temp file and rename.
func (v *FileSystemVault) writeFile(destPath string, r io.Reader, expectedSize int64) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

var _ wx.Vault = (*FileSystemVault)(nil)
