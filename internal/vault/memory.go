package vault

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"wxannual/internal/wx"
)

// MemoryVault keeps datasets in memory. It is safe for concurrent use.
type MemoryVault struct {
	name  string
	items map[string][]byte
	mu    sync.RWMutex
}

// NewMemoryVault creates a new in-memory vault with the given name.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{name: name, items: make(map[string][]byte)}
}

// Put stores a dataset.
func (m *MemoryVault) Put(key string, r io.Reader, size int64) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read dataset: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = data
	return nil
}

// Get retrieves a dataset.
func (m *MemoryVault) Get(key string, w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.items[key]
	if !ok {
		return fmt.Errorf("dataset not found: %s", key)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write dataset: %w", err)
	}
	return nil
}

// List returns the stored keys with the given prefix.
func (m *MemoryVault) List(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// ValidateSetup always succeeds for the in-memory vault.
func (m *MemoryVault) ValidateSetup() error {
	return nil
}

var _ wx.Vault = (*MemoryVault)(nil)
