// Package vault publishes finished datasets to a storage backend.
package vault

import (
	"fmt"
	"path"
	"strings"
)

// cleanKey validates a slash-separated dataset key.
func cleanKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	clean := path.Clean(key)
	if clean != key || clean == "." || strings.HasPrefix(clean, "../") || clean == ".." {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return clean, nil
}
