package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrNoBackups is returned when no backup directory can be found.
var ErrNoBackups = errors.New("no device backup found")

// DefaultBackupDirs returns the directories the platform backup tool
// writes to, in preference order.
func DefaultBackupDirs() []string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		if home == "" {
			return nil
		}
		return []string{filepath.Join(home, "Library", "Application Support", "MobileSync", "Backup")}
	case "windows":
		var dirs []string
		for _, base := range []string{os.Getenv("APPDATA"), os.Getenv("USERPROFILE")} {
			if base == "" {
				continue
			}
			dirs = append(dirs,
				filepath.Join(base, "Apple", "MobileSync", "Backup"),
				filepath.Join(base, "Apple Computer", "MobileSync", "Backup"),
			)
		}
		return dirs
	default:
		return nil
	}
}

// FindLatest returns the most recently modified backup under the first
// existing directory in dirs. Hidden entries are ignored.
func FindLatest(dirs []string) (string, error) {
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}

		var (
			latest   string
			latestAt int64
		)
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if at := info.ModTime().UnixNano(); latest == "" || at > latestAt {
				latest, latestAt = filepath.Join(dir, e.Name()), at
			}
		}
		if latest != "" {
			return latest, nil
		}
		return "", fmt.Errorf("%w in %s", ErrNoBackups, dir)
	}
	return "", ErrNoBackups
}
