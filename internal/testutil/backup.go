package testutil

import (
	"crypto/md5"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"wxannual/internal/plist"
)

// AppDomain is the manifest domain of the messaging app.
const AppDomain = "AppDomain-com.tencent.xin"

const manifestSchema = `
CREATE TABLE Files (fileID TEXT PRIMARY KEY, domain TEXT, relativePath TEXT, flags INTEGER, file BLOB);
CREATE INDEX FilesDomainIdx ON Files(domain);
CREATE TABLE Properties (key TEXT PRIMARY KEY, value BLOB);
`

// Backup builds a synthetic device backup on disk: a manifest database
// plus a pool of content-addressed files. Files are written immediately,
// so a reader may be opened at any point after the last Add call.
type Backup struct {
	t        *testing.T
	Root     string
	manifest *sql.DB
	modTime  time.Time
}

// NewBackup creates an empty, unencrypted backup in a temp directory.
func NewBackup(t *testing.T) *Backup {
	t.Helper()

	root := filepath.Join(t.TempDir(), "00008030-000A1B2C3D4E5F60")
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatalf("creating backup root: %v", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(root, "Manifest.db"))
	if err != nil {
		t.Fatalf("creating manifest: %v", err)
	}
	if _, err := db.Exec(manifestSchema); err != nil {
		db.Close()
		t.Fatalf("applying manifest schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	b := &Backup{
		t:        t,
		Root:     root,
		manifest: db,
		modTime:  time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	b.WriteManifestPlist(false)
	return b
}

// FileID returns the pool identifier of a logical path.
func FileID(domain, relativePath string) string {
	sum := sha1.Sum([]byte(domain + "-" + relativePath))
	return hex.EncodeToString(sum[:])
}

// MD5 returns the lowercase hex MD5 of s, the hashing scheme used for
// account namespaces and conversation tables.
func MD5(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// PoolPath returns where the backup keeps the content of a logical path.
func (b *Backup) PoolPath(domain, relativePath string) string {
	id := FileID(domain, relativePath)
	return filepath.Join(b.Root, id[:2], id)
}

// AddFile writes content into the pool and registers it in the manifest.
func (b *Backup) AddFile(domain, relativePath string, content []byte) string {
	b.t.Helper()

	path := b.PoolPath(domain, relativePath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		b.t.Fatalf("creating pool directory: %v", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		b.t.Fatalf("writing pool file: %v", err)
	}
	b.insert(domain, relativePath, 1, int64(len(content)), 0o100644)
	return path
}

// AddDirectory registers a directory entry. Directories have no pool content.
func (b *Backup) AddDirectory(domain, relativePath string) {
	b.t.Helper()
	b.insert(domain, relativePath, 2, 0, 0o040755)
}

// AddSQLite creates an SQLite store in the pool by running stmts, and
// registers it in the manifest.
func (b *Backup) AddSQLite(domain, relativePath string, stmts ...string) string {
	b.t.Helper()

	path := b.PoolPath(domain, relativePath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		b.t.Fatalf("creating pool directory: %v", err)
	}
	ExecSQLite(b.t, path, stmts...)

	info, err := os.Stat(path)
	if err != nil {
		b.t.Fatalf("stat %s: %v", path, err)
	}
	b.insert(domain, relativePath, 1, info.Size(), 0o100644)
	return path
}

// RegisterOnly adds a manifest row without writing pool content, as
// happens when a backup was interrupted.
func (b *Backup) RegisterOnly(domain, relativePath string) {
	b.t.Helper()
	b.insert(domain, relativePath, 1, 4096, 0o100644)
}

// WriteManifestPlist writes Manifest.plist with the encryption marker.
func (b *Backup) WriteManifestPlist(encrypted bool) {
	b.t.Helper()
	b.writePlist("Manifest.plist", map[string]any{
		"IsEncrypted": encrypted,
		"Version":     "10.0",
		"Date":        b.modTime,
		"Lockdown": map[string]any{
			"DeviceName":     "Test iPhone",
			"ProductVersion": "17.1",
			"ProductType":    "iPhone15,2",
		},
	})
}

// WriteInfo writes Info.plist.
func (b *Backup) WriteInfo(deviceName, productVersion string) {
	b.t.Helper()
	b.writePlist("Info.plist", map[string]any{
		"Device Name":      deviceName,
		"Product Version":  productVersion,
		"Product Type":     "iPhone15,2",
		"Last Backup Date": b.modTime,
	})
}

func (b *Backup) writePlist(name string, v any) {
	b.t.Helper()
	data, err := plist.EncodeXML(v)
	if err != nil {
		b.t.Fatalf("encoding %s: %v", name, err)
	}
	if err := os.WriteFile(filepath.Join(b.Root, name), data, 0644); err != nil {
		b.t.Fatalf("writing %s: %v", name, err)
	}
}

func (b *Backup) insert(domain, relativePath string, flags int, size int64, mode int64) {
	b.t.Helper()

	blob, err := MetadataBlob(relativePath, size, mode, b.modTime)
	if err != nil {
		b.t.Fatalf("encoding metadata: %v", err)
	}
	_, err = b.manifest.Exec(
		`INSERT OR REPLACE INTO Files (fileID, domain, relativePath, flags, file) VALUES (?, ?, ?, ?, ?)`,
		FileID(domain, relativePath), domain, relativePath, flags, blob,
	)
	if err != nil {
		b.t.Fatalf("inserting manifest row: %v", err)
	}
}

// MetadataBlob encodes a keyed-archive metadata blob like the ones the
// backup tool stores with each manifest row.
func MetadataBlob(relativePath string, size, mode int64, modTime time.Time) ([]byte, error) {
	return plist.Encode(map[string]any{
		"$archiver": "NSKeyedArchiver",
		"$version":  100000,
		"$top":      map[string]any{"root": plist.UID(1)},
		"$objects": []any{
			"$null",
			map[string]any{
				"$class":       plist.UID(3),
				"RelativePath": plist.UID(2),
				"Size":         size,
				"Mode":         mode,
				"LastModified": modTime.Unix(),
				"Birth":        modTime.Add(-24 * time.Hour).Unix(),
				"Flags":        0,
			},
			relativePath,
			map[string]any{"$classname": "MBFile", "$classes": []any{"MBFile", "NSObject"}},
		},
	})
}

// ExecSQLite runs stmts against the SQLite file at path, creating it.
func ExecSQLite(t *testing.T, path string, stmts ...string) {
	t.Helper()

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("opening %s: %v", path, err)
	}
	defer db.Close()

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("executing %q: %v", stmt, err)
		}
	}
}
