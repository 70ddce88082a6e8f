// Package manifest reads the file index of a device backup and resolves
// logical (domain, relativePath) identities to files in the backup pool.
package manifest

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"wxannual/internal/database"
	"wxannual/internal/wx"
)

const (
	// DatabaseName is the manifest database at the backup root.
	DatabaseName = "Manifest.db"
	// PropertyListName carries backup-level flags such as IsEncrypted.
	PropertyListName = "Manifest.plist"
	// InfoName carries device information written by the backup tool.
	InfoName = "Info.plist"
)

// Reader is a read-only view of a backup manifest. It implements wx.BackupIndex.
type Reader struct {
	root string
	path string
	db   *sql.DB
}

var _ wx.BackupIndex = (*Reader)(nil)

// FileID returns the content-addressed identifier of a logical path:
// the hex SHA-1 of domain + "-" + relativePath.
func FileID(domain, relativePath string) string {
	sum := sha1.Sum([]byte(domain + "-" + relativePath))
	return hex.EncodeToString(sum[:])
}

// Open checks the backup root and opens its manifest read-only.
// The encryption marker is checked before the manifest database is touched.
func Open(ctx context.Context, root string) (*Reader, error) {
	if IsEncrypted(root) {
		return nil, wx.BackupEncrypted(root)
	}

	path := filepath.Join(root, DatabaseName)
	info, err := os.Stat(path)
	if err != nil {
		return nil, wx.ManifestNotFound(path, err)
	}
	if info.IsDir() {
		return nil, wx.ManifestNotFound(path, fmt.Errorf("%s is a directory", path))
	}

	db, err := database.OpenReadOnly(ctx, path)
	if err != nil {
		return nil, wx.ManifestCorrupt(path, err)
	}

	cols, err := database.TableColumns(ctx, db, "Files")
	if err != nil {
		db.Close()
		return nil, wx.ManifestCorrupt(path, err)
	}
	for _, c := range []string{"fileID", "domain", "relativePath", "flags", "file"} {
		if !cols[c] {
			db.Close()
			return nil, wx.ManifestCorrupt(path, fmt.Errorf("Files table lacks column %q", c))
		}
	}

	return &Reader{root: root, path: path, db: db}, nil
}

// Root returns the backup root directory.
func (r *Reader) Root() string {
	return r.root
}

// Lookup returns the entry for (domain, relativePath), or nil when the
// manifest has no such identity. The recomputed file ID is tried first;
// backups written by tools with a different ID scheme fall back to a
// lookup by path.
func (r *Reader) Lookup(domain, relativePath string) (*wx.ManifestEntry, error) {
	const q = `SELECT fileID, domain, relativePath, flags, file FROM Files WHERE fileID = ?`
	e, err := scanEntry(r.db.QueryRow(q, FileID(domain, relativePath)))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("looking up %s/%s: %w", domain, relativePath, err)
	}
	if e != nil && e.Domain == domain && e.RelativePath == relativePath {
		return e, nil
	}

	const byPath = `SELECT fileID, domain, relativePath, flags, file FROM Files WHERE domain = ? AND relativePath = ?`
	e, err = scanEntry(r.db.QueryRow(byPath, domain, relativePath))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up %s/%s: %w", domain, relativePath, err)
	}
	return e, nil
}

// Scan calls fn for every entry whose domain starts with domainPrefix,
// ordered by domain and relative path. The prefix match is case-sensitive.
func (r *Reader) Scan(domainPrefix string, fn func(*wx.ManifestEntry) error) error {
	const q = `SELECT fileID, domain, relativePath, flags, file FROM Files
		WHERE substr(domain, 1, length(?1)) = ?1
		ORDER BY domain, relativePath`
	rows, err := r.db.Query(q, domainPrefix)
	if err != nil {
		return fmt.Errorf("scanning manifest: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("reading manifest row: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Count returns the number of entries in the manifest.
func (r *Reader) Count() (int, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM Files`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting manifest entries: %w", err)
	}
	return n, nil
}

// Resolve maps an entry to its physical file. Current backups shard the
// pool by the first two characters of the file ID; older ones keep every
// file directly under the root, which is used when only that exists.
// The entry's metadata blob is decoded when present; an undecodable blob
// leaves Metadata nil.
func (r *Reader) Resolve(entry *wx.ManifestEntry) wx.ResolvedFile {
	physical := wx.PoolPath(r.root, entry.FileID)
	if _, err := os.Stat(physical); err != nil {
		flat := filepath.Join(r.root, entry.FileID)
		if _, ferr := os.Stat(flat); ferr == nil {
			physical = flat
		}
	}
	rf := wx.ResolvedFile{
		Domain:       entry.Domain,
		RelativePath: entry.RelativePath,
		FileID:       entry.FileID,
		PhysicalPath: physical,
	}
	if len(entry.MetadataBlob) > 0 {
		if m, err := DecodeMetadata(entry.MetadataBlob); err == nil {
			rf.Metadata = &wx.FileMetadata{Size: m.Size, Modified: m.LastModified}
		}
	}
	return rf
}

// Close releases the manifest handle.
func (r *Reader) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*wx.ManifestEntry, error) {
	var (
		e     wx.ManifestEntry
		flags sql.NullInt64
		blob  []byte
	)
	if err := row.Scan(&e.FileID, &e.Domain, &e.RelativePath, &flags, &blob); err != nil {
		return nil, err
	}
	e.Flags = wx.EntryFlags(flags.Int64)
	e.MetadataBlob = blob
	return &e, nil
}
