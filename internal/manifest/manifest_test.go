package manifest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"wxannual/internal/testutil"
	"wxannual/internal/wx"
)

func TestFileID(t *testing.T) {
	tests := []struct {
		domain, path, want string
	}{
		{
			domain: "AppDomain-com.tencent.xin",
			path:   "Documents/MMappedKV/mmsetting.archive.wxid_abc",
			want:   "13c948177c0df5e7a376b403f06976c520dafa80",
		},
	}
	for _, tt := range tests {
		if got := FileID(tt.domain, tt.path); got != tt.want {
			t.Errorf("FileID(%q, %q) = %s, want %s", tt.domain, tt.path, got, tt.want)
		}
	}
}

func TestReader_LookupRoundTrip(t *testing.T) {
	b := testutil.NewBackup(t)
	paths := []string{
		"Documents/MMappedKV/mmsetting.archive.wxid_abc",
		"Documents/0123456789abcdef0123456789abcdef/DB/WCDB_Contact.sqlite",
		"Library/Preferences/com.tencent.xin.plist",
	}
	for _, p := range paths {
		b.AddFile(testutil.AppDomain, p, []byte("content of "+p))
	}
	b.AddFile("HomeDomain", "Library/Preferences/other.plist", []byte("x"))

	r, err := Open(context.Background(), b.Root)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	for _, p := range paths {
		t.Run(p, func(t *testing.T) {
			e, err := r.Lookup(testutil.AppDomain, p)
			if err != nil {
				t.Fatalf("Lookup() error = %v", err)
			}
			if e == nil {
				t.Fatal("Lookup() returned nil")
			}
			if e.FileID != FileID(testutil.AppDomain, p) {
				t.Errorf("FileID = %s, want %s", e.FileID, FileID(testutil.AppDomain, p))
			}
			if !e.IsFile() {
				t.Errorf("Flags = %d, want file", e.Flags)
			}

			rf := r.Resolve(e)
			data, err := os.ReadFile(rf.PhysicalPath)
			if err != nil {
				t.Fatalf("reading resolved file: %v", err)
			}
			if string(data) != "content of "+p {
				t.Errorf("resolved content = %q", data)
			}
			if rf.RelativePath != p || rf.Domain != testutil.AppDomain {
				t.Errorf("ResolvedFile = %+v", rf)
			}
		})
	}

	t.Run("absent identity", func(t *testing.T) {
		e, err := r.Lookup(testutil.AppDomain, "Documents/nope")
		if err != nil {
			t.Fatalf("Lookup() error = %v", err)
		}
		if e != nil {
			t.Errorf("Lookup() = %+v, want nil", e)
		}
	})
}

func TestReader_LookupFallsBackToPath(t *testing.T) {
	b := testutil.NewBackup(t)
	testutil.ExecSQLite(t, filepath.Join(b.Root, DatabaseName),
		`INSERT INTO Files (fileID, domain, relativePath, flags, file) VALUES ('ffeeddccbbaa', 'AppDomain-com.tencent.xin', 'Documents/legacy.db', 1, NULL)`)

	r, err := Open(context.Background(), b.Root)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	e, err := r.Lookup(testutil.AppDomain, "Documents/legacy.db")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if e == nil || e.FileID != "ffeeddccbbaa" {
		t.Fatalf("Lookup() = %+v, want fileID ffeeddccbbaa", e)
	}
	if got := r.Resolve(e).PhysicalPath; got != filepath.Join(b.Root, "ff", "ffeeddccbbaa") {
		t.Errorf("PhysicalPath = %s", got)
	}
}

func TestReader_ResolveMetadata(t *testing.T) {
	b := testutil.NewBackup(t)
	b.AddFile(testutil.AppDomain, "Documents/a.sqlite", []byte("twelve bytes"))
	b.AddFile(testutil.AppDomain, "Documents/empty.sqlite", nil)
	testutil.ExecSQLite(t, filepath.Join(b.Root, DatabaseName),
		`INSERT INTO Files (fileID, domain, relativePath, flags, file) VALUES ('aa01', 'AppDomain-com.tencent.xin', 'Documents/noblob', 1, NULL)`,
		`INSERT INTO Files (fileID, domain, relativePath, flags, file) VALUES ('aa02', 'AppDomain-com.tencent.xin', 'Documents/badblob', 1, X'0102')`)

	r, err := Open(context.Background(), b.Root)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	tests := []struct {
		path     string
		wantMeta bool
		wantSize int64
	}{
		{"Documents/a.sqlite", true, 12},
		{"Documents/empty.sqlite", true, 0},
		{"Documents/noblob", false, 0},
		{"Documents/badblob", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			e, err := r.Lookup(testutil.AppDomain, tt.path)
			if err != nil || e == nil {
				t.Fatalf("Lookup() = %v, %v", e, err)
			}
			md := r.Resolve(e).Metadata
			if (md != nil) != tt.wantMeta {
				t.Fatalf("Metadata = %+v, want present=%v", md, tt.wantMeta)
			}
			if md == nil {
				return
			}
			if md.Size != tt.wantSize {
				t.Errorf("Size = %d, want %d", md.Size, tt.wantSize)
			}
			if md.Modified.IsZero() {
				t.Error("Modified is zero")
			}
		})
	}
}

func TestReader_Scan(t *testing.T) {
	b := testutil.NewBackup(t)
	b.AddFile(testutil.AppDomain, "Documents/a", []byte("a"))
	b.AddDirectory(testutil.AppDomain, "Documents")
	b.AddFile("AppDomainGroup-group.com.tencent.xin", "shared", []byte("s"))
	b.AddFile("appdomain-com.tencent.xin", "lowercase", []byte("l"))
	b.AddFile("HomeDomain", "Library/x", []byte("x"))

	r, err := Open(context.Background(), b.Root)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	tests := []struct {
		prefix string
		want   int
	}{
		{prefix: testutil.AppDomain, want: 2},
		{prefix: "AppDomain", want: 3},
		{prefix: "", want: 5},
		{prefix: "MediaDomain", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			var got int
			err := r.Scan(tt.prefix, func(*wx.ManifestEntry) error {
				got++
				return nil
			})
			if err != nil {
				t.Fatalf("Scan() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Scan(%q) visited %d entries, want %d", tt.prefix, got, tt.want)
			}
		})
	}

	t.Run("callback error stops scan", func(t *testing.T) {
		stop := errors.New("stop")
		var visited int
		err := r.Scan("", func(*wx.ManifestEntry) error {
			visited++
			return stop
		})
		if !errors.Is(err, stop) {
			t.Errorf("Scan() error = %v, want stop", err)
		}
		if visited != 1 {
			t.Errorf("visited = %d, want 1", visited)
		}
	})

	n, err := r.Count()
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 5 {
		t.Errorf("Count() = %d, want 5", n)
	}
}

func TestOpen_Preconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("encrypted backup", func(t *testing.T) {
		b := testutil.NewBackup(t)
		b.WriteManifestPlist(true)

		_, err := Open(ctx, b.Root)
		if !errors.Is(err, wx.ErrBackupEncrypted) {
			t.Fatalf("Open() error = %v, want BackupEncrypted", err)
		}
	})

	t.Run("encrypted marker wins over missing manifest", func(t *testing.T) {
		b := testutil.NewBackup(t)
		b.WriteManifestPlist(true)
		if err := os.Remove(filepath.Join(b.Root, DatabaseName)); err != nil {
			t.Fatal(err)
		}

		_, err := Open(ctx, b.Root)
		if !errors.Is(err, wx.ErrBackupEncrypted) {
			t.Fatalf("Open() error = %v, want BackupEncrypted", err)
		}
	})

	t.Run("manifest missing", func(t *testing.T) {
		_, err := Open(ctx, t.TempDir())
		if !errors.Is(err, wx.ErrManifestNotFound) {
			t.Fatalf("Open() error = %v, want ManifestNotFound", err)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("Open() error should wrap fs.ErrNotExist: %v", err)
		}
	})

	t.Run("manifest is not a database", func(t *testing.T) {
		root := t.TempDir()
		if err := os.WriteFile(filepath.Join(root, DatabaseName), []byte("not sqlite, definitely not sqlite at all"), 0644); err != nil {
			t.Fatal(err)
		}

		_, err := Open(ctx, root)
		if !errors.Is(err, wx.ErrManifestCorrupt) {
			t.Fatalf("Open() error = %v, want ManifestCorrupt", err)
		}
	})

	t.Run("manifest without Files table", func(t *testing.T) {
		root := t.TempDir()
		testutil.ExecSQLite(t, filepath.Join(root, DatabaseName), `CREATE TABLE Other (x INTEGER)`)

		_, err := Open(ctx, root)
		if !errors.Is(err, wx.ErrManifestCorrupt) {
			t.Fatalf("Open() error = %v, want ManifestCorrupt", err)
		}
	})
}
