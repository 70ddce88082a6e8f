package manifest

import (
	"fmt"
	"io/fs"
	"time"

	"wxannual/internal/plist"
)

// Metadata is the decoded form of a manifest entry's metadata blob.
type Metadata struct {
	Size         int64
	Mode         fs.FileMode
	LastModified time.Time
	Birth        time.Time
}

// DecodeMetadata decodes a manifest metadata blob, a keyed-archive
// property list describing the file.
func DecodeMetadata(blob []byte) (*Metadata, error) {
	v, _, err := plist.Decode(blob)
	if err != nil {
		return nil, err
	}
	root, err := plist.Unarchive(v)
	if err != nil {
		return nil, fmt.Errorf("unarchiving metadata: %w", err)
	}

	m := &Metadata{}
	m.Size, _ = root.Key("Size").AsInt()
	if mode, ok := root.Key("Mode").AsInt(); ok {
		m.Mode = unixMode(mode)
	}
	m.LastModified, _ = root.Key("LastModified").AsTime()
	m.Birth, _ = root.Key("Birth").AsTime()
	return m, nil
}

// unixMode converts st_mode bits to an fs.FileMode.
func unixMode(mode int64) fs.FileMode {
	m := fs.FileMode(mode & 0o777)
	switch mode & 0o170000 {
	case 0o040000:
		m |= fs.ModeDir
	case 0o120000:
		m |= fs.ModeSymlink
	}
	return m
}
