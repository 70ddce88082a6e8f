package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"wxannual/internal/plist"
)

// Info describes the device and backup, read from the property lists at
// the backup root. Missing fields stay zero.
type Info struct {
	DeviceName     string    `json:"device_name,omitempty"`
	ProductType    string    `json:"product_type,omitempty"`
	ProductVersion string    `json:"product_version,omitempty"`
	LastBackupDate time.Time `json:"last_backup_date,omitzero"`
	Encrypted      bool      `json:"encrypted"`
}

// IsEncrypted reports whether the backup root carries the encryption
// marker. A missing marker file means the backup is not encrypted.
// An unreadable marker is treated as absent; opening the manifest
// database then decides whether the backup is usable.
func IsEncrypted(root string) bool {
	v, err := readPropertyList(filepath.Join(root, PropertyListName))
	if err != nil {
		return false
	}
	encrypted, _ := v.Key("IsEncrypted").AsBool()
	return encrypted
}

// ReadInfo collects device information from Info.plist and Manifest.plist.
// Either file may be absent.
func ReadInfo(root string) (*Info, error) {
	info := &Info{}

	if v, err := readPropertyList(filepath.Join(root, InfoName)); err == nil {
		info.DeviceName, _ = v.Key("Device Name").AsString()
		info.ProductType, _ = v.Key("Product Type").AsString()
		info.ProductVersion, _ = v.Key("Product Version").AsString()
		info.LastBackupDate, _ = v.Key("Last Backup Date").AsTime()
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading %s: %w", InfoName, err)
	}

	if v, err := readPropertyList(filepath.Join(root, PropertyListName)); err == nil {
		info.Encrypted, _ = v.Key("IsEncrypted").AsBool()
		if info.LastBackupDate.IsZero() {
			info.LastBackupDate, _ = v.Key("Date").AsTime()
		}
		lockdown := v.Key("Lockdown")
		if info.DeviceName == "" {
			info.DeviceName, _ = lockdown.Key("DeviceName").AsString()
		}
		if info.ProductVersion == "" {
			info.ProductVersion, _ = lockdown.Key("ProductVersion").AsString()
		}
		if info.ProductType == "" {
			info.ProductType, _ = lockdown.Key("ProductType").AsString()
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading %s: %w", PropertyListName, err)
	}

	return info, nil
}

func readPropertyList(path string) (*plist.Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	v, _, err := plist.Decode(data)
	if err != nil {
		return nil, err
	}
	return v, nil
}
