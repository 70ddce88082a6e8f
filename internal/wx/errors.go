package wx

import (
	"errors"
	"fmt"
)

// Code identifies a class of extraction failure.
type Code string

const (
	CodeBackupEncrypted       Code = "BACKUP_ENCRYPTED"
	CodeManifestNotFound      Code = "MANIFEST_NOT_FOUND"
	CodeManifestCorrupt       Code = "MANIFEST_CORRUPT"
	CodeNoAccountsFound       Code = "NO_ACCOUNTS_FOUND"
	CodeStoreCorrupt          Code = "STORE_CORRUPT"
	CodePropertyListMalformed Code = "PROPERTY_LIST_MALFORMED"
)

// Fatal reports whether a failure of this class ends the whole run.
// StoreCorrupt and PropertyListMalformed only cost the unit they occurred in.
func (c Code) Fatal() bool {
	switch c {
	case CodeBackupEncrypted, CodeManifestNotFound, CodeManifestCorrupt, CodeNoAccountsFound:
		return true
	default:
		return false
	}
}

// Error is an extraction error with a code, message, and optional cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is an *Error with the same Code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is checks.
var (
	ErrBackupEncrypted       = &Error{Code: CodeBackupEncrypted, Message: "backup is encrypted"}
	ErrManifestNotFound      = &Error{Code: CodeManifestNotFound, Message: "manifest not found"}
	ErrManifestCorrupt       = &Error{Code: CodeManifestCorrupt, Message: "manifest is corrupt"}
	ErrNoAccountsFound       = &Error{Code: CodeNoAccountsFound, Message: "no accounts found"}
	ErrStoreCorrupt          = &Error{Code: CodeStoreCorrupt, Message: "store is corrupt"}
	ErrPropertyListMalformed = &Error{Code: CodePropertyListMalformed, Message: "property list is malformed"}
)

func newError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// BackupEncrypted reports that the backup root carries the encryption marker.
// The user must produce a new, unencrypted backup.
func BackupEncrypted(root string) *Error {
	return newError(CodeBackupEncrypted, fmt.Sprintf("backup at %s is encrypted; create an unencrypted backup", root), nil)
}

// ManifestNotFound reports that the manifest database is absent.
func ManifestNotFound(path string, cause error) *Error {
	return newError(CodeManifestNotFound, fmt.Sprintf("manifest not found at %s", path), cause)
}

// ManifestCorrupt reports that the manifest cannot be read as a relational store.
func ManifestCorrupt(path string, cause error) *Error {
	return newError(CodeManifestCorrupt, fmt.Sprintf("manifest at %s is corrupt", path), cause)
}

// NoAccountsFound reports that no account namespace exists anywhere in the backup.
func NoAccountsFound(root string) *Error {
	return newError(CodeNoAccountsFound, fmt.Sprintf("no accounts found in backup %s", root), nil)
}

// StoreCorrupt reports that a contacts, session or message store cannot be opened.
func StoreCorrupt(path string, cause error) *Error {
	return newError(CodeStoreCorrupt, fmt.Sprintf("store %s cannot be opened", path), cause)
}

// PropertyListMalformed reports invalid property-list framing.
func PropertyListMalformed(cause error) *Error {
	return newError(CodePropertyListMalformed, "property list is malformed", cause)
}
