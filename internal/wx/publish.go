package wx

import "io"

// Vault stores published datasets under slash-separated keys.
type Vault interface {
	// Put stores size bytes read from r under key, replacing any previous value.
	Put(key string, r io.Reader, size int64) error

	// Get writes the value stored under key to w.
	Get(key string, w io.Writer) error

	// List returns the keys starting with prefix in lexical order.
	List(prefix string) ([]string, error)

	// ValidateSetup verifies that the vault is reachable and writable.
	ValidateSetup() error
}

// Encryptor seals published datasets. Sealing needs only the public key;
// reading a sealed dataset back needs the passphrase-protected private key.
type Encryptor interface {
	// Setup generates and stores a key pair. Called by `wxannual keys init`.
	Setup(passphrase string) error

	// Seal returns a writer that encrypts everything written to it into w.
	// The caller must Close it to flush the final block.
	Seal(w io.Writer) (io.WriteCloser, error)

	// Unlock decrypts the private key for the rest of the session.
	Unlock(passphrase string) (Unsealer, error)

	// IsConfigured reports whether both key files exist.
	IsConfigured() bool

	// Extension is appended to keys of sealed datasets, e.g. ".age".
	Extension() string
}

// Unsealer reads datasets sealed by the matching Encryptor.
type Unsealer interface {
	Open(r io.Reader) (io.Reader, error)
}
