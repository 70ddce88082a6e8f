package encryption

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"filippo.io/age"

	"wxannual/internal/config"
	"wxannual/internal/wx"
)

// AgeEncryptor seals datasets for an X25519 recipient. The public key is
// kept in plaintext; the private key is protected by a passphrase using
// age's scrypt recipient.
type AgeEncryptor struct {
	publicKeyPath  string
	privateKeyPath string

	once      sync.Once
	recipient age.Recipient
	loadErr   error
}

var _ wx.Encryptor = (*AgeEncryptor)(nil)

// NewAgeEncryptor creates an AgeEncryptor from configuration.
func NewAgeEncryptor(cfg config.EncryptionConfig) *AgeEncryptor {
	return &AgeEncryptor{
		publicKeyPath:  cfg.PublicKeyPath,
		privateKeyPath: cfg.PrivateKeyPath,
	}
}

// Setup generates a key pair. It refuses to overwrite existing keys, since
// datasets sealed for the old key would become unreadable.
func (e *AgeEncryptor) Setup(passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("passphrase must not be empty")
	}
	for _, p := range []string{e.publicKeyPath, e.privateKeyPath} {
		if _, err := os.Stat(p); err == nil {
			return fmt.Errorf("key file already exists: %s", p)
		}
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			return fmt.Errorf("creating key directory: %w", err)
		}
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}

	var sealed bytes.Buffer
	lock, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	w, err := age.Encrypt(&sealed, lock)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.WriteString(w, identity.String()+"\n"); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing private key: %w", err)
	}

	if err := os.WriteFile(e.privateKeyPath, sealed.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	if err := os.WriteFile(e.publicKeyPath, []byte(identity.Recipient().String()+"\n"), 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	return nil
}

// Seal wraps w so that everything written is encrypted for the public key.
func (e *AgeEncryptor) Seal(w io.Writer) (io.WriteCloser, error) {
	e.once.Do(func() { e.recipient, e.loadErr = e.loadRecipient() })
	if e.loadErr != nil {
		return nil, fmt.Errorf("loading public key: %w", e.loadErr)
	}
	sw, err := age.Encrypt(w, e.recipient)
	if err != nil {
		return nil, fmt.Errorf("creating encrypted writer: %w", err)
	}
	return sw, nil
}

// Unlock decrypts the private key with passphrase.
func (e *AgeEncryptor) Unlock(passphrase string) (wx.Unsealer, error) {
	sealed, err := os.ReadFile(e.privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key file: %w", err)
	}

	lock, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(sealed), lock)
	if err != nil {
		return nil, fmt.Errorf("decrypting private key: %w", err)
	}

	identities, err := age.ParseIdentities(r)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities found in private key")
	}
	return &AgeUnsealer{identity: identities[0]}, nil
}

// IsConfigured returns true if both key files exist.
func (e *AgeEncryptor) IsConfigured() bool {
	for _, p := range []string{e.publicKeyPath, e.privateKeyPath} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// Extension returns ".age".
func (e *AgeEncryptor) Extension() string { return ".age" }

func (e *AgeEncryptor) loadRecipient() (age.Recipient, error) {
	data, err := os.ReadFile(e.publicKeyPath)
	if err != nil {
		return nil, err
	}
	recipients, err := age.ParseRecipients(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients found in %s", e.publicKeyPath)
	}
	return recipients[0], nil
}

// AgeUnsealer holds an unlocked age identity.
type AgeUnsealer struct {
	identity age.Identity
}

var _ wx.Unsealer = (*AgeUnsealer)(nil)

// Open returns a reader of the plaintext of the sealed stream r.
func (u *AgeUnsealer) Open(r io.Reader) (io.Reader, error) {
	pr, err := age.Decrypt(r, u.identity)
	if err != nil {
		return nil, fmt.Errorf("opening sealed dataset: %w", err)
	}
	return pr, nil
}
