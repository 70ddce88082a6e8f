package encryption

import (
	"fmt"

	"wxannual/internal/config"
	"wxannual/internal/wx"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration
// type. Type "none" returns nil: datasets are published in plaintext.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (wx.Encryptor, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "age":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
