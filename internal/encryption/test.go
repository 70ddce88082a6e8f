package encryption

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"wxannual/internal/wx"
)

// testHeader marks output of TestEncryptor.
var testHeader = []byte("WXENC\x00\x00\x00")

// TestEncryptor is a deterministic stand-in for tests. It prefixes sealed
// output with a fixed header and requires no keys.
type TestEncryptor struct {
	setupCalled bool
}

var _ wx.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a new TestEncryptor.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.setupCalled = true
	return nil
}

func (e *TestEncryptor) Seal(w io.Writer) (io.WriteCloser, error) {
	if _, err := w.Write(testHeader); err != nil {
		return nil, fmt.Errorf("writing test header: %w", err)
	}
	return nopCloser{w}, nil
}

func (e *TestEncryptor) Unlock(passphrase string) (wx.Unsealer, error) {
	return TestUnsealer{}, nil
}

func (e *TestEncryptor) IsConfigured() bool { return true }

func (e *TestEncryptor) Extension() string { return ".test" }

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// TestUnsealer strips the header added by TestEncryptor.
type TestUnsealer struct{}

func (TestUnsealer) Open(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return nil, fmt.Errorf("invalid test encryption header")
	}
	return br, nil
}
