package encryption

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"wxannual/internal/config"
	"wxannual/internal/wx"
)

func newTestAgeEncryptor(t *testing.T) *AgeEncryptor {
	t.Helper()
	dir := t.TempDir()
	return NewAgeEncryptor(config.EncryptionConfig{
		Type:           "age",
		PublicKeyPath:  filepath.Join(dir, "keys", "wxannual.pub"),
		PrivateKeyPath: filepath.Join(dir, "keys", "wxannual.key"),
	})
}

func seal(t *testing.T, e wx.Encryptor, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := e.Seal(&buf)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return buf.Bytes()
}

func unseal(t *testing.T, u wx.Unsealer, data []byte) []byte {
	t.Helper()
	r, err := u.Open(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	return out
}

func TestAgeEncryptor_Setup(t *testing.T) {
	t.Parallel()
	e := newTestAgeEncryptor(t)
	if e.IsConfigured() {
		t.Fatal("IsConfigured() = true before Setup")
	}
	if err := e.Setup("secret"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !e.IsConfigured() {
		t.Error("IsConfigured() = false after Setup")
	}

	info, err := os.Stat(e.privateKeyPath)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("private key mode = %v, want 0600", info.Mode().Perm())
	}
	pub, _ := os.ReadFile(e.publicKeyPath)
	if !strings.HasPrefix(string(pub), "age1") {
		t.Errorf("public key = %q, want age1 prefix", pub)
	}

	if err := e.Setup("secret"); err == nil {
		t.Error("second Setup() succeeded, want refusal to overwrite keys")
	}
	if err := newTestAgeEncryptor(t).Setup(""); err == nil {
		t.Error("Setup(\"\") succeeded, want error")
	}
}

func TestAgeEncryptor_SealRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{"json", []byte(`{"total":8}`)},
		{"empty", []byte{}},
		{"large", bytes.Repeat([]byte("abcdef"), 20000)},
	}

	e := newTestAgeEncryptor(t)
	if err := e.Setup("secret"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	u, err := e.Unlock("secret")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed := seal(t, e, tt.input)
			if len(tt.input) > 0 && bytes.Contains(sealed, tt.input) {
				t.Error("sealed output contains plaintext")
			}
			if got := unseal(t, u, sealed); !bytes.Equal(got, tt.input) {
				t.Errorf("round trip mismatch: got %d bytes, want %d", len(got), len(tt.input))
			}
		})
	}
}

func TestAgeEncryptor_Errors(t *testing.T) {
	t.Parallel()

	t.Run("seal without keys", func(t *testing.T) {
		e := newTestAgeEncryptor(t)
		if _, err := e.Seal(io.Discard); err == nil {
			t.Error("Seal() succeeded without a public key")
		}
	})

	t.Run("wrong passphrase", func(t *testing.T) {
		e := newTestAgeEncryptor(t)
		if err := e.Setup("right"); err != nil {
			t.Fatalf("Setup() error = %v", err)
		}
		if _, err := e.Unlock("wrong"); err == nil {
			t.Error("Unlock() succeeded with the wrong passphrase")
		}
	})
}

func TestTestEncryptor(t *testing.T) {
	t.Parallel()
	e := NewTestEncryptor()
	sealed := seal(t, e, []byte("payload"))
	if !bytes.HasPrefix(sealed, testHeader) {
		t.Errorf("sealed = %q, want test header", sealed)
	}
	u, _ := e.Unlock("")
	if got := unseal(t, u, sealed); string(got) != "payload" {
		t.Errorf("unsealed = %q", got)
	}
	if _, err := u.Open(strings.NewReader("nope nope nope")); err == nil {
		t.Error("Open() accepted data without header")
	}
}

func TestNewEncryptorFromConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		typ     string
		wantNil bool
		wantErr bool
	}{
		{"", true, false},
		{"none", true, false},
		{"age", false, false},
		{"test", false, false},
		{"rot13", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			e, err := NewEncryptorFromConfig(config.EncryptionConfig{Type: tt.typ})
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if (e == nil) != tt.wantNil {
				t.Errorf("encryptor = %v, wantNil %v", e, tt.wantNil)
			}
		})
	}
}
