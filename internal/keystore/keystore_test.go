package keystore

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// fast keeps PBKDF2 cheap in tests.
const fast = minIterations

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}

	f, err := Encrypt(key, "correct horse", fast)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if f.Address != crypto.PubkeyToAddress(key.PublicKey) {
		t.Errorf("Address = %s, want %s", f.Address.Hex(), crypto.PubkeyToAddress(key.PublicKey).Hex())
	}

	got, err := Decrypt(f, "correct horse")
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if got.D.Cmp(key.D) != 0 {
		t.Error("Decrypt() returned a different key")
	}
}

func TestEncryptUniqueSalt(t *testing.T) {
	key, _ := crypto.GenerateKey()
	a, _ := Encrypt(key, "pw", fast)
	b, _ := Encrypt(key, "pw", fast)
	if a.Salt == b.Salt || a.Ciphertext == b.Ciphertext {
		t.Error("two encryptions of the same key produced identical output")
	}
}

func TestEncryptLowIterationsUsesDefault(t *testing.T) {
	key, _ := crypto.GenerateKey()
	f, err := Encrypt(key, "pw", 1)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if f.Iterations != DefaultIterations {
		t.Errorf("Iterations = %d, want %d", f.Iterations, DefaultIterations)
	}
}

func TestEncryptEmptyPassphrase(t *testing.T) {
	key, _ := crypto.GenerateKey()
	if _, err := Encrypt(key, "", fast); !errors.Is(err, ErrEmptyPassphrase) {
		t.Errorf("Encrypt() error = %v, want ErrEmptyPassphrase", err)
	}
}

func TestDecryptFailures(t *testing.T) {
	key, _ := crypto.GenerateKey()
	good, err := Encrypt(key, "pw", fast)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(f *File)
		pass    string
		wantErr error
	}{
		{"wrong passphrase", func(*File) {}, "nope", ErrDecryptionFailed},
		{"relabelled address", func(f *File) { f.Address = common.HexToAddress("0xdead") }, "pw", ErrDecryptionFailed},
		{"flipped ciphertext byte", func(f *File) {
			raw, _ := base64.StdEncoding.DecodeString(f.Ciphertext)
			raw[len(raw)-1] ^= 0xff
			f.Ciphertext = base64.StdEncoding.EncodeToString(raw)
		}, "pw", ErrDecryptionFailed},
		{"bad base64", func(f *File) { f.Ciphertext = "!!" }, "pw", ErrCorrupted},
		{"bad salt", func(f *File) { f.Salt = "zz" }, "pw", ErrCorrupted},
		{"unknown cipher", func(f *File) { f.Cipher = "chacha" }, "pw", ErrCorrupted},
		{"weak iterations", func(f *File) { f.Iterations = 1 }, "pw", ErrCorrupted},
		{"truncated", func(f *File) { f.Ciphertext = base64.StdEncoding.EncodeToString([]byte("x")) }, "pw", ErrCorrupted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := *good
			tt.mutate(&f)
			_, err := Decrypt(&f, tt.pass)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decrypt() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSaveLoad(t *testing.T) {
	key, _ := crypto.GenerateKey()
	path := filepath.Join(t.TempDir(), "operator.json")

	f, err := Save(path, key, "pw")
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %o, want 600", info.Mode().Perm())
	}

	read, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if read.Address != f.Address {
		t.Errorf("Read().Address = %s, want %s", read.Address.Hex(), f.Address.Hex())
	}

	loaded, err := Load(path, "pw")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded.D.Cmp(key.D) != 0 {
		t.Error("Load() returned a different key")
	}
}

func TestReadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(path); !errors.Is(err, ErrCorrupted) {
		t.Errorf("Read() error = %v, want ErrCorrupted", err)
	}
}
