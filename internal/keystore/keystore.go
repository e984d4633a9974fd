// Package keystore stores secp256k1 account keys on disk encrypted under a
// passphrase. The key is derived with PBKDF2-SHA256 and sealed with AES-256-GCM;
// the account address is bound as additional authenticated data so a file
// cannot be relabelled without failing decryption.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// Version of the on-disk format.
	Version = 1

	// DefaultIterations is the PBKDF2 work factor for new files.
	DefaultIterations = 210000

	minIterations = 10000
	saltSize      = 16
	keySize       = 32
)

var (
	// ErrEmptyPassphrase is returned when encrypting with an empty passphrase.
	ErrEmptyPassphrase = errors.New("keystore: passphrase cannot be empty")
	// ErrDecryptionFailed is returned for a wrong passphrase or a tampered file.
	ErrDecryptionFailed = errors.New("keystore: decryption failed")
	// ErrCorrupted is returned when the file cannot be decoded.
	ErrCorrupted = errors.New("keystore: file is corrupted")
)

// File is the JSON document written to disk.
type File struct {
	Version    int            `json:"version"`
	Address    common.Address `json:"address"`
	KDF        string         `json:"kdf"`
	Iterations int            `json:"iterations"`
	Salt       string         `json:"salt"`
	Cipher     string         `json:"cipher"`
	Ciphertext string         `json:"ciphertext"`
}

// Encrypt seals key under passphrase using iterations rounds of PBKDF2.
// Values below the minimum fall back to DefaultIterations.
func Encrypt(key *ecdsa.PrivateKey, passphrase string, iterations int) (*File, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	if iterations < minIterations {
		iterations = DefaultIterations
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}

	addr := crypto.PubkeyToAddress(key.PublicKey)
	aead, err := newAEAD(passphrase, salt, iterations)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nonce, nonce, crypto.FromECDSA(key), addr.Bytes())

	return &File{
		Version:    Version,
		Address:    addr,
		KDF:        "pbkdf2-sha256",
		Iterations: iterations,
		Salt:       hex.EncodeToString(salt),
		Cipher:     "aes-256-gcm",
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// Decrypt opens f with passphrase.
func Decrypt(f *File, passphrase string) (*ecdsa.PrivateKey, error) {
	if f.Version != Version || f.KDF != "pbkdf2-sha256" || f.Cipher != "aes-256-gcm" {
		return nil, fmt.Errorf("%w: unsupported format", ErrCorrupted)
	}
	salt, err := hex.DecodeString(f.Salt)
	if err != nil || len(salt) < saltSize {
		return nil, fmt.Errorf("%w: bad salt", ErrCorrupted)
	}
	sealed, err := base64.StdEncoding.DecodeString(f.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext", ErrCorrupted)
	}

	aead, err := newAEAD(passphrase, salt, f.Iterations)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrCorrupted)
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	raw, err := aead.Open(nil, nonce, ct, f.Address.Bytes())
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if crypto.PubkeyToAddress(key.PublicKey) != f.Address {
		return nil, fmt.Errorf("%w: address mismatch", ErrCorrupted)
	}
	return key, nil
}

func newAEAD(passphrase string, salt []byte, iterations int) (cipher.AEAD, error) {
	if iterations < minIterations {
		return nil, fmt.Errorf("%w: iteration count %d too low", ErrCorrupted, iterations)
	}
	derived := pbkdf2.Key([]byte(passphrase), salt, iterations, keySize, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Save encrypts key and writes it to path with 0600 permissions.
func Save(path string, key *ecdsa.PrivateKey, passphrase string) (*File, error) {
	f, err := Encrypt(key, passphrase, DefaultIterations)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write keystore: %w", err)
	}
	return f, nil
}

// Read parses a keystore file without decrypting it.
func Read(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return &f, nil
}

// Load reads and decrypts the key at path.
func Load(path, passphrase string) (*ecdsa.PrivateKey, error) {
	f, err := Read(path)
	if err != nil {
		return nil, err
	}
	return Decrypt(f, passphrase)
}
