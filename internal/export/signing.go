package export

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
)

// Signer produces ASCII-armored detached OpenPGP signatures over manifests.
type Signer struct {
	entity *openpgp.Entity
}

// LoadSigner parses an armored private key, decrypting it with passphrase
// when it is protected.
func LoadSigner(armoredKey []byte, passphrase string) (*Signer, error) {
	keyring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(armoredKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	if len(keyring) == 0 {
		return nil, fmt.Errorf("signing key file contains no keys")
	}

	entity := keyring[0]
	if entity.PrivateKey == nil {
		return nil, fmt.Errorf("signing key has no private key material")
	}
	if entity.PrivateKey.Encrypted {
		if passphrase == "" {
			return nil, fmt.Errorf("signing key is encrypted and no passphrase was given")
		}
		if err := entity.DecryptPrivateKeys([]byte(passphrase)); err != nil {
			return nil, fmt.Errorf("failed to decrypt signing key: %w", err)
		}
	}
	return &Signer{entity: entity}, nil
}

// LoadSignerFile reads the key from path.
func LoadSignerFile(path, passphrase string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	return LoadSigner(data, passphrase)
}

// NewSigner wraps an entity that already holds a decrypted private key.
func NewSigner(entity *openpgp.Entity) *Signer {
	return &Signer{entity: entity}
}

// KeyID returns the signing key's ID in hex.
func (s *Signer) KeyID() string {
	return fmt.Sprintf("%016X", s.entity.PrimaryKey.KeyId)
}

// Sign returns an armored detached signature over data.
func (s *Signer) Sign(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&buf, s.entity, bytes.NewReader(data), nil); err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return buf.Bytes(), nil
}

// ArmoredPublicKey exports the public half for verifiers.
func (s *Signer) ArmoredPublicKey() ([]byte, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return nil, err
	}
	if err := s.entity.Serialize(w); err != nil {
		return nil, fmt.Errorf("failed to serialize public key: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// VerifySignature checks a detached signature (armored or binary) over data.
func VerifySignature(publicKeyArmored string, data []byte, signature []byte) error {
	if publicKeyArmored == "" {
		return fmt.Errorf("public key cannot be empty")
	}
	if len(signature) == 0 {
		return fmt.Errorf("signature cannot be empty")
	}

	keyring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(publicKeyArmored))
	if err != nil {
		return fmt.Errorf("failed to parse public key: %w", err)
	}

	sig := signature
	if block, err := armor.Decode(bytes.NewReader(signature)); err == nil {
		var decoded bytes.Buffer
		if _, err := decoded.ReadFrom(block.Body); err != nil {
			return fmt.Errorf("failed to read armored signature: %w", err)
		}
		sig = decoded.Bytes()
	}

	if _, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(data), bytes.NewReader(sig), nil); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}
