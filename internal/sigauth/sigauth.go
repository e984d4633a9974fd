// Package sigauth implements the recoverable-signature authorization used to
// release job escrow and to prove account ownership at login.
//
// A consumer authorizes completion of a job by signing the job's address with
// personal-message framing:
//
//	h      = keccak256(jobAddress)            // 20 raw bytes
//	digest = keccak256("\x19Ethereum Signed Message:\n32" || h)
//
// The signature is (v, r, s) with v in {27, 28}. Because every job has a
// distinct address, a signature for one job never authorizes another.
package sigauth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrMalformedSignature is returned for signatures that are not 65 bytes or carry an invalid v.
var ErrMalformedSignature = errors.New("sigauth: malformed signature")

// ErrInvalidRecoveryID marks a well-formed 65-byte signature whose v is not
// 0, 1, 27 or 28. It wraps ErrMalformedSignature.
var ErrInvalidRecoveryID = fmt.Errorf("%w: invalid recovery id", ErrMalformedSignature)

// Signature is a secp256k1 recoverable signature.
type Signature struct {
	V uint8       `json:"v"`
	R common.Hash `json:"r"`
	S common.Hash `json:"s"`
}

// Recoverer derives the signing identity from a digest and signature.
type Recoverer interface {
	RecoverSigner(digest common.Hash, sig Signature) (common.Address, error)
}

// ECDSARecoverer recovers signers with secp256k1 public-key recovery.
type ECDSARecoverer struct{}

// RecoverSigner implements Recoverer.
func (ECDSARecoverer) RecoverSigner(digest common.Hash, sig Signature) (common.Address, error) {
	raw, err := sig.recoveryBytes()
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(digest.Bytes(), raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("sigauth: recover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// JobInvocationDigest returns the digest a consumer signs to authorize completion of job.
func JobInvocationDigest(job common.Address) common.Hash {
	return common.BytesToHash(accounts.TextHash(crypto.Keccak256(job.Bytes())))
}

// MessageDigest returns the personal-message digest of an arbitrary text.
func MessageDigest(message string) common.Hash {
	return common.BytesToHash(accounts.TextHash([]byte(message)))
}

// Sign signs digest with key and returns the signature with v in {27, 28}.
func Sign(key *ecdsa.PrivateKey, digest common.Hash) (Signature, error) {
	raw, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return Signature{}, fmt.Errorf("sigauth: sign: %w", err)
	}
	return FromBytes(raw)
}

// SignJobInvocation signs the completion authorization for job.
func SignJobInvocation(key *ecdsa.PrivateKey, job common.Address) (Signature, error) {
	return Sign(key, JobInvocationDigest(job))
}

// VerifyJobInvocation reports whether sig over job was produced by expected.
// Malformed or unrecoverable signatures report false.
func VerifyJobInvocation(rec Recoverer, job common.Address, sig Signature, expected common.Address) bool {
	signer, err := rec.RecoverSigner(JobInvocationDigest(job), sig)
	if err != nil {
		return false
	}
	return signer == expected
}

// FromBytes parses a 65-byte r||s||v signature. v may be 0/1 or 27/28.
func FromBytes(raw []byte) (Signature, error) {
	if len(raw) != crypto.SignatureLength {
		return Signature{}, fmt.Errorf("%w: length %d", ErrMalformedSignature, len(raw))
	}
	sig := Signature{
		R: common.BytesToHash(raw[:32]),
		S: common.BytesToHash(raw[32:64]),
		V: raw[64],
	}
	if sig.V < 27 {
		sig.V += 27
	}
	if sig.V != 27 && sig.V != 28 {
		return Signature{}, fmt.Errorf("%w: v=%d", ErrInvalidRecoveryID, raw[64])
	}
	return sig, nil
}

// ParseHex parses a 0x-prefixed 65-byte hex signature.
func ParseHex(s string) (Signature, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	raw, err := hexutil.Decode(s)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return FromBytes(raw)
}

// Bytes returns r||s||v with v in {27, 28}.
func (s Signature) Bytes() []byte {
	out := make([]byte, 0, crypto.SignatureLength)
	out = append(out, s.R.Bytes()...)
	out = append(out, s.S.Bytes()...)
	return append(out, s.V)
}

// Hex returns the 0x-prefixed encoding of Bytes.
func (s Signature) Hex() string {
	return hexutil.Encode(s.Bytes())
}

func (s Signature) recoveryBytes() ([]byte, error) {
	v := s.V
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return nil, fmt.Errorf("%w: v=%d", ErrMalformedSignature, s.V)
	}
	raw := make([]byte, 0, crypto.SignatureLength)
	raw = append(raw, s.R.Bytes()...)
	raw = append(raw, s.S.Bytes()...)
	return append(raw, v), nil
}
