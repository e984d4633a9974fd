// Package auth - challenge.go implements wallet login. The server issues a
// signed, short-lived challenge; the client signs its message text with the
// account key (personal-message framing) and exchanges the signature for a
// session token. Challenges are stateless: the challenge token carries
// everything needed to rebuild the message.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"

	"github.com/agent-market/agent-market/internal/sigauth"
)

const challengeAudience = "agm-challenge"

// ErrChallengeSignature is returned when the login signature was not made by
// the challenged account.
var ErrChallengeSignature = errors.New("auth: challenge signature does not match address")

// Challenge is handed to a client that wants to log in.
type Challenge struct {
	Token     string    `json:"challenge"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

type challengeClaims struct {
	Nonce string `json:"nonce"`
	jwt.RegisteredClaims
}

// ChallengeMessage is the exact text a client signs to log in.
func ChallengeMessage(address common.Address, nonce string, expiresAt time.Time) string {
	return fmt.Sprintf("Sign in to agent-market\n\nAddress: %s\nNonce: %s\nExpires: %s",
		address.Hex(), nonce, expiresAt.UTC().Format(time.RFC3339))
}

// IssueChallenge creates a login challenge for address valid for ttl.
func IssueChallenge(address common.Address, ttl time.Duration) (*Challenge, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(nonceBytes)

	now := time.Now().Truncate(time.Second)
	expiresAt := now.Add(ttl)
	token, err := sign(&challengeClaims{
		Nonce: nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   address.Hex(),
			Audience:  jwt.ClaimStrings{challengeAudience},
		},
	})
	if err != nil {
		return nil, err
	}

	return &Challenge{
		Token:     token,
		Message:   ChallengeMessage(address, nonce, expiresAt),
		ExpiresAt: expiresAt,
	}, nil
}

// VerifyChallenge checks the challenge token and that sig over its message was
// made by the challenged address, which it returns.
func VerifyChallenge(rec sigauth.Recoverer, challengeToken string, sig sigauth.Signature) (common.Address, error) {
	claims := &challengeClaims{}
	if err := parse(challengeToken, claims, challengeAudience); err != nil {
		return common.Address{}, fmt.Errorf("invalid challenge: %w", err)
	}
	if !common.IsHexAddress(claims.Subject) || claims.ExpiresAt == nil {
		return common.Address{}, errors.New("invalid challenge: malformed claims")
	}
	address := common.HexToAddress(claims.Subject)

	message := ChallengeMessage(address, claims.Nonce, claims.ExpiresAt.Time)
	signer, err := rec.RecoverSigner(sigauth.MessageDigest(message), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrChallengeSignature, err)
	}
	if signer != address {
		return common.Address{}, ErrChallengeSignature
	}
	return address, nil
}
