package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// JWTSecretEnv names the environment variable holding the HMAC secret
	// for session and challenge tokens.
	JWTSecretEnv = "AGM_JWT_SECRET"

	issuer          = "agent-market"
	sessionAudience = "agm-session"

	minSecretLength   = 32
	defaultSessionTTL = time.Hour
)

// keyring resolves the signing secret once per process.
type keyring struct {
	once   sync.Once
	secret []byte
	err    error
}

var sessionKey = new(keyring)

func devMode() bool {
	switch os.Getenv("DEV_MODE") {
	case "true", "1":
		return true
	}
	return os.Getenv("GIN_MODE") == "debug"
}

func (k *keyring) load() ([]byte, error) {
	k.once.Do(func() {
		if s := os.Getenv(JWTSecretEnv); s != "" {
			if len(s) < minSecretLength {
				slog.Warn("session secret is shorter than recommended", "env", JWTSecretEnv, "min_length", minSecretLength)
			}
			k.secret = []byte(s)
			return
		}
		if !devMode() {
			k.err = fmt.Errorf("%s must be set outside development mode (generate one with: openssl rand -hex 32)", JWTSecretEnv)
			return
		}
		k.secret = make([]byte, minSecretLength)
		if _, err := rand.Read(k.secret); err != nil {
			k.err = fmt.Errorf("failed to generate development secret: %w", err)
			return
		}
		slog.Warn("no session secret configured, using a random one; sessions end on restart", "env", JWTSecretEnv)
	})
	return k.secret, k.err
}

// ValidateJWTSecret resolves the signing secret. cmd/server calls it at
// startup so a missing secret fails fast instead of on the first login.
func ValidateJWTSecret() error {
	_, err := sessionKey.load()
	return err
}

// Claims are the session token claims. Subject and Address both carry the
// authenticated account.
type Claims struct {
	Address string `json:"address"`
	jwt.RegisteredClaims
}

// Account returns the authenticated address.
func (c *Claims) Account() common.Address {
	return common.HexToAddress(c.Address)
}

// GenerateJWT issues a session token for address. A zero ttl means one hour.
func GenerateJWT(address common.Address, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = defaultSessionTTL
	}
	now := time.Now()
	return sign(&Claims{
		Address: address.Hex(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   address.Hex(),
			Audience:  jwt.ClaimStrings{sessionAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
}

// ValidateJWT verifies a session token and returns its claims.
func ValidateJWT(token string) (*Claims, error) {
	claims := new(Claims)
	if err := parse(token, claims, sessionAudience); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(claims.Address) {
		return nil, errors.New("session token has no valid address")
	}
	return claims, nil
}

func sign(claims jwt.Claims) (string, error) {
	secret, err := sessionKey.load()
	if err != nil {
		return "", err
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// parse verifies signature, issuer, audience and expiry. Only HS256 is accepted.
func parse(token string, claims jwt.Claims, audience string) error {
	secret, err := sessionKey.load()
	if err != nil {
		return err
	}
	_, err = jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	return err
}
