package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mmynk/iouflow/internal/models"
)

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrMissingToken = errors.New("authorization token required")
)

// TokenManager issues and validates peer session tokens.
//
// A node attaches a token signed with its own party key to every call it makes
// to a counterparty or the notary; the receiver checks the signature against
// the sender's registered public key, so the party in a message envelope can
// be trusted.
type TokenManager struct {
	keys          *Keyring
	tokenDuration time.Duration
}

// PeerClaims are the JWT claims of a peer session token.
// Subject is the sending party; Audience is the receiving party.
type PeerClaims struct {
	jwt.RegisteredClaims
}

// NewTokenManager creates a token manager over keys.
// tokenDuration is how long tokens remain valid (e.g. 5 minutes).
func NewTokenManager(keys *Keyring, tokenDuration time.Duration) *TokenManager {
	return &TokenManager{
		keys:          keys,
		tokenDuration: tokenDuration,
	}
}

// Generate creates a token asserting that from is calling to.
func (m *TokenManager) Generate(from, to models.Party) (string, error) {
	priv, err := m.keys.privateKey(from)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := &PeerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(from),
			Audience:  jwt.ClaimStrings{string(to)},
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Second)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tokenString, err := token.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

// Validate parses a token addressed to audience and returns the calling party.
func (m *TokenManager) Validate(tokenString string, audience models.Party) (models.Party, error) {
	claims := &PeerClaims{}
	token, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			// Verify the signing method
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			subject, err := token.Claims.GetSubject()
			if err != nil {
				return nil, err
			}
			pub, ok := m.keys.PublicKey(models.Party(subject))
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownParty, subject)
			}
			return ed25519.PublicKey(pub), nil
		},
		jwt.WithAudience(string(audience)),
		jwt.WithExpirationRequired(),
	)

	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	return models.Party(claims.Subject), nil
}
