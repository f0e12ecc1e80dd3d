package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrMissingToken = errors.New("authorization token required")
	ErrNoSecret     = errors.New("control secret is not configured")
)

// clockSkew is the leeway allowed on time-based claims.
const clockSkew = 30 * time.Second

// JWTManager issues and checks operator tokens for one node's control API.
// Tokens are HMAC-signed with a secret shared between the node and its CLI
// and carry the node's party as audience, so a token minted for one node is
// refused by another that happens to share the secret.
type JWTManager struct {
	secretKey     []byte
	node          string
	tokenDuration time.Duration
}

// Claims are the JWT claims of an operator token. The operator is the subject.
type Claims struct {
	jwt.RegisteredClaims
}

// Operator returns the name the token was issued to.
func (c *Claims) Operator() string {
	return c.Subject
}

// NewJWTManager creates a manager for the control API of node.
// tokenDuration is how long tokens remain valid (e.g. 1 hour).
func NewJWTManager(secretKey, node string, tokenDuration time.Duration) *JWTManager {
	return &JWTManager{
		secretKey:     []byte(secretKey),
		node:          node,
		tokenDuration: tokenDuration,
	}
}

// Generate creates a token for operator.
func (m *JWTManager) Generate(operator string) (string, error) {
	if len(m.secretKey) == 0 {
		return "", ErrNoSecret
	}
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   operator,
			Audience:  jwt.ClaimStrings{m.node},
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// Validate checks signature, audience and expiry and returns the claims.
func (m *JWTManager) Validate(tokenString string) (*Claims, error) {
	if len(m.secretKey) == 0 {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(token *jwt.Token) (any, error) {
			return m.secretKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(m.node),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: no operator", ErrInvalidToken)
	}
	return claims, nil
}
