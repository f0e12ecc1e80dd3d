package middleware

import (
	"context"
	"strings"

	"connectrpc.com/connect"

	"github.com/mmynk/iouflow/internal/auth"
	"github.com/mmynk/iouflow/internal/identity"
	"github.com/mmynk/iouflow/internal/models"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// PeerKey is the context key for the authenticated calling party.
	PeerKey contextKey = "peer"
	// OperatorKey is the context key for the authenticated control API operator.
	OperatorKey contextKey = "operator"
)

// GetPeer extracts the authenticated calling party from the context.
// Returns the zero party if not found.
func GetPeer(ctx context.Context) models.Party {
	peer, _ := ctx.Value(PeerKey).(models.Party)
	return peer
}

// GetOperator extracts the operator name from the context.
// Returns empty string if not found.
func GetOperator(ctx context.Context) string {
	operator, _ := ctx.Value(OperatorKey).(string)
	return operator
}

// bearerToken extracts the token from an Authorization header value.
func bearerToken(header string) (string, error) {
	if header == "" {
		return "", auth.ErrMissingToken
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", auth.ErrInvalidToken
	}
	return parts[1], nil
}

// RequirePeer returns a middleware that validates peer session tokens addressed
// to self and adds the calling party to the request context.
func RequirePeer(tokens *identity.TokenManager, self models.Party) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			tokenString, err := bearerToken(req.Header().Get("Authorization"))
			if err != nil {
				return nil, connect.NewError(connect.CodeUnauthenticated, err)
			}

			peer, err := tokens.Validate(tokenString, self)
			if err != nil {
				return nil, connect.NewError(connect.CodeUnauthenticated, err)
			}

			ctx = context.WithValue(ctx, PeerKey, peer)
			return next(ctx, req)
		}
	}
}

// RequireOperator returns a middleware that validates control API tokens.
func RequireOperator(jwtManager *auth.JWTManager) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			tokenString, err := bearerToken(req.Header().Get("Authorization"))
			if err != nil {
				return nil, connect.NewError(connect.CodeUnauthenticated, err)
			}

			claims, err := jwtManager.Validate(tokenString)
			if err != nil {
				return nil, connect.NewError(connect.CodeUnauthenticated, err)
			}

			ctx = context.WithValue(ctx, OperatorKey, claims.Operator())
			return next(ctx, req)
		}
	}
}

// PeerCredentials returns a client middleware that attaches a fresh session
// token asserting from is calling to.
func PeerCredentials(tokens *identity.TokenManager, from, to models.Party) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			token, err := tokens.Generate(from, to)
			if err != nil {
				return nil, err
			}
			req.Header().Set("Authorization", "Bearer "+token)
			return next(ctx, req)
		}
	}
}

// OperatorCredentials returns a client middleware that attaches an operator token.
func OperatorCredentials(jwtManager *auth.JWTManager, operator string) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			token, err := jwtManager.Generate(operator)
			if err != nil {
				return nil, err
			}
			req.Header().Set("Authorization", "Bearer "+token)
			return next(ctx, req)
		}
	}
}
