// Package access authenticates callers of the privileged audit and settings
// endpoints.
package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raaihank/pii-gateway/internal/config"
	"github.com/raaihank/pii-gateway/internal/logger"
)

var (
	ErrMissingToken  = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token has expired")
	ErrNotConfigured = errors.New("token verification is not configured")
)

// Principal is an authenticated caller
type Principal struct {
	Subject string
	Role    string
}

// Claims are the JWT claims of an access token
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator identifies the caller of a request
type Authenticator interface {
	Authenticate(r *http.Request) (*Principal, error)
}

// JWTAuthenticator verifies HS256 bearer tokens
type JWTAuthenticator struct {
	signingKey []byte
	issuer     string
}

var _ Authenticator = (*JWTAuthenticator)(nil)

func NewJWTAuthenticator(cfg config.AccessConfig) *JWTAuthenticator {
	return &JWTAuthenticator{
		signingKey: []byte(cfg.JWTSecret),
		issuer:     cfg.Issuer,
	}
}

// IssueToken signs a token for subject with role, valid for ttl
func (a *JWTAuthenticator) IssueToken(subject, role string, ttl time.Duration) (string, error) {
	if len(a.signingKey) == 0 {
		return "", ErrNotConfigured
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(a.signingKey)
}

// Authenticate validates the bearer token of r. With no signing key every
// request is rejected.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (*Principal, error) {
	if len(a.signingKey) == 0 {
		return nil, ErrNotConfigured
	}
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &Claims{}, func(*jwt.Token) (interface{}, error) {
		return a.signingKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return &Principal{Subject: claims.Subject, Role: claims.Role}, nil
}

type contextKey struct{}

// PrincipalFrom returns the caller stored by RequireRole
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(*Principal)
	return p, ok
}

// WithPrincipal stores p in ctx
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// RequireRole admits requests whose principal has role. Unauthenticated
// callers get 401, other roles get 403.
func RequireRole(auth Authenticator, role string, log *logger.Logger) func(http.Handler) http.Handler {
	log = log.WithComponent("access")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqLog := log.FromContext(r.Context())

			principal, err := auth.Authenticate(r)
			if err != nil {
				reqLog.Warn("Unauthorized access",
					zap.Error(err),
					zap.String("path", r.URL.Path))
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
				return
			}
			if principal.Role != role {
				reqLog.Warn("Forbidden access",
					zap.String("subject", principal.Subject),
					zap.String("role", principal.Role),
					zap.String("path", r.URL.Path))
				writeError(w, http.StatusForbidden, "forbidden", fmt.Sprintf("role %q is required", role))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"message": message, "type": kind},
	})
}
