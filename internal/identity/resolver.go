// Package identity turns an optional bearer credential into a display name.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Anonymous is the display name used when no credential is presented or the
// credential carries no username.
const Anonymous = "Anonymous"

// claims is the token payload; only username is read.
type claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// Resolver verifies HMAC-signed JWTs against a process-wide secret.
// It holds no per-connection state and is safe for concurrent use.
type Resolver struct {
	secret []byte
	now    func() time.Time
	logger zerolog.Logger
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger used to report rejected credentials.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver creates a resolver for the given secret. An empty secret is
// allowed; every presented token is then rejected.
func NewResolver(secret string, opts ...Option) *Resolver {
	r := &Resolver{
		secret: []byte(secret),
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the display name for token. An empty token means no
// credential and resolves to Anonymous. Any verification failure returns an
// error wrapping ErrInvalidToken.
func (r *Resolver) Resolve(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Anonymous, nil
	}

	if len(r.secret) == 0 {
		r.logger.Warn().Msg("token presented but no auth secret configured")
		return "", fmt.Errorf("%w: no secret configured", ErrInvalidToken)
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return r.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithTimeFunc(r.now),
	)
	if err != nil {
		reason := describeJWTError(err)
		r.logger.Warn().Err(err).Str("reason", reason).Msg("rejected credential")
		return "", fmt.Errorf("%w: %s", ErrInvalidToken, reason)
	}

	username := strings.TrimSpace(parsed.Username)
	if username == "" {
		return Anonymous, nil
	}
	return username, nil
}

// describeJWTError maps jwt library errors to a short operator-facing reason.
func describeJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "token not valid yet"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "signature invalid"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "algorithm not accepted"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "token malformed"
	default:
		return "token invalid"
	}
}
