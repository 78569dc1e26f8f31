// Package middleware contains the HTTP middleware shared by all routes.
package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/promptd/internal/api/shared"
	"github.com/phrazzld/promptd/internal/platform/logger"
	"github.com/phrazzld/promptd/internal/redact"
)

// MinSecretLength is the shortest accepted HS256 signing secret.
const MinSecretLength = 32

var (
	// ErrInvalidToken is returned for tokens that fail signature, algorithm
	// or claim checks.
	ErrInvalidToken = errors.New("invalid token")

	// ErrExpiredToken is returned for tokens past their exp claim.
	ErrExpiredToken = errors.New("token expired")
)

// Authenticator validates HS256 bearer tokens. The sub claim carries the
// owner id that every prompt operation is scoped to.
type Authenticator struct {
	secret []byte
	logger *slog.Logger
	now    func() time.Time
}

// NewAuthenticator creates an Authenticator for the given signing secret.
func NewAuthenticator(secret string, logger *slog.Logger) (*Authenticator, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d characters", MinSecretLength)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		secret: []byte(secret),
		logger: logger.With("component", "auth_middleware"),
		now:    time.Now,
	}, nil
}

// Issue signs a token for ownerID that expires after ttl.
// It backs the token command used for local testing.
func (a *Authenticator) Issue(ownerID uuid.UUID, ttl time.Duration) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   ownerID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate parses a token and returns its owner id.
func (a *Authenticator) Validate(token string) (uuid.UUID, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return uuid.Nil, ErrExpiredToken
		}
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	ownerID, err := uuid.Parse(claims.Subject)
	if err != nil || ownerID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: subject is not an owner id", ErrInvalidToken)
	}
	return ownerID, nil
}

// Authenticate validates JWT tokens from the Authorization header and
// adds the owner ID to the request context for authorized requests.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Authorization header required")
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid authorization format")
			return
		}

		ownerID, err := a.Validate(token)
		if err != nil {
			log := logger.FromContextOrDefault(r.Context(), a.logger)
			log.Debug("rejected bearer token", "error", redact.Error(err))
			if errors.Is(err, ErrExpiredToken) {
				shared.RespondWithError(w, r, http.StatusUnauthorized, "Token expired")
				return
			}
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid token")
			return
		}

		ctx := shared.WithOwnerID(r.Context(), ownerID)
		ctx = logger.WithLogger(ctx, logger.FromContextOrDefault(ctx, a.logger).With("owner_id", ownerID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
