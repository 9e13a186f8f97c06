package security

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Scopes granted to API clients
const (
	ScopeChat     = "chat"
	ScopeSessions = "sessions"
	ScopeUsage    = "usage"
	ScopeAdmin    = "admin"
)

// AllScopes lists every scope a token can carry
var AllScopes = []string{ScopeChat, ScopeSessions, ScopeUsage, ScopeAdmin}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownScope = errors.New("unknown scope")
)

// Claims represents a service token. Subject names the calling client,
// e.g. the Discord bot or an internal dashboard.
type Claims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token grants scope. Admin grants everything.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, ScopeAdmin) || slices.Contains(c.Scopes, scope)
}

// JWTManager issues and validates HS256 service tokens
type JWTManager struct {
	secret   []byte
	issuer   string
	tokenTTL time.Duration
	now      func() time.Time
}

// NewJWTManager creates a new JWT manager. A zero ttl issues tokens without expiry.
func NewJWTManager(secret, issuer string, ttl time.Duration) *JWTManager {
	return &JWTManager{
		secret:   []byte(secret),
		issuer:   issuer,
		tokenTTL: ttl,
		now:      time.Now,
	}
}

// GenerateToken signs a token for subject carrying scopes
func (m *JWTManager) GenerateToken(subject string, scopes []string) (string, error) {
	if subject == "" {
		return "", errors.New("subject is required")
	}
	for _, s := range scopes {
		if !slices.Contains(AllScopes, s) {
			return "", fmt.Errorf("%w: %s", ErrUnknownScope, s)
		}
	}

	now := m.now()
	claims := Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.issuer,
		},
	}
	if m.tokenTTL > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(m.tokenTTL))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken validates a token and returns the claims
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return claims, nil
}

// TokenTTL returns the configured token lifetime
func (m *JWTManager) TokenTTL() time.Duration {
	return m.tokenTTL
}
