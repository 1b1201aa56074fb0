// Package auth verifies operator JWTs for the admin API.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in the role claim.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

const (
	// DefaultTokenExpiry is the lifetime of tokens minted by GenerateToken.
	DefaultTokenExpiry = 15 * time.Minute
	// DefaultLeeway absorbs clock skew between issuer and gatekeeper.
	DefaultLeeway = 30 * time.Second
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrEmptySubject = errors.New("subject cannot be empty")
	ErrMissingToken = errors.New("missing bearer token")
)

// Claims are the operator token claims.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// HasRole reports whether the token grants role. Admins hold every role.
func (c *Claims) HasRole(role string) bool {
	return c.Role == role || c.Role == RoleAdmin
}

// Option configures a JWTService.
type Option func(*JWTService)

// WithPreviousSecret accepts tokens signed with secret while a rotation is in
// progress. New tokens are always signed with the current secret.
func WithPreviousSecret(secret string) Option {
	return func(s *JWTService) {
		if secret != "" {
			s.keys = append(s.keys, []byte(secret))
		}
	}
}

// WithLeeway overrides DefaultLeeway.
func WithLeeway(d time.Duration) Option {
	return func(s *JWTService) { s.leeway = d }
}

// WithClock sets the time source used for issuing and validating tokens.
func WithClock(c clock.Clock) Option {
	return func(s *JWTService) { s.clock = c }
}

// JWTService signs and verifies HS256 operator tokens. keys[0] signs; every
// key verifies.
type JWTService struct {
	keys   [][]byte
	leeway time.Duration
	clock  clock.Clock
}

// NewJWTService returns a service signing with secret.
func NewJWTService(secret string, opts ...Option) *JWTService {
	s := &JWTService{
		keys:   [][]byte{[]byte(secret)},
		leeway: DefaultLeeway,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateToken signs a token for subject with role. A zero expiry uses
// DefaultTokenExpiry. The gatekeeper only verifies; this serves tooling and
// tests.
func (s *JWTService) GenerateToken(subject, role string, expiry time.Duration) (string, error) {
	if subject == "" {
		return "", ErrEmptySubject
	}
	if expiry <= 0 {
		expiry = DefaultTokenExpiry
	}
	now := s.clock.Now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
		Role: role,
	}).SignedString(s.keys[0])
}

// ValidateToken returns the claims of a token signed by any configured key.
// Expiry is reported as ErrExpiredToken; every other failure as
// ErrInvalidToken.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	expired := false
	for _, key := range s.keys {
		claims, err := s.parse(tokenString, key)
		if err == nil {
			return claims, nil
		}
		if errors.Is(err, jwt.ErrTokenExpired) {
			expired = true
		}
	}
	if expired {
		return nil, ErrExpiredToken
	}
	return nil, ErrInvalidToken
}

func (s *JWTService) parse(tokenString string, key []byte) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (interface{}, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
