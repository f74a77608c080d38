package middleware

import (
	"context"
	"crypto/subtle"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const tokenIssuer = "escalator"

// OperatorClaims identify the operator behind a dashboard session. The
// operator name is the token subject.
type OperatorClaims struct {
	jwt.RegisteredClaims
}

// Operator returns the operator name carried by the token
func (c *OperatorClaims) Operator() string {
	return c.Subject
}

// JWTAuthConfig holds operator session configuration
type JWTAuthConfig struct {
	Enabled bool

	AdminUsername     string
	AdminPasswordHash string // bcrypt

	Secret   string
	TokenTTL time.Duration

	// SkipPaths need no session; "*" suffix matches a prefix
	SkipPaths []string

	// QueryTokenPaths accept the token in a "token" query parameter, for
	// websocket clients that cannot set headers
	QueryTokenPaths []string

	// Now overrides the clock used to issue and check tokens
	Now func() time.Time
}

// JWTAuthMiddleware authenticates operators who acknowledge and resolve alerts
type JWTAuthMiddleware struct {
	username     string
	passwordHash string
	secret       []byte
	ttl          time.Duration
	now          func() time.Time
	parser       *jwt.Parser

	enabled    atomic.Bool
	skip       pathSet
	queryToken pathSet
}

type operatorContextKey struct{}

// NewJWTAuthMiddleware creates a new JWT authentication middleware
func NewJWTAuthMiddleware(config *JWTAuthConfig) *JWTAuthMiddleware {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	ttl := config.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	m := &JWTAuthMiddleware{
		username:     config.AdminUsername,
		passwordHash: config.AdminPasswordHash,
		secret:       []byte(config.Secret),
		ttl:          ttl,
		now:          now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(tokenIssuer),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(now),
		),
		skip:       newPathSet(config.SkipPaths),
		queryToken: newPathSet(config.QueryTokenPaths),
	}
	m.enabled.Store(config.Enabled)
	return m
}

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckPassword checks if the provided password matches the hash
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// TokenTTL is how long issued tokens stay valid
func (m *JWTAuthMiddleware) TokenTTL() time.Duration {
	return m.ttl
}

// GenerateToken issues a session token for operator
func (m *JWTAuthMiddleware) GenerateToken(operator string) (string, error) {
	token, _, err := m.IssueSession(operator)
	return token, err
}

// IssueSession signs a token for operator and returns it with its expiry
func (m *JWTAuthMiddleware) IssueSession(operator string) (string, time.Time, error) {
	issued := m.now()
	expires := issued.Add(m.ttl)
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

// ValidateToken checks signature, issuer and expiry and returns the claims
func (m *JWTAuthMiddleware) ValidateToken(tokenString string) (*OperatorClaims, error) {
	claims := &OperatorClaims{}
	_, err := m.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if claims.Operator() == "" {
		return nil, jwt.ErrTokenInvalidSubject
	}
	return claims, nil
}

// ValidateCredentials validates username and password
func (m *JWTAuthMiddleware) ValidateCredentials(username, password string) bool {
	if subtle.ConstantTimeCompare([]byte(username), []byte(m.username)) != 1 {
		return false
	}
	return CheckPassword(password, m.passwordHash)
}

// Wrap wraps an http.Handler with JWT authentication
func (m *JWTAuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled.Load() || m.skip.match(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		tokenString := m.extractToken(r)
		if tokenString == "" {
			unauthorized(w, "Missing authentication token")
			return
		}

		claims, err := m.ValidateToken(tokenString)
		if err != nil {
			log.Printf("JWTAuthMiddleware: Invalid token from %s: %v", r.RemoteAddr, err)
			unauthorized(w, "Invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), claims.Operator())))
	})
}

func (m *JWTAuthMiddleware) extractToken(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return token
	}
	if m.queryToken.match(r.URL.Path) {
		return r.URL.Query().Get("token")
	}
	return ""
}

// SetEnabled enables or disables authentication
func (m *JWTAuthMiddleware) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
}

// IsEnabled returns whether authentication is enabled
func (m *JWTAuthMiddleware) IsEnabled() bool {
	return m.enabled.Load()
}

// WithOperator returns ctx carrying the authenticated operator
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorContextKey{}, operator)
}

// OperatorFromContext returns the authenticated operator, or ""
func OperatorFromContext(ctx context.Context) string {
	operator, _ := ctx.Value(operatorContextKey{}).(string)
	return operator
}

// Actor names who is issuing a command: the explicit actor if given, else
// the authenticated operator, else fallback.
func Actor(ctx context.Context, explicit, fallback string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	if operator := OperatorFromContext(ctx); operator != "" {
		return operator
	}
	return fallback
}
