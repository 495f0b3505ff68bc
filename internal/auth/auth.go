// Package auth provides JWT-based authentication for the admin control plane
// and a shared-key check for service-to-service calls.
//
// Admin tokens are HS256-signed with JWT_SECRET_KEY. The runtime chat and
// tools surfaces authenticate with the internal shared key instead; game
// backends never hold admin tokens.
package auth

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role is the admin caller's privilege level.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// CanWrite reports whether the role may mutate control-plane state.
func (r Role) CanWrite() bool {
	return r == RoleAdmin || r == RoleOperator
}

// Claims extends jwt.RegisteredClaims with Loreline-specific fields.
type Claims struct {
	jwt.RegisteredClaims
	Actor    string `json:"actor"`
	TenantID string `json:"tenant_id"`
	Role     Role   `json:"role"`
}

// Manager handles JWT creation and validation using HS256.
type Manager struct {
	secret     []byte
	expiration time.Duration
}

// NewManager creates a Manager from the shared signing secret. An empty
// secret is allowed only for development; a random one is generated and
// previously issued tokens stop validating on restart.
func NewManager(secret string, expiration time.Duration) *Manager {
	if secret == "" {
		slog.Warn("auth: JWT_SECRET_KEY not set, generating ephemeral secret (not for production)")
		secret = uuid.NewString() + uuid.NewString()
	}
	return &Manager{secret: []byte(secret), expiration: expiration}
}

// IssueToken creates a signed admin token.
func (m *Manager) IssueToken(actor, tenantID string, role Role) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor,
			Issuer:    "loreline",
			Audience:  jwt.ClaimStrings{"loreline"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Actor:    actor,
		TenantID: tenantID,
		Role:     role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and verifies a token, returning its claims.
func (m *Manager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithAudience("loreline"), jwt.WithIssuer("loreline"))
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	return claims, nil
}

// VerifyInternalKey compares a presented service key in constant time.
// An empty configured key disables the check (development only).
func VerifyInternalKey(configured, presented string) bool {
	if configured == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}
