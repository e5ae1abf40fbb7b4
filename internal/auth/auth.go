// Package auth issues and validates the JWT bearer tokens a replica
// may attach to its establishment handshake. A deployment that wants
// gated handshakes mints a token per peer with GenerateToken and wires
// validation through rules.AuthGate; open deployments never construct a
// TokenManager at all.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Permission string

const (
	PermissionReadOnly  Permission = "read"
	PermissionReadWrite Permission = "write"
	PermissionAdmin     Permission = "admin"
)

// Claims is the JWT payload a peer presents with its establish-request:
// the peer id the token was minted for and the permissions it grants.
type Claims struct {
	PeerID      string       `json:"peer_id"`
	Permissions []Permission `json:"permissions"`
	jwt.RegisteredClaims
}

type TokenManager struct {
	secretKey     []byte
	tokenDuration time.Duration
}

func NewTokenManager(secretKey string) *TokenManager {
	return &TokenManager{
		secretKey:     []byte(secretKey),
		tokenDuration: 1 * time.Hour,
	}
}

// GenerateToken creates a new JWT granting peerID the given permissions
func (tm *TokenManager) GenerateToken(peerID string, permissions []Permission) (string, error) {
	claims := Claims{
		PeerID:      peerID,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tm.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(tm.secretKey)
}

// ValidateToken verifies and parses a JWT token
func (tm *TokenManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return tm.secretKey, nil
		},
	)

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

// HasPermission checks if claims contain required permission
func (c *Claims) HasPermission(required Permission) bool {
	for _, p := range c.Permissions {
		if p == required || p == PermissionAdmin {
			return true
		}
	}
	return false
}
