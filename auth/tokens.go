// Package auth verifies caller identity tokens. The identity service owns
// accounts and credentials; this service only needs an authenticated actor id
// and role out of each bearer token.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleArtisan  Role = "artisan"
	RoleAdmin    Role = "admin"
)

func isValidRole(role Role) bool {
	switch role {
	case RoleCustomer, RoleArtisan, RoleAdmin:
		return true
	default:
		return false
	}
}

// Actor is the authenticated caller threaded through every operation.
type Actor struct {
	ID   string
	Role Role
}

// TokenService verifies and issues HS256 JWTs shared with the identity service.
type TokenService struct {
	secret []byte
}

func NewTokenService(secret string) *TokenService {
	return &TokenService{secret: []byte(secret)}
}

// Verify validates a JWT and returns the actor it identifies.
func (s *TokenService) Verify(tokenString string) (Actor, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return Actor{}, fmt.Errorf("auth: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Actor{}, fmt.Errorf("auth: invalid token")
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return Actor{}, fmt.Errorf("auth: invalid user_id in token")
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return Actor{}, fmt.Errorf("auth: invalid role in token")
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return Actor{}, fmt.Errorf("auth: invalid role %q in token", roleStr)
	}

	return Actor{ID: userID, Role: role}, nil
}

// Issue creates a token for the actor. Used by tests and local tooling; the
// identity service issues production tokens with the same claims.
func (s *TokenService) Issue(actor Actor, ttl time.Duration) (string, error) {
	if !isValidRole(actor.Role) {
		return "", fmt.Errorf("auth: invalid role %q", actor.Role)
	}
	claims := jwt.MapClaims{
		"user_id": actor.ID,
		"role":    string(actor.Role),
		"exp":     time.Now().Add(ttl).Unix(),
		"iat":     time.Now().Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
