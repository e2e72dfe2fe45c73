// Package auth validates the scope tokens issued by the account service.
package auth

import (
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// Claims holds the identity and stream grants of a dashboard client.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	// StreamIDs restricts stream access; empty means every stream.
	StreamIDs []string `json:"stream_ids,omitempty"`
	jwt.RegisteredClaims
}

// CanViewStream reports whether the claims grant access to a stream.
func (c *Claims) CanViewStream(streamID string) bool {
	return c.Role == RoleAdmin || len(c.StreamIDs) == 0 || slices.Contains(c.StreamIDs, streamID)
}

// CanViewUser reports whether the claims grant access to a user's feed.
func (c *Claims) CanViewUser(userID string) bool {
	return c.Role == RoleAdmin || (userID != "" && c.UserID == userID)
}

// JWTService handles token generation and validation.
type JWTService struct {
	secret      []byte
	expireHours int
}

// NewJWTService creates a JWT service.
func NewJWTService(secret string, expireHours int) *JWTService {
	return &JWTService{
		secret:      []byte(secret),
		expireHours: expireHours,
	}
}

// Generate signs a token. Production tokens come from the account service; this is used by tools and tests.
func (s *JWTService) Generate(userID, role string, streamIDs []string) (string, error) {
	claims := Claims{
		UserID:    userID,
		Role:      role,
		StreamIDs: streamIDs,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Duration(s.expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a JWT, returning claims or error.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
