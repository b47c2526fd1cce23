// Package auth carries the user principal through the request path and
// validates the bearer tokens minted by the auth service.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// User is the authenticated principal attached to a request. The id is the
// raw 16-byte user id; access rules bind it as :__user_id.
type User struct {
	ID        []byte
	UUID      uuid.UUID
	Email     string
	CSRFToken string
	Expiry    int64 // bearer token expiry, epoch seconds
}

// Claims are the JWT claims consumed by the server and the client library.
type Claims struct {
	Email     string `json:"email"`
	CSRFToken string `json:"csrf_token"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Validator validates bearer tokens with the shared HMAC secret. Token
// minting lives in the auth service; the record core only verifies.
type Validator struct {
	secret []byte
}

func NewValidator(secret []byte) *Validator {
	return &Validator{secret: secret}
}

// Validate parses and verifies token and builds the user principal from
// its claims.
func (v *Validator) Validate(token string) (*User, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return userFromClaims(&claims)
}

func userFromClaims(claims *Claims) (*User, error) {
	id, err := base64.RawURLEncoding.DecodeString(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	u, err := uuid.FromBytes(id)
	if err != nil {
		return nil, fmt.Errorf("%w: subject is not a 16-byte id", ErrInvalidToken)
	}

	var expiry int64
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Unix()
	}
	return &User{
		ID:        id,
		UUID:      u,
		Email:     claims.Email,
		CSRFToken: claims.CSRFToken,
		Expiry:    expiry,
	}, nil
}

// MintForTest creates a signed token for the given user id. Test helper for
// packages exercising the HTTP surface.
func MintForTest(secret []byte, id uuid.UUID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email:     email,
		CSRFToken: "test-csrf",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   base64.RawURLEncoding.EncodeToString(id[:]),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
