// Package auth reads the caller's identity out of a bearer token.
//
// Tokens are issued and checked by the API. This client only decodes them to
// learn who it is acting as; signatures are not verified here.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"seat-sync-cli/model"
)

var ErrNoIdentity = errors.New("token carries no user id")

type Claims struct {
	UserID   string `json:"userId,omitempty"`
	UserType string `json:"userType,omitempty"`
	Role     string `json:"role,omitempty"`
	Name     string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// FromToken decodes the identity carried by a bearer token without verifying it.
func FromToken(token string) (model.Identity, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if raw == "" {
		return model.Identity{}, errors.New("token is empty")
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return model.Identity{}, fmt.Errorf("decode token: %w", err)
	}

	identity := model.Identity{
		UserID:   claims.UserID,
		UserType: claims.UserType,
		Name:     claims.Name,
	}
	if identity.UserID == "" {
		identity.UserID = claims.Subject
	}
	if identity.UserType == "" {
		identity.UserType = claims.Role
	}
	if identity.UserType == "" {
		identity.UserType = "student"
	}
	if identity.UserID == "" {
		return model.Identity{}, ErrNoIdentity
	}
	return identity, nil
}

// Mint signs an HS256 token for identity. It backs the local development server.
func Mint(secret []byte, identity model.Identity, ttl time.Duration) (string, error) {
	if identity.UserID == "" {
		return "", ErrNoIdentity
	}
	now := time.Now().UTC()
	claims := &Claims{
		UserID:   identity.UserID,
		UserType: identity.UserType,
		Name:     identity.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
