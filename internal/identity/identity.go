// ABOUTME: Extracts the authenticated user identity from the session token
// ABOUTME: Uses HS256 signed JWTs with the user id in the "sub" claim

package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// User is the authenticated identity carried by the session token. The
// sync engine stamps optimistic messages with ID until the server
// confirms them.
type User struct {
	ID         string
	Name       string
	ProfilePic string
}

// Verifier validates session tokens and extracts the user identity.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier with the given HS256 secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Verify validates the token and extracts the user. The "sub" claim is
// required; "name" and "picture" are optional profile fields.
func (v *Verifier) Verify(tokenString string) (*User, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	user := &User{ID: sub}
	if name, ok := claims["name"].(string); ok {
		user.Name = name
	}
	if pic, ok := claims["picture"].(string); ok {
		user.ProfilePic = pic
	}
	return user, nil
}

// ParseUnverified extracts the user from a token without checking the
// signature. Clients that do not hold the server's secret use this to
// learn who they are; the server still verifies on every request.
func ParseUnverified(tokenString string) (*User, error) {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	user := &User{ID: sub}
	if name, ok := claims["name"].(string); ok {
		user.Name = name
	}
	if pic, ok := claims["picture"].(string); ok {
		user.ProfilePic = pic
	}
	return user, nil
}

// Generate creates a signed token for the given user with expiration.
// Used by tests and local development against a stub backend.
func (v *Verifier) Generate(user *User, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": user.ID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	if user.Name != "" {
		claims["name"] = user.Name
	}
	if user.ProfilePic != "" {
		claims["picture"] = user.ProfilePic
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
