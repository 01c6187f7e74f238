package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identify the signed-in user. Tokens are minted by the external
// auth provider and verified here with the shared HS256 secret.
type Claims struct {
	Sub   string
	Email string
	Name  string
	JTI   string
	Exp   int64
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Name  string `json:"name"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

func IssueToken(secret []byte, claims Claims) (string, error) {
	registered := jwt.RegisteredClaims{
		Subject: claims.Sub,
		ID:      claims.JTI,
	}
	if claims.Exp != 0 {
		registered.ExpiresAt = jwt.NewNumericDate(time.Unix(claims.Exp, 0))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		RegisteredClaims: registered,
		Email:            claims.Email,
		Name:             claims.Name,
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrInvalidToken
	}

	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}
	if parsed.Subject == "" || parsed.Email == "" {
		return Claims{}, ErrInvalidToken
	}
	return Claims{
		Sub:   parsed.Subject,
		Email: strings.ToLower(parsed.Email),
		Name:  parsed.Name,
		JTI:   parsed.ID,
		Exp:   parsed.ExpiresAt.Unix(),
	}, nil
}
