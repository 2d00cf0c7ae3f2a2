package core

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenPayload is the claim set carried by both access and refresh tokens.
type TokenPayload struct {
	Sub    string    // user_id
	Login  time.Time // t0 of the login this token belongs to
	Expire time.Time
	Scopes []string
	Role   Role
}

// IsExpired reports whether the token is past its expiry at now.
// The interval is half-open: a token checked exactly at expire is expired.
func (p TokenPayload) IsExpired(now time.Time) bool {
	return !now.Before(p.Expire)
}

var ErrInvalidToken = errors.New("invalid token")

type tokenClaims struct {
	Login  int64    `json:"login"`
	Expire int64    `json:"expire"`
	Scopes []string `json:"scopes"`
	Role   string   `json:"role"`
	jwt.RegisteredClaims
}

// TokenCodec signs and parses the service's JWTs (HS256).
type TokenCodec struct {
	secret []byte
}

func NewTokenCodec(secretKey string) *TokenCodec {
	return &TokenCodec{secret: []byte(secretKey)}
}

// Encode mints a signed token from the payload.
func (c *TokenCodec) Encode(p TokenPayload) (string, error) {
	claims := tokenClaims{
		Login:  p.Login.Unix(),
		Expire: p.Expire.Unix(),
		Scopes: p.Scopes,
		Role:   string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: p.Sub,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.secret)
}

// Decode parses and validates the signature; expiry is NOT enforced here
// because refresh needs to accept expired access tokens. Callers check
// IsExpired themselves.
func (c *TokenCodec) Decode(tokenString string) (TokenPayload, error) {
	var claims tokenClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return c.secret, nil
	})
	if err != nil || !token.Valid {
		return TokenPayload{}, ErrInvalidToken
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return TokenPayload{}, ErrInvalidToken
	}
	if claims.Subject == "" || claims.Login == 0 || claims.Expire == 0 {
		return TokenPayload{}, ErrInvalidToken
	}
	return TokenPayload{
		Sub:    claims.Subject,
		Login:  time.Unix(claims.Login, 0),
		Expire: time.Unix(claims.Expire, 0),
		Scopes: claims.Scopes,
		Role:   role,
	}, nil
}
