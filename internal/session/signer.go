package session

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/golang-jwt/jwt"
	"golang.org/x/crypto/hkdf"
)

const (
	signingSalt = "strike.session"
	signingInfo = "session cookie signing"
)

type signer struct {
	key []byte
}

// newSigner derives the cookie signing key from secret so the raw secret
// is never used as an HMAC key directly.
func newSigner(secret []byte) (*signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("signing secret cannot be empty")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, []byte(signingSalt), []byte(signingInfo)), key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}

	return &signer{key: key}, nil
}

func (s *signer) sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.key)
}

func (s *signer) verify(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}
