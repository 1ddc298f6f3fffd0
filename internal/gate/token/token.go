// Package token encodes gate credentials as compact HS256 JWTs suitable for
// a QR code.  The token carries the credential id, its request and its
// direction.  Validity windows are not encoded; the store is the only
// authority on expiry and consumption.
package token

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "hostelgate"

var (
	ErrMalformed   = errors.New("token: malformed or unsigned payload")
	ErrMissingKey  = errors.New("token: signing key is required")
	ErrEmptyClaims = errors.New("token: credential, request and direction are required")
)

// Claims binds a payload to one credential.
type Claims struct {
	CredentialID string
	RequestID    string
	Direction    string
}

type gateClaims struct {
	Direction string `json:"dir"`
	jwt.RegisteredClaims
}

type Codec struct {
	key []byte
}

func NewCodec(key []byte) (*Codec, error) {
	if len(key) == 0 {
		return nil, ErrMissingKey
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Codec{key: k}, nil
}

// Encode signs c.  The credential id is the JWT id, the request id is the
// subject.
func (c *Codec) Encode(claims Claims) (string, error) {
	if claims.CredentialID == "" || claims.RequestID == "" || claims.Direction == "" {
		return "", ErrEmptyClaims
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, gateClaims{
		Direction: claims.Direction,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:      claims.CredentialID,
			Subject: claims.RequestID,
			Issuer:  issuer,
		},
	})
	s, err := t.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign credential token: %w", err)
	}
	return s, nil
}

// Decode verifies the signature and returns the bound claims.  Every failure
// is reported as ErrMalformed so callers cannot tell a forged token from a
// garbled one.
func (c *Codec) Decode(payload string) (Claims, error) {
	var gc gateClaims
	_, err := jwt.ParseWithClaims(payload, &gc, func(*jwt.Token) (any, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if gc.ID == "" || gc.Subject == "" || gc.Direction == "" {
		return Claims{}, ErrMalformed
	}
	return Claims{
		CredentialID: gc.ID,
		RequestID:    gc.Subject,
		Direction:    gc.Direction,
	}, nil
}
