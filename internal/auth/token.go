// Package auth issues and verifies the compact access tokens used by the
// API. A token is "<base64url(claims)>.<base64url(hmac-sha256)>", signed
// with the server secret. There is no key rotation; rotating the secret
// invalidates all outstanding tokens.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Claims is the payload embedded in an access token. JTI identifies the
// token for revocation; Exp is a unix timestamp.
type Claims struct {
	Sub  string `json:"sub"`
	Name string `json:"name"`
	Role string `json:"role"`
	JTI  string `json:"jti"`
	Exp  int64  `json:"exp"`
}

func (c Claims) valid() bool {
	return c.Sub != "" && c.Name != "" && c.JTI != "" && c.Exp != 0
}

// IssueToken signs claims with secret and returns the encoded token.
func IssueToken(secret []byte, claims Claims) (string, error) {
	body, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(body)
	return encoded + "." + signature(secret, encoded), nil
}

// ParseToken verifies the signature and expiry of token and returns its
// claims. Any structural problem maps to ErrInvalidToken; a token past
// its expiry maps to ErrExpiredToken.
func ParseToken(secret []byte, token string) (Claims, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(sig), []byte(signature(secret, encoded))) {
		return Claims{}, ErrInvalidToken
	}

	body, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(body, &claims); err != nil || !claims.valid() {
		return Claims{}, ErrInvalidToken
	}
	if time.Now().Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func signature(secret []byte, encoded string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// HashToken returns the hex SHA-256 digest of value. Refresh tokens are
// stored hashed so a database leak does not expose usable tokens.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
