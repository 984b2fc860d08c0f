package auth

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// HashToken derives the stored form of a client idempotency token. The raw
// token is never persisted; the hash is keyed so a leaked table cannot be
// matched against guessed tokens.
func HashToken(secret []byte, value string) string {
	h, err := blake2b.New256(secret)
	if err != nil {
		// key longer than 64 bytes: fold it first
		sum := blake2b.Sum256(secret)
		h, _ = blake2b.New256(sum[:])
	}
	_, _ = h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}

// TokenMatches reports whether value hashes to hash, in constant time.
func TokenMatches(secret []byte, value, hash string) bool {
	if value == "" || hash == "" {
		return false
	}
	expected := HashToken(secret, value)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(hash)) == 1
}

// IssueUserToken signs an HS256 bearer token for a numeric user id.
func IssueUserToken(secret []byte, userID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseUserID validates an HS256 bearer token and returns its numeric subject.
func ParseUserID(secret []byte, raw string) (int64, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, ErrExpiredToken
		}
		return 0, ErrInvalidToken
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return 0, ErrInvalidToken
	}
	return userID, nil
}
