package internal

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrEmptyKey    = errors.New("internal: HMAC key is empty")
	ErrInvalidUTF8 = errors.New("internal: input is not valid UTF-8")
)

// SHA256sum computes a cryptographic hash. Used for proof-of-work challenges
// where we need the security properties of a cryptographic hash function.
func SHA256sum(text string) string {
	hash := sha256.New()
	hash.Write([]byte(text))
	return hex.EncodeToString(hash.Sum(nil))
}

// HMACSHA256sum computes the hex-encoded HMAC-SHA256 of message keyed by key.
func HMACSHA256sum(key, message string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}

	if !utf8.ValidString(key) || !utf8.ValidString(message) {
		return "", ErrInvalidUTF8
	}

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// FastHash is a high-performance non-cryptographic hash function suitable for
// internal caching and other performance-critical use cases where
// cryptographic security is not required.
func FastHash(text string) string {
	h := xxhash.Sum64String(text)
	return strconv.FormatUint(h, 16)
}
