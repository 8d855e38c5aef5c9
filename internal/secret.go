package internal

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

// SecretKeyCharset is the set of characters secret keys are drawn from.
const SecretKeyCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*()_+-=[]{}|;:,.<>?"

// SecretKeyLength is the length of generated secret keys.
const SecretKeyLength = 64

// GenerateSecretKey creates a new secret key using crypto/rand.
func GenerateSecretKey() (string, error) {
	return GenerateSecretKeyFrom(rand.Reader)
}

// GenerateSecretKeyFrom creates a new secret key reading randomness from rdr.
// Every character is chosen uniformly from SecretKeyCharset.
func GenerateSecretKeyFrom(rdr io.Reader) (string, error) {
	max := big.NewInt(int64(len(SecretKeyCharset)))
	result := make([]byte, SecretKeyLength)

	for i := range result {
		n, err := rand.Int(rdr, max)
		if err != nil {
			return "", fmt.Errorf("can't generate secret key: %w", err)
		}
		result[i] = SecretKeyCharset[n.Int64()]
	}

	return string(result), nil
}
