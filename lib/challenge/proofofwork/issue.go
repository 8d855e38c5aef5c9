package proofofwork

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/TecharoHQ/commenthash"
	"github.com/TecharoHQ/commenthash/internal"
	chall "github.com/TecharoHQ/commenthash/lib/challenge"
)

const (
	challengeBytes = 32
	uniqueStrBytes = 16
)

// Issuer creates challenge bundles. The zero value reads from crypto/rand
// and the wall clock. An Issuer has no mutable state and is safe for
// concurrent use.
type Issuer struct {
	// Rand is the source of challenge randomness. It must be
	// cryptographically secure outside of tests.
	Rand io.Reader

	// Now returns the current time.
	Now func() time.Time
}

func (i Issuer) rand() io.Reader {
	if i.Rand == nil {
		return rand.Reader
	}
	return i.Rand
}

func (i Issuer) now() time.Time {
	if i.Now == nil {
		return time.Now()
	}
	return i.Now()
}

func randomHex(rdr io.Reader, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rdr, buf); err != nil {
		return "", fmt.Errorf("%w: %w", chall.ErrRandomness, err)
	}

	return hex.EncodeToString(buf), nil
}

// Issue creates a new bundle signed with secretKey.
func (i Issuer) Issue(secretKey string) (*chall.Bundle, error) {
	challenge, err := randomHex(i.rand(), challengeBytes)
	if err != nil {
		return nil, err
	}

	uniqueStr, err := randomHex(i.rand(), uniqueStrBytes)
	if err != nil {
		return nil, err
	}

	result := &chall.Bundle{
		Challenge: challenge,
		UniqueStr: uniqueStr,
		Timestamp: i.now().UTC().Truncate(time.Second).Format(commenthash.TimestampLayout),
	}

	result.Digest, err = Sign(secretKey, *result)
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Sign computes the digest of b under secretKey. b.Digest is ignored.
func Sign(secretKey string, b chall.Bundle) (string, error) {
	digest, err := internal.HMACSHA256sum(secretKey, b.SignedData())
	if err != nil {
		return "", fmt.Errorf("proofofwork: can't sign challenge: %w", err)
	}

	return digest, nil
}
