package proofofwork

import (
	"crypto/subtle"
	"fmt"
	"regexp"
	"time"

	"github.com/TecharoHQ/commenthash"
	"github.com/TecharoHQ/commenthash/internal"
	chall "github.com/TecharoHQ/commenthash/lib/challenge"
)

var (
	challengeRegexp = regexp.MustCompile(`^[a-f0-9]{64}$`)
	uniqueStrRegexp = regexp.MustCompile(`^[a-f0-9]{32}$`)
	timestampRegexp = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`)
	nonceRegexp     = regexp.MustCompile(`^[0-9]+$`)
)

// Params are the server-side inputs to verification. They come from the
// settings store on every call.
type Params struct {
	SecretKey  string
	Difficulty int
	MaxAge     time.Duration
}

// Verify checks a submitted proof. The checks run in a fixed order and the
// first failure is returned as a *challenge.Error:
//
//  1. all fields are present
//  2. every field is well formed
//  3. the timestamp is no older than MaxAge at now
//  4. the digest matches the challenge data under SecretKey
//  5. the work hash has Difficulty leading zeros
//
// Verify has no side effects. Verifying the same proof twice gives the same
// answer; rejecting reused proofs is up to the caller.
func Verify(p chall.Proof, params Params, now time.Time) error {
	if p.Challenge == "" || p.UniqueStr == "" || p.Timestamp == "" || p.Digest == "" || p.Nonce == "" {
		return chall.Reject(chall.ReasonMissingFields, "")
	}

	switch {
	case !challengeRegexp.MatchString(p.Challenge):
		return chall.Reject(chall.ReasonMalformedField, "challenge")
	case !uniqueStrRegexp.MatchString(p.UniqueStr):
		return chall.Reject(chall.ReasonMalformedField, "unique_str")
	case !timestampRegexp.MatchString(p.Timestamp):
		return chall.Reject(chall.ReasonMalformedField, "timestamp")
	case !nonceRegexp.MatchString(p.Nonce):
		return chall.Reject(chall.ReasonMalformedField, "nonce")
	}

	issuedAt, err := time.ParseInLocation(commenthash.TimestampLayout, p.Timestamp, time.UTC)
	if err != nil {
		return chall.Reject(chall.ReasonExpired, fmt.Sprintf("can't parse timestamp: %v", err))
	}

	// Only the age is bounded. A timestamp ahead of now is clock skew.
	if age := now.Sub(issuedAt); age > params.MaxAge {
		return chall.Reject(chall.ReasonExpired, fmt.Sprintf("challenge is %s old, max age is %s", age, params.MaxAge))
	}

	calculated, err := Sign(params.SecretKey, p.Bundle)
	if err != nil {
		return chall.Reject(chall.ReasonTamperedChallenge, err.Error())
	}

	if subtle.ConstantTimeCompare([]byte(calculated), []byte(p.Digest)) != 1 {
		return chall.Reject(chall.ReasonTamperedChallenge, "")
	}

	hash := internal.SHA256sum(p.WorkData())
	if !HasLeadingZeros(hash, params.Difficulty) {
		return chall.Reject(chall.ReasonInvalidProofOfWork, fmt.Sprintf("wanted %d leading zeros but got %s", params.Difficulty, hash))
	}

	return nil
}
