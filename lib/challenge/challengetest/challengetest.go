// Package challengetest has fixtures for tests that need issued or solved
// challenges.
package challengetest

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/TecharoHQ/commenthash/internal"
	"github.com/TecharoHQ/commenthash/lib/challenge"
	"github.com/TecharoHQ/commenthash/lib/challenge/proofofwork"
)

// Fixture values with a known HMAC under FixtureSecret.
const (
	FixtureSecret    = "testkey"
	FixtureTimestamp = "2024-01-01 00:00:00"
)

var (
	FixtureChallenge = strings.Repeat("aa", 32)
	FixtureUniqueStr = strings.Repeat("bb", 16)

	// FixtureIssuedAt is FixtureTimestamp as a time.Time.
	FixtureIssuedAt = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
)

// Fixture returns the fixture bundle signed with secret.
func Fixture(t testing.TB, secret string) challenge.Bundle {
	t.Helper()

	b := challenge.Bundle{
		Challenge: FixtureChallenge,
		UniqueStr: FixtureUniqueStr,
		Timestamp: FixtureTimestamp,
	}

	digest, err := internal.HMACSHA256sum(secret, b.SignedData())
	if err != nil {
		t.Fatal(err)
	}
	b.Digest = digest

	return b
}

// New issues a fresh bundle signed with secret at now.
func New(t testing.TB, secret string, now time.Time) challenge.Bundle {
	t.Helper()

	b, err := proofofwork.Issuer{Now: func() time.Time { return now }}.Issue(secret)
	if err != nil {
		t.Fatal(err)
	}

	return *b
}

// Solve brute-forces the smallest nonce at or above zero satisfying
// difficulty. Keep difficulty small.
func Solve(t testing.TB, b challenge.Bundle, difficulty int) challenge.Proof {
	t.Helper()

	for nonce := uint64(0); ; nonce++ {
		p := challenge.Proof{Bundle: b, Nonce: strconv.FormatUint(nonce, 10)}
		if proofofwork.HasLeadingZeros(internal.SHA256sum(p.WorkData()), difficulty) {
			return p
		}

		if nonce > 1<<24 {
			t.Fatalf("no nonce found for difficulty %d after %d attempts", difficulty, nonce)
		}
	}
}
