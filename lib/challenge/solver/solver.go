// Package solver is the client side of the protocol: a brute-force search for
// a nonce that gives a challenge's work hash enough leading zeros.
//
// The server never trusts the solver. It re-derives the hash of whatever
// nonce gets submitted.
package solver

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/TecharoHQ/commenthash"
	"github.com/TecharoHQ/commenthash/internal"
	"github.com/TecharoHQ/commenthash/lib/challenge"
	"github.com/TecharoHQ/commenthash/lib/challenge/proofofwork"
)

// ProgressInterval is how many attempts pass between progress reports.
const ProgressInterval = 1000

var (
	// ErrExhausted is returned when every nonce in the range has been tried
	// without a match. The caller should request a fresh challenge.
	ErrExhausted = errors.New("solver: nonce range exhausted without a match")

	ErrBadInput = errors.New("solver: invalid input")
)

// Input is the part of a challenge bundle the solver needs.
type Input struct {
	Challenge  string
	UniqueStr  string
	Timestamp  string
	Difficulty int

	// NonceRange is the size of the nonce space. Zero means
	// commenthash.NonceRange.
	NonceRange uint64
}

// InputFor builds an Input from a bundle.
func InputFor(b challenge.Bundle, difficulty int, nonceRange uint64) Input {
	return Input{
		Challenge:  b.Challenge,
		UniqueStr:  b.UniqueStr,
		Timestamp:  b.Timestamp,
		Difficulty: difficulty,
		NonceRange: nonceRange,
	}
}

// Progress is a periodic report from a running search.
type Progress struct {
	Nonce    uint64 // the next nonce to try
	Attempts uint64
	LastHash string
}

type options struct {
	start      *uint64
	onProgress func(Progress)
}

// Option customizes a search.
type Option func(*options)

// WithStart fixes the starting nonce instead of picking a random one. It is
// reduced modulo the nonce range.
func WithStart(nonce uint64) Option {
	return func(o *options) {
		o.start = &nonce
	}
}

// WithProgress registers a callback run on the searching goroutine every
// ProgressInterval attempts. It must not block for long.
func WithProgress(fn func(Progress)) Option {
	return func(o *options) {
		o.onProgress = fn
	}
}

// Search looks for a nonce satisfying in.Difficulty. It starts at a random
// point of the nonce range so clients solving the same kind of challenge don't
// all begin at zero, and wraps around at the end of the range.
//
// The context is checked every ProgressInterval attempts. If it is done,
// Search returns its error. If the whole range is tried, Search returns
// ErrExhausted.
func Search(ctx context.Context, in Input, opts ...Option) (uint64, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	if in.Difficulty > 64 {
		return 0, fmt.Errorf("%w: difficulty %d can't be satisfied by a 64 digit hash", ErrBadInput, in.Difficulty)
	}

	nonceRange := in.NonceRange
	if nonceRange == 0 {
		nonceRange = commenthash.NonceRange
	}

	var nonce uint64
	if o.start != nil {
		nonce = *o.start % nonceRange
	} else {
		nonce = rand.Uint64N(nonceRange)
	}

	prefix := in.Challenge + in.UniqueStr + in.Timestamp
	buf := make([]byte, 0, len(prefix)+20)

	for attempts := uint64(1); attempts <= nonceRange; attempts++ {
		buf = strconv.AppendUint(append(buf[:0], prefix...), nonce, 10)
		hash := internal.SHA256sum(string(buf))

		if proofofwork.HasLeadingZeros(hash, in.Difficulty) {
			return nonce, nil
		}

		nonce++
		if nonce == nonceRange {
			nonce = 0
		}

		if attempts%ProgressInterval == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}

			if o.onProgress != nil {
				o.onProgress(Progress{
					Nonce:    nonce,
					Attempts: attempts,
					LastHash: hash,
				})
			}
		}
	}

	return 0, fmt.Errorf("%w: tried %d nonces", ErrExhausted, nonceRange)
}

// Proof completes a bundle with a found nonce.
func Proof(b challenge.Bundle, nonce uint64) challenge.Proof {
	return challenge.Proof{
		Bundle: b,
		Nonce:  strconv.FormatUint(nonce, 10),
	}
}
