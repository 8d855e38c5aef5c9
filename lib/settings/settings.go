// Package settings holds the operator-controlled values the server reads on
// every request: the signing secret, difficulty, and maximum challenge age.
package settings

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/TecharoHQ/commenthash/internal"
	"github.com/TecharoHQ/commenthash/lib/challenge/proofofwork"
)

const (
	MinDifficulty = 2
	MaxDifficulty = 5

	MinMaxAgeSeconds = 120
	MaxMaxAgeSeconds = 86400
)

var (
	ErrSecretKeyWrongLength = errors.New("settings: secret key has the wrong length")
	ErrSecretKeyBadCharset  = errors.New("settings: secret key has characters outside the allowed set")
	ErrDifficultyOutOfRange = errors.New("settings: difficulty out of range")
	ErrMaxAgeOutOfRange     = errors.New("settings: max age out of range")
)

type Settings struct {
	SecretKey   string        `json:"secret_key"`
	KeyID       string        `json:"key_id"`
	Difficulty  int           `json:"difficulty"`
	MaxAge      time.Duration `json:"max_age"`
	AdminBypass bool          `json:"admin_bypass"`
}

func (s Settings) Valid() error {
	var errs []error

	if len(s.SecretKey) != internal.SecretKeyLength {
		errs = append(errs, fmt.Errorf("%w: wanted %d characters, got: %d", ErrSecretKeyWrongLength, internal.SecretKeyLength, len(s.SecretKey)))
	}

	if strings.Trim(s.SecretKey, internal.SecretKeyCharset) != "" {
		errs = append(errs, ErrSecretKeyBadCharset)
	}

	if s.Difficulty < MinDifficulty || s.Difficulty > MaxDifficulty {
		errs = append(errs, fmt.Errorf("%w: wanted %d to %d, got: %d", ErrDifficultyOutOfRange, MinDifficulty, MaxDifficulty, s.Difficulty))
	}

	if secs := s.MaxAge / time.Second; secs < MinMaxAgeSeconds || secs > MaxMaxAgeSeconds || s.MaxAge%time.Second != 0 {
		errs = append(errs, fmt.Errorf("%w: wanted whole seconds from %d to %d, got: %s", ErrMaxAgeOutOfRange, MinMaxAgeSeconds, MaxMaxAgeSeconds, s.MaxAge))
	}

	if len(errs) != 0 {
		return fmt.Errorf("settings: invalid: %w", errors.Join(errs...))
	}

	return nil
}

// Params is the verifier's view of these settings.
func (s Settings) Params() proofofwork.Params {
	return proofofwork.Params{
		SecretKey:  s.SecretKey,
		Difficulty: s.Difficulty,
		MaxAge:     s.MaxAge,
	}
}

// ClampMaxAge forces an administrator supplied max age into bounds.
func ClampMaxAge(seconds int) int {
	return min(max(seconds, MinMaxAgeSeconds), MaxMaxAgeSeconds)
}

// ClampDifficulty forces an administrator supplied difficulty into bounds.
func ClampDifficulty(difficulty int) int {
	return min(max(difficulty, MinDifficulty), MaxDifficulty)
}

func (s *Settings) clamp() {
	s.Difficulty = ClampDifficulty(s.Difficulty)
	s.MaxAge = time.Duration(ClampMaxAge(int(s.MaxAge/time.Second))) * time.Second
}
