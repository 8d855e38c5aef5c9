package challenge

import (
	"errors"
	"fmt"
	"net/http"
)

// Reason names the verification stage that rejected a submission. Reasons are
// for logs and metrics only and are never shown to the submitter.
type Reason string

const (
	ReasonMissingFields      Reason = "MissingFields"
	ReasonMalformedField     Reason = "MalformedField"
	ReasonExpired            Reason = "Expired"
	ReasonTamperedChallenge  Reason = "TamperedChallenge"
	ReasonInvalidProofOfWork Reason = "InvalidProofOfWork"
	ReasonReplayed           Reason = "Replayed"
)

var (
	ErrMissingFields      = errors.New("challenge: missing field")
	ErrMalformedField     = errors.New("challenge: field has invalid format")
	ErrExpired            = errors.New("challenge: challenge expired")
	ErrTamperedChallenge  = errors.New("challenge: digest does not match challenge data")
	ErrInvalidProofOfWork = errors.New("challenge: hash does not have enough leading zeros")
	ErrReplayed           = errors.New("challenge: proof was already used")

	// ErrRandomness is returned when the secure random source fails while
	// issuing a challenge.
	ErrRandomness = errors.New("challenge: can't read from secure random source")
)

var sentinels = map[Reason]error{
	ReasonMissingFields:      ErrMissingFields,
	ReasonMalformedField:     ErrMalformedField,
	ReasonExpired:            ErrExpired,
	ReasonTamperedChallenge:  ErrTamperedChallenge,
	ReasonInvalidProofOfWork: ErrInvalidProofOfWork,
	ReasonReplayed:           ErrReplayed,
}

// Reasons lists every rejection reason in pipeline order.
func Reasons() []Reason {
	return []Reason{
		ReasonMissingFields,
		ReasonMalformedField,
		ReasonExpired,
		ReasonTamperedChallenge,
		ReasonInvalidProofOfWork,
		ReasonReplayed,
	}
}

// PublicReason is the only thing a rejected submitter learns. It is a
// localization message ID.
const PublicReason = "validation_failed"

// Reject builds the error for a failed verification stage. detail is
// optional and only ends up in logs.
func Reject(reason Reason, detail string) *Error {
	private := sentinels[reason]
	if detail != "" {
		private = fmt.Errorf("%w: %s", private, detail)
	}

	return &Error{
		Reason:        reason,
		PrivateReason: private,
		PublicReason:  PublicReason,
		StatusCode:    http.StatusForbidden,
	}
}

type Error struct {
	PrivateReason error
	Reason        Reason
	PublicReason  string
	StatusCode    int
}

func (e *Error) Error() string {
	return fmt.Sprintf("challenge: submission rejected: %s: %v", e.Reason, e.PrivateReason)
}

func (e *Error) Unwrap() error {
	return e.PrivateReason
}

// ReasonOf extracts the rejection reason from err, or "" if err is not a
// verification failure.
func ReasonOf(err error) Reason {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Reason
	}

	return ""
}
