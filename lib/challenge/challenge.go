package challenge

import (
	"net/url"
	"strings"

	"github.com/TecharoHQ/commenthash"
)

// Bundle is a single challenge issuance. It is handed to the client and
// never stored server side: Digest binds the other three fields to the
// server secret so the verifier can trust them when they come back.
type Bundle struct {
	Challenge string `json:"challenge"` // 32 random bytes, lowercase hex
	UniqueStr string `json:"uniqueStr"` // 16 random bytes, lowercase hex
	Timestamp string `json:"timestamp"` // UTC issuance time, commenthash.TimestampLayout
	Digest    string `json:"digest"`    // hex HMAC-SHA256 of Challenge+UniqueStr+Timestamp
}

// SignedData is the message the digest is computed over.
func (b Bundle) SignedData() string {
	return b.Challenge + b.UniqueStr + b.Timestamp
}

// Proof is a solved Bundle as submitted by the client.
type Proof struct {
	Bundle
	Nonce string `json:"nonce"` // decimal, non-negative
}

// WorkData is the message whose SHA-256 must have the leading zeros.
func (p Proof) WorkData() string {
	return p.Challenge + p.UniqueStr + p.Timestamp + p.Nonce
}

// ProofFromForm reads a Proof out of submitted form values. Values are
// trimmed of surrounding whitespace.
func ProofFromForm(form url.Values) Proof {
	get := func(key string) string {
		return strings.TrimSpace(form.Get(key))
	}

	return Proof{
		Bundle: Bundle{
			Challenge: get(commenthash.FormChallenge),
			UniqueStr: get(commenthash.FormUniqueStr),
			Timestamp: get(commenthash.FormTimestamp),
			Digest:    get(commenthash.FormDigest),
		},
		Nonce: get(commenthash.FormNonce),
	}
}

// Form encodes the Proof as the form fields a submission carries.
func (p Proof) Form() url.Values {
	return url.Values{
		commenthash.FormChallenge: {p.Challenge},
		commenthash.FormUniqueStr: {p.UniqueStr},
		commenthash.FormTimestamp: {p.Timestamp},
		commenthash.FormDigest:    {p.Digest},
		commenthash.FormNonce:     {p.Nonce},
	}
}
