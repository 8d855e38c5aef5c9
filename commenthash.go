// Package commenthash contains the version number of commenthash and the
// constants shared between the server, the verifier and the client solver.
package commenthash

import "time"

// Version is the current version of commenthash.
//
// This variable is set at build time using the -X linker flag. If not set,
// it defaults to "devel".
var Version = "devel"

// BasePrefix is a global prefix for all commenthash endpoints. Set by lib.New.
var BasePrefix = ""

// APIPrefix is the path prefix of the challenge endpoints.
const APIPrefix = "/.within.website/x/cmd/commenthash/api/"

// DefaultDifficulty is the number of leading zero hex digits a client must
// find by default.
const DefaultDifficulty = 5

// DefaultMaxAge is how long an issued challenge stays acceptable by default.
const DefaultMaxAge = 2 * time.Hour

// NonceRange is the exclusive upper bound of the nonce space clients search.
const NonceRange uint64 = 10_000_000_000

// TimestampLayout is the wire format of challenge timestamps. It is always UTC
// and carries no sub-second data.
const TimestampLayout = "2006-01-02 15:04:05"

// Form fields that carry a solved challenge on a comment submission.
const (
	FormNonce     = "comment_pow_nonce"
	FormChallenge = "comment_pow_challenge"
	FormTimestamp = "comment_pow_timestamp"
	FormDigest    = "comment_pow_digest"
	FormUniqueStr = "comment_pow_unique_str"
)

// AdminCookieName is the cookie that may carry an administrator token.
var AdminCookieName = "commenthash-admin"
