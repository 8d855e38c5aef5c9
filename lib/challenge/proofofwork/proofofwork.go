// Package proofofwork issues signed challenge bundles and verifies the
// solutions clients submit for them.
package proofofwork

import "strings"

// HasLeadingZeros reports whether hash starts with difficulty '0' hex
// characters. A difficulty of zero or less always matches.
func HasLeadingZeros(hash string, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}

	if len(hash) < difficulty {
		return false
	}

	return strings.Count(hash[:difficulty], "0") == difficulty
}
