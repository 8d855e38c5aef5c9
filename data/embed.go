package data

import (
	_ "embed"
)

// DefaultConfig is the configuration used when no config file is given.
//
//go:embed commenthash.yaml
var DefaultConfig []byte
