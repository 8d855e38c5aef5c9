package internal

import (
	"log"
	"os"
	"strings"
)

// suppressedHTTPErrors are http.Server error log fragments that only mean the
// client went away. Solver clients often abandon requests when they restart.
var suppressedHTTPErrors = []string{
	"context canceled",
	"broken pipe",
}

// ErrorLogFilter is used to suppress client disconnect logs from the http server when a request is canceled.
type ErrorLogFilter struct {
	Unwrap *log.Logger
}

func (elf *ErrorLogFilter) Write(p []byte) (n int, err error) {
	logMessage := string(p)
	for _, fragment := range suppressedHTTPErrors {
		if strings.Contains(logMessage, fragment) {
			return len(p), nil
		}
	}
	if elf.Unwrap != nil {
		return elf.Unwrap.Writer().Write(p)
	}
	return len(p), nil
}

func GetFilteredHTTPLogger() *log.Logger {
	stdErrLogger := log.New(os.Stderr, "", log.LstdFlags) // essentially what the default logger is.
	return log.New(&ErrorLogFilter{Unwrap: stdErrLogger}, "", 0)
}
