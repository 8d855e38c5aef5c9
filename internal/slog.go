package internal

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
)

// ParseLevel turns a level name like "debug" or "WARN" into a slog.Level,
// falling back to info when the name is not recognized.
func ParseLevel(level string) (slog.Level, error) {
	var programLevel slog.Level
	if err := (&programLevel).UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	return programLevel, nil
}

// NewLogger builds the JSON logger every commenthash binary writes with.
func NewLogger(w io.Writer, level string) *slog.Logger {
	programLevel, err := ParseLevel(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v, using info\n", err)
	}

	leveler := &slog.LevelVar{}
	leveler.Set(programLevel)

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: true,
		Level:     leveler,
	}))
}

func InitSlog(level string) {
	slog.SetDefault(NewLogger(os.Stderr, level))
}

// GetRequestLogger returns the default logger annotated with the request
// details that matter when looking into a rejected submission.
func GetRequestLogger(r *http.Request) *slog.Logger {
	return slog.With(
		"host", r.Host,
		"method", r.Method,
		"path", r.URL.Path,
		"user_agent", r.UserAgent(),
		"accept_language", r.Header.Get("Accept-Language"),
		"x-forwarded-for", r.Header.Get("X-Forwarded-For"),
		"x-real-ip", r.Header.Get("X-Real-Ip"),
	)
}
