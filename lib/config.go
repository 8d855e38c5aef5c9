package lib

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/TecharoHQ/commenthash"
	"github.com/TecharoHQ/commenthash/internal"
	"github.com/TecharoHQ/commenthash/lib/challenge/proofofwork"
	"github.com/TecharoHQ/commenthash/lib/settings"
	"github.com/TecharoHQ/commenthash/lib/store"
)

var (
	ErrNoSettings = errors.New("lib: Options.Settings is required")
)

type Options struct {
	// Next receives requests that are not challenge API calls. Form
	// submissions only reach it after passing verification.
	Next http.Handler

	// Settings must already be loaded.
	Settings *settings.Store

	// ReplayStore records accepted proofs so each can be used once. Nil
	// disables replay protection.
	ReplayStore store.Interface

	// IsPrivileged reports whether a request comes from an administrator.
	// It only matters when the admin bypass setting is on.
	IsPrivileged func(*http.Request) bool

	BasePrefix      string
	StripBasePrefix bool
	WebmasterEmail  string
}

func New(opts Options) (*Server, error) {
	if opts.Settings == nil {
		return nil, ErrNoSettings
	}

	if _, ok := opts.Settings.Current(); !ok {
		return nil, fmt.Errorf("lib: can't start: %w", settings.ErrNotLoaded)
	}

	commenthash.BasePrefix = opts.BasePrefix

	result := &Server{
		next:   opts.Next,
		opts:   opts,
		issuer: proofofwork.Issuer{},
		now:    time.Now,
	}

	if result.next == nil {
		slog.Debug("no upstream handler configured, only the challenge API is served")
		result.next = http.NotFoundHandler()
	}

	mux := http.NewServeMux()

	// Helper to add global prefix
	registerWithPrefix := func(pattern string, handler http.Handler, method string) {
		if method != "" {
			method = method + " " // methods must end with a space to register with them
		}

		// Ensure there's no double slash when concatenating BasePrefix and pattern
		basePrefix := strings.TrimSuffix(commenthash.BasePrefix, "/")
		prefix := method + basePrefix

		// If pattern doesn't start with a slash, add one
		if !strings.HasPrefix(pattern, "/") {
			pattern = "/" + pattern
		}

		mux.Handle(prefix+pattern, handler)
	}

	makeChallenge := internal.NoStoreCache(http.HandlerFunc(result.MakeChallenge))
	registerWithPrefix(commenthash.APIPrefix+"challenge", makeChallenge, "GET")
	registerWithPrefix(commenthash.APIPrefix+"challenge", makeChallenge, "POST")
	registerWithPrefix(commenthash.APIPrefix+"client-settings", http.HandlerFunc(result.ClientSettings), "GET")
	mux.Handle("/", result.Protect(http.HandlerFunc(result.serveHTTPNext)))

	result.mux = mux

	return result, nil
}
