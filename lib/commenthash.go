// Package lib is the HTTP side of commenthash. It issues challenges to
// comment forms and refuses comment submissions that don't carry a valid
// proof of work.
package lib

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/TecharoHQ/commenthash"
	"github.com/TecharoHQ/commenthash/internal"
	"github.com/TecharoHQ/commenthash/lib/challenge"
	"github.com/TecharoHQ/commenthash/lib/challenge/proofofwork"
	"github.com/TecharoHQ/commenthash/lib/localization"
	"github.com/TecharoHQ/commenthash/lib/settings"
	"github.com/felixge/httpsnoop"
)

// maxFormMemory bounds how much of a multipart comment form is held in memory.
const maxFormMemory = 1 << 20

// maxBodySize bounds a submission body. It is buffered whole so the form can
// be read here and again upstream.
const maxBodySize = 8 << 20

// spentPrefix namespaces replay guard keys in a shared store.
const spentPrefix = "spent:"

type Server struct {
	next   http.Handler
	mux    *http.ServeMux
	opts   Options
	issuer proofofwork.Issuer
	now    func() time.Time
}

// ClientSettings are what a solver needs to know besides the bundle itself.
type ClientSettings struct {
	Difficulty int    `json:"difficulty"`
	NonceRange uint64 `json:"nonceRange"`
}

func (s *Server) settings() (settings.Settings, error) {
	cur, ok := s.opts.Settings.Current()
	if !ok {
		return settings.Settings{}, settings.ErrNotLoaded
	}

	return cur, nil
}

// IssueChallenge signs a fresh bundle with the current secret key. Embed it in
// the comment form.
func (s *Server) IssueChallenge() (*challenge.Bundle, error) {
	cur, err := s.settings()
	if err != nil {
		return nil, err
	}

	b, err := s.issuer.Issue(cur.SecretKey)
	if err != nil {
		return nil, err
	}

	challenge.Issued.Inc()
	return b, nil
}

// VerifySubmission decides whether a comment submission may be stored. A
// rejection is a *challenge.Error. Any other error means the server could not
// decide and the submission should be refused with a 500.
//
// The request body is left readable for whatever handles the submission next.
func (s *Server) VerifySubmission(r *http.Request) error {
	_, err := s.verify(r)
	return err
}

// verify is VerifySubmission that also returns the replay guard key it
// recorded, if any.
func (s *Server) verify(r *http.Request) (string, error) {
	lg := internal.GetRequestLogger(r)

	cur, err := s.settings()
	if err != nil {
		return "", err
	}

	if cur.AdminBypass && s.opts.IsPrivileged != nil && s.opts.IsPrivileged(r) {
		lg.Debug("privileged user skipped verification")
		challenge.AdminBypasses.Inc()
		return "", nil
	}

	form, err := parseForm(r)
	if err != nil {
		return "", err
	}

	p := challenge.ProofFromForm(form)
	now := s.now()

	if err := proofofwork.Verify(p, cur.Params(), now); err != nil {
		return "", err
	}

	var key string
	if s.opts.ReplayStore != nil {
		key = spentPrefix + internal.FastHash(p.Digest+":"+p.Nonce)

		fresh, err := s.opts.ReplayStore.SetIfAbsent(r.Context(), key, []byte(p.Timestamp), cur.MaxAge+time.Second)
		if err != nil {
			return "", fmt.Errorf("lib: can't record spent proof: %w", err)
		}

		if !fresh {
			return "", challenge.Reject(challenge.ReasonReplayed, "")
		}
	}

	if issued, err := time.ParseInLocation(commenthash.TimestampLayout, p.Timestamp, time.UTC); err == nil {
		challenge.SolveAge.Observe(max(now.Sub(issued).Seconds(), 0))
	}

	challenge.Validated.Inc()
	return key, nil
}

// parseForm reads the submitted form from a copy of the body and puts a fresh
// reader over the same bytes back on r.
func parseForm(r *http.Request) (url.Values, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return url.Values{}, nil
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(buf))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}

	if err != nil {
		return nil, challenge.Reject(challenge.ReasonMissingFields, fmt.Sprintf("can't read body: %v", err))
	}

	if len(buf) > maxBodySize {
		return nil, challenge.Reject(challenge.ReasonMalformedField, fmt.Sprintf("body is larger than %d bytes", maxBodySize))
	}

	pr := r.Clone(r.Context())
	pr.Body = io.NopCloser(bytes.NewReader(buf))

	if err := pr.ParseMultipartForm(maxFormMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return nil, challenge.Reject(challenge.ReasonMissingFields, fmt.Sprintf("can't parse form: %v", err))
	}

	if pr.MultipartForm != nil {
		pr.MultipartForm.RemoveAll()
	}

	return pr.PostForm, nil
}

// Protect verifies POST, PUT, and PATCH requests before passing them to next.
// Other methods pass through untouched.
//
// When next answers a verified submission with a 5xx, its proof is released
// from the replay guard so the commenter can resubmit it.
func (s *Server) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
		default:
			next.ServeHTTP(w, r)
			return
		}

		lg := internal.GetRequestLogger(r)

		key, err := s.verify(r)
		if err != nil {
			var cerr *challenge.Error
			if !errors.As(err, &cerr) {
				lg.Error("can't verify submission", "err", err)
				s.respondWithError(w, r, localization.GetLocalizer(r).T("validation_failed"))
				return
			}

			challenge.FailedValidations.WithLabelValues(string(cerr.Reason)).Inc()
			lg.Debug("submission rejected", "reason", cerr.Reason, "err", cerr)
			s.respondWithRejection(w, r, cerr.StatusCode)
			return
		}

		m := httpsnoop.CaptureMetrics(next, w, r)
		if key == "" || m.Code < http.StatusInternalServerError {
			return
		}

		if err := s.opts.ReplayStore.Delete(context.WithoutCancel(r.Context()), key); err != nil {
			lg.Error("can't release spent proof", "err", err)
			return
		}

		lg.Debug("released spent proof after upstream failure", "status", m.Code)
	})
}

func (s *Server) MakeChallenge(w http.ResponseWriter, r *http.Request) {
	lg := internal.GetRequestLogger(r)
	encoder := json.NewEncoder(w)
	w.Header().Set("Content-Type", "application/json")

	b, err := s.IssueChallenge()
	if err != nil {
		lg.Error("can't issue challenge", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		if err := encoder.Encode(struct {
			Error string `json:"error"`
		}{
			Error: localization.GetLocalizer(r).T("challenge_error"),
		}); err != nil {
			lg.Error("failed to encode error response", "err", err)
		}
		return
	}

	if err := encoder.Encode(b); err != nil {
		lg.Error("failed to encode challenge", "err", err)
		return
	}

	lg.Debug("issued challenge", "timestamp", b.Timestamp)
}

func (s *Server) ClientSettings(w http.ResponseWriter, r *http.Request) {
	lg := internal.GetRequestLogger(r)

	cur, err := s.settings()
	if err != nil {
		lg.Error("can't read settings", "err", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ClientSettings{
		Difficulty: cur.Difficulty,
		NonceRange: commenthash.NonceRange,
	}); err != nil {
		lg.Error("failed to encode client settings", "err", err)
	}
}
