package lib

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/TecharoHQ/commenthash"
	"github.com/TecharoHQ/commenthash/internal"
	"github.com/TecharoHQ/commenthash/lib/challenge"
	"github.com/TecharoHQ/commenthash/lib/challenge/challengetest"
	"github.com/TecharoHQ/commenthash/lib/challenge/proofofwork"
	"github.com/TecharoHQ/commenthash/lib/settings"
	"github.com/TecharoHQ/commenthash/lib/store/memory"
)

func init() {
	internal.InitSlog("debug")
}

const testDifficulty = 2

func loadSettings(t *testing.T, mut func(*settings.Settings)) *settings.Store {
	t.Helper()

	st := settings.NewStore(memory.New(t.Context()))
	if _, err := st.Load(t.Context(), settings.Settings{
		Difficulty: testDifficulty,
		MaxAge:     10 * time.Minute,
	}); err != nil {
		t.Fatal(err)
	}

	if mut != nil {
		if _, err := st.Update(t.Context(), func(s *settings.Settings) error {
			mut(s)
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}

	return st
}

// upstream answers every request with "ok" and the path it saw.
var upstream = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Upstream-Path", r.URL.Path)
	io.WriteString(w, "ok")
})

func spawnServer(t *testing.T, opts Options) *Server {
	t.Helper()

	if opts.Settings == nil {
		opts.Settings = loadSettings(t, nil)
	}

	if opts.Next == nil {
		opts.Next = upstream
	}

	s, err := New(opts)
	if err != nil {
		t.Fatalf("can't construct lib.Server: %v", err)
	}

	return s
}

func fetchChallenge(t *testing.T, ts *httptest.Server, method string) challenge.Bundle {
	t.Helper()

	req, err := http.NewRequest(method, ts.URL+commenthash.APIPrefix+"challenge", nil)
	if err != nil {
		t.Fatalf("can't make request: %v", err)
	}

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("can't request challenge: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("wanted status 200, got: %d", resp.StatusCode)
	}

	var b challenge.Bundle
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		t.Fatalf("can't read challenge response body: %v", err)
	}

	return b
}

func submitForm(t *testing.T, ts *httptest.Server, form url.Values, mut func(*http.Request)) (*http.Response, string) {
	t.Helper()

	form.Set("comment", "first!")

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/comments", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("can't make request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if mut != nil {
		mut(req)
	}

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("can't submit form: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	return resp, string(body)
}

func badNonce(t *testing.T, b challenge.Bundle) string {
	t.Helper()

	for nonce := 0; ; nonce++ {
		p := challenge.Proof{Bundle: b, Nonce: strconv.Itoa(nonce)}
		if !proofofwork.HasLeadingZeros(internal.SHA256sum(p.WorkData()), testDifficulty) {
			return p.Nonce
		}
	}
}

func TestNew(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrNoSettings) {
		t.Errorf("wanted %v, got: %v", ErrNoSettings, err)
	}

	if _, err := New(Options{Settings: settings.NewStore(memory.New(t.Context()))}); !errors.Is(err, settings.ErrNotLoaded) {
		t.Errorf("wanted %v, got: %v", settings.ErrNotLoaded, err)
	}
}

func TestMakeChallenge(t *testing.T) {
	s := spawnServer(t, Options{})
	ts := httptest.NewServer(s)
	defer ts.Close()

	cur, _ := s.opts.Settings.Current()

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		t.Run(method, func(t *testing.T) {
			before := testutil.ToFloat64(challenge.Issued)
			b := fetchChallenge(t, ts, method)

			if got := testutil.ToFloat64(challenge.Issued) - before; got != 1 {
				t.Errorf("wanted issued counter to go up by 1, got: %v", got)
			}

			p := challengetest.Solve(t, b, testDifficulty)
			if err := proofofwork.Verify(p, cur.Params(), time.Now()); err != nil {
				t.Errorf("issued challenge does not verify: %v", err)
			}
		})
	}

	t.Run("no-store", func(t *testing.T) {
		resp, err := ts.Client().Get(ts.URL + commenthash.APIPrefix + "challenge")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		if got := resp.Header.Get("Cache-Control"); got != "no-store" {
			t.Errorf("wanted Cache-Control no-store, got: %q", got)
		}

		if got := resp.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("wanted JSON response, got: %q", got)
		}
	})
}

func TestMakeChallengeRandomnessFailure(t *testing.T) {
	s := spawnServer(t, Options{})
	s.issuer = proofofwork.Issuer{Rand: iotest.ErrReader(errors.New("entropy pool empty"))}

	rw := httptest.NewRecorder()
	s.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, commenthash.APIPrefix+"challenge", nil))

	if rw.Code != http.StatusInternalServerError {
		t.Errorf("wanted status 500, got: %d", rw.Code)
	}

	var resp struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(rw.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == "" {
		t.Error("wanted an error message")
	}

	// The next request is unaffected.
	s.issuer = proofofwork.Issuer{}
	if _, err := s.IssueChallenge(); err != nil {
		t.Errorf("issuance did not recover: %v", err)
	}
}

func TestClientSettings(t *testing.T) {
	s := spawnServer(t, Options{})

	rw := httptest.NewRecorder()
	s.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, commenthash.APIPrefix+"client-settings", nil))

	var got ClientSettings
	if err := json.NewDecoder(rw.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}

	want := ClientSettings{Difficulty: testDifficulty, NonceRange: commenthash.NonceRange}
	if got != want {
		t.Errorf("wanted %+v, got: %+v", want, got)
	}
}

func TestProtect(t *testing.T) {
	s := spawnServer(t, Options{})
	ts := httptest.NewServer(s)
	defer ts.Close()

	for _, tt := range []struct {
		name   string
		form   func(t *testing.T) url.Values
		later  time.Duration
		status int
		reason challenge.Reason
	}{
		{
			name: "solved",
			form: func(t *testing.T) url.Values {
				return challengetest.Solve(t, fetchChallenge(t, ts, http.MethodGet), testDifficulty).Form()
			},
			status: http.StatusOK,
		},
		{
			name:   "no proof fields",
			form:   func(*testing.T) url.Values { return url.Values{} },
			status: http.StatusForbidden,
			reason: challenge.ReasonMissingFields,
		},
		{
			name: "uppercase challenge",
			form: func(t *testing.T) url.Values {
				p := challengetest.Solve(t, fetchChallenge(t, ts, http.MethodGet), testDifficulty)
				p.Challenge = strings.ToUpper(p.Challenge)
				return p.Form()
			},
			status: http.StatusForbidden,
			reason: challenge.ReasonMalformedField,
		},
		{
			name: "too old",
			form: func(t *testing.T) url.Values {
				return challengetest.Solve(t, fetchChallenge(t, ts, http.MethodGet), testDifficulty).Form()
			},
			later:  11 * time.Minute,
			status: http.StatusForbidden,
			reason: challenge.ReasonExpired,
		},
		{
			name: "signed with another key",
			form: func(t *testing.T) url.Values {
				b := challengetest.New(t, "not the server key", time.Now())
				return challengetest.Solve(t, b, testDifficulty).Form()
			},
			status: http.StatusForbidden,
			reason: challenge.ReasonTamperedChallenge,
		},
		{
			name: "wrong nonce",
			form: func(t *testing.T) url.Values {
				b := fetchChallenge(t, ts, http.MethodGet)
				return challenge.Proof{Bundle: b, Nonce: badNonce(t, b)}.Form()
			},
			status: http.StatusForbidden,
			reason: challenge.ReasonInvalidProofOfWork,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			s.now = func() time.Time { return time.Now().Add(tt.later) }
			t.Cleanup(func() { s.now = time.Now })

			var before float64
			if tt.reason != "" {
				before = testutil.ToFloat64(challenge.FailedValidations.WithLabelValues(string(tt.reason)))
			}

			resp, body := submitForm(t, ts, tt.form(t), nil)
			if resp.StatusCode != tt.status {
				t.Fatalf("wanted status %d, got: %d\n%s", tt.status, resp.StatusCode, body)
			}

			if tt.status == http.StatusOK {
				if body != "ok" {
					t.Errorf("upstream did not answer, body: %q", body)
				}
				return
			}

			if !strings.Contains(body, "Your comment could not be verified.") {
				t.Errorf("rejection page missing its message:\n%s", body)
			}

			for _, r := range challenge.Reasons() {
				if strings.Contains(body, string(r)) {
					t.Errorf("rejection page leaks reason %s", r)
				}
			}

			if got := testutil.ToFloat64(challenge.FailedValidations.WithLabelValues(string(tt.reason))) - before; got != 1 {
				t.Errorf("wanted %s failures to go up by 1, got: %v", tt.reason, got)
			}
		})
	}
}

func TestProtectPassesSafeMethods(t *testing.T) {
	s := spawnServer(t, Options{})

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodDelete, http.MethodOptions} {
		rw := httptest.NewRecorder()
		s.ServeHTTP(rw, httptest.NewRequest(method, "/comments", nil))

		if rw.Code != http.StatusOK {
			t.Errorf("%s: wanted status 200, got: %d", method, rw.Code)
		}
	}
}

func TestProtectLocalizedRejection(t *testing.T) {
	s := spawnServer(t, Options{WebmasterEmail: "webmaster@example.com"})
	ts := httptest.NewServer(s)
	defer ts.Close()

	resp, body := submitForm(t, ts, url.Values{}, func(r *http.Request) {
		r.Header.Set("Accept-Language", "de")
	})

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("wanted status 403, got: %d", resp.StatusCode)
	}

	for _, want := range []string{"Dein Kommentar konnte nicht überprüft werden.", "mailto:webmaster@example.com"} {
		if !strings.Contains(body, want) {
			t.Errorf("body does not contain %q:\n%s", want, body)
		}
	}
}

func TestProtectMultipart(t *testing.T) {
	s := spawnServer(t, Options{})
	ts := httptest.NewServer(s)
	defer ts.Close()

	p := challengetest.Solve(t, fetchChallenge(t, ts, http.MethodGet), testDifficulty)

	var buf strings.Builder
	mw := multipart.NewWriter(&buf)
	for key, vals := range p.Form() {
		if err := mw.WriteField(key, vals[0]); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	resp, err := ts.Client().Post(ts.URL+"/comments", mw.FormDataContentType(), strings.NewReader(buf.String()))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("wanted status 200, got: %d", resp.StatusCode)
	}
}

func TestProtectForwardsBody(t *testing.T) {
	var gotComment, gotNonce atomic.Value
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxFormMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotComment.Store(r.PostForm.Get("comment"))
		gotNonce.Store(r.PostForm.Get(commenthash.FormNonce))
		io.WriteString(w, "stored")
	}))
	defer backend.Close()

	u, err := url.Parse(backend.URL)
	if err != nil {
		t.Fatal(err)
	}

	s := spawnServer(t, Options{
		Next:        httputil.NewSingleHostReverseProxy(u),
		ReplayStore: memory.New(t.Context()),
	})
	ts := httptest.NewServer(s)
	defer ts.Close()

	t.Run("urlencoded", func(t *testing.T) {
		p := challengetest.Solve(t, fetchChallenge(t, ts, http.MethodGet), testDifficulty)

		resp, body := submitForm(t, ts, p.Form(), nil)
		if resp.StatusCode != http.StatusOK || body != "stored" {
			t.Fatalf("wanted 200 stored, got: %d %q", resp.StatusCode, body)
		}

		if got := gotComment.Load(); got != "first!" {
			t.Errorf("backend saw comment %q", got)
		}
		if got := gotNonce.Load(); got != p.Nonce {
			t.Errorf("backend saw nonce %q, wanted %q", got, p.Nonce)
		}
	})

	t.Run("multipart", func(t *testing.T) {
		p := challengetest.Solve(t, fetchChallenge(t, ts, http.MethodGet), testDifficulty)

		var buf strings.Builder
		mw := multipart.NewWriter(&buf)
		form := p.Form()
		form.Set("comment", "second!")
		for key, vals := range form {
			if err := mw.WriteField(key, vals[0]); err != nil {
				t.Fatal(err)
			}
		}
		if err := mw.Close(); err != nil {
			t.Fatal(err)
		}

		resp, err := ts.Client().Post(ts.URL+"/comments", mw.FormDataContentType(), strings.NewReader(buf.String()))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("wanted status 200, got: %d", resp.StatusCode)
		}
		if got := gotComment.Load(); got != "second!" {
			t.Errorf("backend saw comment %q", got)
		}
	})
}

func TestVerifySubmissionLeavesBody(t *testing.T) {
	s := spawnServer(t, Options{})
	ts := httptest.NewServer(s)
	defer ts.Close()

	form := challengetest.Solve(t, fetchChallenge(t, ts, http.MethodGet), testDifficulty).Form()
	form.Set("comment", "first!")
	encoded := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "/comments", strings.NewReader(encoded))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if err := s.VerifySubmission(req); err != nil {
		t.Fatal(err)
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != encoded {
		t.Errorf("body changed by verification: %q", body)
	}

	if req.PostForm != nil {
		t.Error("verification parsed the form on the caller's request")
	}
}

func TestVerifySubmissionBodyTooLarge(t *testing.T) {
	s := spawnServer(t, Options{})

	req := httptest.NewRequest(http.MethodPost, "/comments", strings.NewReader("comment="+strings.Repeat("a", maxBodySize)))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if got := challenge.ReasonOf(s.VerifySubmission(req)); got != challenge.ReasonMalformedField {
		t.Errorf("wanted reason %s, got: %s", challenge.ReasonMalformedField, got)
	}
}

func TestReplayReleasedOnUpstreamFailure(t *testing.T) {
	var calls atomic.Int32
	flaky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "database is down", http.StatusBadGateway)
			return
		}
		io.WriteString(w, "ok")
	})

	s := spawnServer(t, Options{
		Next:        flaky,
		ReplayStore: memory.New(t.Context()),
	})
	ts := httptest.NewServer(s)
	defer ts.Close()

	form := challengetest.Solve(t, fetchChallenge(t, ts, http.MethodGet), testDifficulty).Form()

	for i, want := range []int{http.StatusBadGateway, http.StatusOK, http.StatusForbidden} {
		if resp, _ := submitForm(t, ts, form, nil); resp.StatusCode != want {
			t.Fatalf("submission %d: wanted status %d, got: %d", i, want, resp.StatusCode)
		}
	}
}

func TestReplayProtection(t *testing.T) {
	s := spawnServer(t, Options{ReplayStore: memory.New(t.Context())})
	ts := httptest.NewServer(s)
	defer ts.Close()

	form := challengetest.Solve(t, fetchChallenge(t, ts, http.MethodGet), testDifficulty).Form()

	resp, _ := submitForm(t, ts, form, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first submission: wanted status 200, got: %d", resp.StatusCode)
	}

	resp, _ = submitForm(t, ts, form, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("second submission: wanted status 403, got: %d", resp.StatusCode)
	}

	req := httptest.NewRequest(http.MethodPost, "/comments", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if err := s.VerifySubmission(req); !errors.Is(err, challenge.ErrReplayed) {
		t.Errorf("wanted %v, got: %v", challenge.ErrReplayed, err)
	}

	if got := challenge.ReasonOf(s.VerifySubmission(req)); got != challenge.ReasonReplayed {
		t.Errorf("wanted reason %s, got: %s", challenge.ReasonReplayed, got)
	}
}

func TestWithoutReplayProtection(t *testing.T) {
	s := spawnServer(t, Options{})
	ts := httptest.NewServer(s)
	defer ts.Close()

	form := challengetest.Solve(t, fetchChallenge(t, ts, http.MethodGet), testDifficulty).Form()

	for i := range 2 {
		if resp, _ := submitForm(t, ts, form, nil); resp.StatusCode != http.StatusOK {
			t.Errorf("submission %d: wanted status 200, got: %d", i, resp.StatusCode)
		}
	}
}

func TestAdminBypass(t *testing.T) {
	tokenSecret := []byte("hunter2hunter2hunter2")
	token, err := SignAdminToken(tokenSecret, "admin@example.com", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	withToken := func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	}

	for _, tt := range []struct {
		name   string
		bypass bool
		mut    func(*http.Request)
		status int
	}{
		{
			name:   "bypass on with token",
			bypass: true,
			mut:    withToken,
			status: http.StatusOK,
		},
		{
			name:   "bypass on with cookie",
			bypass: true,
			mut: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: commenthash.AdminCookieName, Value: token})
			},
			status: http.StatusOK,
		},
		{
			name:   "bypass on without token",
			bypass: true,
			status: http.StatusForbidden,
		},
		{
			name:   "bypass off with token",
			bypass: false,
			mut:    withToken,
			status: http.StatusForbidden,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			s := spawnServer(t, Options{
				Settings: loadSettings(t, func(s *settings.Settings) {
					s.AdminBypass = tt.bypass
				}),
				IsPrivileged: JWTPrivilegeChecker(tokenSecret, commenthash.AdminCookieName),
			})
			ts := httptest.NewServer(s)
			defer ts.Close()

			before := testutil.ToFloat64(challenge.AdminBypasses)

			resp, body := submitForm(t, ts, url.Values{}, tt.mut)
			if resp.StatusCode != tt.status {
				t.Errorf("wanted status %d, got: %d\n%s", tt.status, resp.StatusCode, body)
			}

			wantBypasses := 0.0
			if tt.status == http.StatusOK {
				wantBypasses = 1
			}
			if got := testutil.ToFloat64(challenge.AdminBypasses) - before; got != wantBypasses {
				t.Errorf("wanted bypass counter to go up by %v, got: %v", wantBypasses, got)
			}
		})
	}
}

func TestSecretRotation(t *testing.T) {
	s := spawnServer(t, Options{})
	ts := httptest.NewServer(s)
	defer ts.Close()

	form := challengetest.Solve(t, fetchChallenge(t, ts, http.MethodGet), testDifficulty).Form()

	if _, err := s.opts.Settings.RotateSecret(t.Context()); err != nil {
		t.Fatal(err)
	}

	resp, _ := submitForm(t, ts, form, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("proof signed with the old key: wanted status 403, got: %d", resp.StatusCode)
	}

	form = challengetest.Solve(t, fetchChallenge(t, ts, http.MethodGet), testDifficulty).Form()
	if resp, _ := submitForm(t, ts, form, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("proof signed with the new key: wanted status 200, got: %d", resp.StatusCode)
	}
}

func TestBasePrefix(t *testing.T) {
	for _, tt := range []struct {
		name     string
		strip    bool
		wantPath string
	}{
		{name: "keep prefix", strip: false, wantPath: "/blog/comments"},
		{name: "strip prefix", strip: true, wantPath: "/comments"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			s := spawnServer(t, Options{BasePrefix: "/blog/", StripBasePrefix: tt.strip})
			defer func() { commenthash.BasePrefix = "" }()

			rw := httptest.NewRecorder()
			s.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/blog"+commenthash.APIPrefix+"challenge", nil))
			if rw.Code != http.StatusOK {
				t.Fatalf("challenge under prefix: wanted status 200, got: %d", rw.Code)
			}

			rw = httptest.NewRecorder()
			s.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/blog/comments", nil))
			if got := rw.Header().Get("X-Upstream-Path"); got != tt.wantPath {
				t.Errorf("wanted upstream path %q, got: %q", tt.wantPath, got)
			}
		})
	}
}
