// Command commenthash-solve fetches a challenge from a commenthash server,
// solves it, and prints the form fields a comment submission needs.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/TecharoHQ/commenthash"
	"github.com/TecharoHQ/commenthash/internal"
	libcommenthash "github.com/TecharoHQ/commenthash/lib"
	"github.com/TecharoHQ/commenthash/lib/challenge"
	"github.com/TecharoHQ/commenthash/lib/challenge/solver"
	"github.com/facebookgo/flagenv"
	_ "github.com/joho/godotenv/autoload"
	"sigs.k8s.io/yaml"
)

var (
	server       = flag.String("server", "http://localhost:8923", "base URL of the commenthash server, including any base prefix")
	difficulty   = flag.Int("difficulty", 0, "if set, solve for this difficulty instead of asking the server")
	outputFormat = flag.String("format", "form", "output format: form, json, or yaml")
	slogLevel    = flag.String("slog-level", "INFO", "logging level (see https://pkg.go.dev/log/slog#hdr-Levels)")
	timeout      = flag.Duration("timeout", 5*time.Minute, "give up after this long")
	versionFlag  = flag.Bool("version", false, "print commenthash version")
)

var ErrBadStatus = errors.New("commenthash-solve: unexpected status code")

func fetchJSON(ctx context.Context, cli *http.Client, method, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return fmt.Errorf("can't make request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := cli.Do(req)
	if err != nil {
		return fmt.Errorf("can't fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", ErrBadStatus, url, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("can't decode response from %s: %w", url, err)
	}

	return nil
}

// solve fetches a bundle from baseURL and runs the solver on it. A
// difficulty of zero asks the server which difficulty to use.
func solve(ctx context.Context, cli *http.Client, baseURL string, difficulty int) (challenge.Proof, error) {
	apiBase := strings.TrimSuffix(baseURL, "/") + commenthash.APIPrefix

	cs := libcommenthash.ClientSettings{Difficulty: difficulty, NonceRange: commenthash.NonceRange}
	if difficulty == 0 {
		if err := fetchJSON(ctx, cli, http.MethodGet, apiBase+"client-settings", &cs); err != nil {
			return challenge.Proof{}, err
		}
	}

	var b challenge.Bundle
	if err := fetchJSON(ctx, cli, http.MethodPost, apiBase+"challenge", &b); err != nil {
		return challenge.Proof{}, err
	}

	slog.Debug("got challenge", "timestamp", b.Timestamp, "difficulty", cs.Difficulty)

	started := time.Now()
	task := solver.Start(ctx, solver.InputFor(b, cs.Difficulty, cs.NonceRange))
	defer task.Cancel()

	go func() {
		for p := range task.Progress() {
			slog.Debug("solving", "attempts", p.Attempts, "nonce", p.Nonce, "last_hash", p.LastHash)
		}
	}()

	nonce, err := task.Result()
	if err != nil {
		return challenge.Proof{}, fmt.Errorf("can't solve challenge: %w", err)
	}

	slog.Info("solved challenge", "nonce", nonce, "elapsed", time.Since(started))
	return solver.Proof(b, nonce), nil
}

func writeProof(w io.Writer, p challenge.Proof, format string) error {
	switch format {
	case "form":
		_, err := fmt.Fprintln(w, p.Form().Encode())
		return err
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(p.Form())
	case "yaml":
		out, err := yaml.Marshal(p.Form())
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func main() {
	flagenv.Parse()
	flag.Parse()

	if *versionFlag {
		fmt.Println("commenthash-solve", commenthash.Version)
		return
	}

	internal.InitSlog(*slogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	p, err := solve(ctx, http.DefaultClient, *server, *difficulty)
	if err != nil {
		log.Fatal(err)
	}

	if err := writeProof(os.Stdout, p, *outputFormat); err != nil {
		log.Fatal(err)
	}
}
