package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/TecharoHQ/commenthash"
	"github.com/TecharoHQ/commenthash/internal"
	libcommenthash "github.com/TecharoHQ/commenthash/lib"
	"github.com/TecharoHQ/commenthash/lib/config"
	"github.com/TecharoHQ/commenthash/lib/settings"
	"github.com/TecharoHQ/commenthash/lib/store"
	"github.com/facebookgo/flagenv"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/yaml"
)

var (
	adminCookieName          = flag.String("admin-cookie-name", commenthash.AdminCookieName, "cookie that may carry an administrator token")
	adminTokenSecret         = flag.String("admin-token-secret", "", "secret used to sign administrator tokens, admin bypass is disabled if not set")
	adminTokenTTL            = flag.Duration("admin-token-ttl", 30*24*time.Hour, "how long tokens made with -mint-admin-token are valid for")
	basePrefix               = flag.String("base-prefix", "", "base prefix (root URL) the application is served under e.g. /myapp")
	bind                     = flag.String("bind", ":8923", "network address to bind HTTP to")
	bindNetwork              = flag.String("bind-network", "tcp", "network family to bind HTTP to, e.g. unix, tcp")
	configFname              = flag.String("config-fname", "", "full path to the commenthash config file (defaults to a sensible built-in config)")
	metricsBind              = flag.String("metrics-bind", ":9090", "network address to bind metrics to")
	metricsBindNetwork       = flag.String("metrics-bind-network", "tcp", "network family for the metrics server to bind to")
	mintAdminToken           = flag.String("mint-admin-token", "", "if set, print an administrator token for this subject and exit")
	printConfig              = flag.Bool("print-config", false, "print the effective config as YAML and exit")
	rotateSecret             = flag.Bool("rotate-secret", false, "replace the persisted secret key and exit, every outstanding challenge stops verifying")
	socketMode               = flag.String("socket-mode", "0770", "socket mode (permissions) for unix domain sockets.")
	slogLevel                = flag.String("slog-level", "INFO", "logging level (see https://pkg.go.dev/log/slog#hdr-Levels)")
	stripBasePrefix          = flag.Bool("strip-base-prefix", false, "if true, strips the base prefix from requests forwarded to the target server")
	target                   = flag.String("target", "http://localhost:3923", "comment backend to reverse proxy verified requests to, set to an empty string to only serve the challenge API")
	targetSNI                = flag.String("target-sni", "", "if set, the value of the TLS handshake hostname when forwarding requests to the target")
	targetHost               = flag.String("target-host", "", "if set, the value of the Host header when forwarding requests to the target")
	targetInsecureSkipVerify = flag.Bool("target-insecure-skip-verify", false, "if true, skips TLS validation for the backend")
	healthcheck              = flag.Bool("healthcheck", false, "run a health check against commenthash")
	useRemoteAddress         = flag.Bool("use-remote-address", false, "read the client's IP address from the network request, useful for debugging and running commenthash on bare metal")
	webmasterEmail           = flag.String("webmaster-email", "", "if set, displays webmaster's email on the reject page for appeals")
	versionFlag              = flag.Bool("version", false, "print commenthash version")
)

func doHealthCheck() error {
	resp, err := http.Get("http://localhost" + *metricsBind + commenthash.BasePrefix + "/metrics")
	if err != nil {
		return fmt.Errorf("failed to fetch metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// parseBindNetFromAddr determine bind network and address based on the given network and address.
func parseBindNetFromAddr(address string) (string, string, error) {
	defaultScheme := "http://"
	if !strings.Contains(address, "://") {
		if strings.HasPrefix(address, ":") {
			address = defaultScheme + "localhost" + address
		} else {
			address = defaultScheme + address
		}
	}

	bindUri, err := url.Parse(address)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse bind URL: %w", err)
	}

	switch bindUri.Scheme {
	case "unix":
		return "unix", bindUri.Path, nil
	case "tcp", "http", "https":
		return "tcp", bindUri.Host, nil
	default:
		return "", "", fmt.Errorf("unsupported network scheme %s in address %s", bindUri.Scheme, address)
	}
}

func setupListener(network string, address string) (net.Listener, string) {
	formattedAddress := ""

	if network == "" {
		var err error
		network, address, err = parseBindNetFromAddr(address)
		if err != nil {
			log.Fatal(err)
		}
	}

	switch network {
	case "unix":
		formattedAddress = "unix:" + address
	case "tcp":
		if strings.HasPrefix(address, ":") { // assume it's just a port e.g. :4259
			formattedAddress = "http://localhost" + address
		} else {
			formattedAddress = "http://" + address
		}
	default:
		formattedAddress = fmt.Sprintf(`(%s) %s`, network, address)
	}

	listener, err := net.Listen(network, address)
	if err != nil {
		log.Fatal(fmt.Errorf("failed to bind to %s: %w", formattedAddress, err))
	}

	// additional permission handling for unix sockets
	if network == "unix" {
		mode, err := strconv.ParseUint(*socketMode, 8, 0)
		if err != nil {
			listener.Close()
			log.Fatal(fmt.Errorf("could not parse socket mode %s: %w", *socketMode, err))
		}

		err = os.Chmod(address, os.FileMode(mode))
		if err != nil {
			err := listener.Close()
			if err != nil {
				log.Printf("failed to close listener: %v", err)
			}
			log.Fatal(fmt.Errorf("could not change socket mode: %w", err))
		}
	}

	return listener, formattedAddress
}

func makeReverseProxy(target string, targetSNI string, targetHost string, insecureSkipVerify bool) (http.Handler, error) {
	targetUri, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("failed to parse target URL: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()

	// https://github.com/oauth2-proxy/oauth2-proxy/blob/4e2100a2879ef06aea1411790327019c1a09217c/pkg/upstream/http.go#L124
	if targetUri.Scheme == "unix" {
		// clean path up so we don't use the socket path in proxied requests
		addr := targetUri.Path
		targetUri.Path = ""
		// tell transport how to dial unix sockets
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			dialer := net.Dialer{}
			return dialer.DialContext(ctx, "unix", addr)
		}
		// tell transport how to handle the unix url scheme
		transport.RegisterProtocol("unix", libcommenthash.UnixRoundTripper{Transport: transport})
	}

	if insecureSkipVerify || targetSNI != "" {
		transport.TLSClientConfig = &tls.Config{}
		if insecureSkipVerify {
			slog.Warn("TARGET_INSECURE_SKIP_VERIFY is set to true, TLS certificate validation will not be performed", "target", target)
			transport.TLSClientConfig.InsecureSkipVerify = true
		}
		if targetSNI != "" {
			transport.TLSClientConfig.ServerName = targetSNI
		}
	}

	rp := httputil.NewSingleHostReverseProxy(targetUri)
	rp.Transport = transport

	if targetHost != "" {
		originalDirector := rp.Director
		rp.Director = func(req *http.Request) {
			originalDirector(req)
			req.Host = targetHost
		}
	}

	return rp, nil
}

// applyConfig makes the config file authoritative for the tunable settings.
// The secret key is never touched.
func applyConfig(ctx context.Context, st *settings.Store, cfg *config.Config) (settings.Settings, error) {
	return st.Update(ctx, func(s *settings.Settings) error {
		s.Difficulty = cfg.Difficulty
		s.MaxAge = time.Duration(cfg.MaxAgeSeconds) * time.Second
		s.AdminBypass = cfg.AdminBypass
		return nil
	})
}

func main() {
	flagenv.Parse()
	flag.Parse()

	if *versionFlag {
		fmt.Println("commenthash", commenthash.Version)
		return
	}

	internal.InitSlog(*slogLevel)

	if *mintAdminToken != "" {
		token, err := libcommenthash.SignAdminToken([]byte(*adminTokenSecret), *mintAdminToken, *adminTokenTTL)
		if err != nil {
			log.Fatalf("can't mint admin token: %v", err)
		}
		fmt.Println(token)
		return
	}

	cfg, err := config.LoadFile(*configFname)
	if err != nil {
		log.Fatalf("can't load config: %v", err)
	}

	if *printConfig {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			log.Fatalf("can't encode config: %v", err)
		}
		os.Stdout.Write(out)
		return
	}

	if *basePrefix != "" && !strings.HasPrefix(*basePrefix, "/") {
		log.Fatalf("[misconfiguration] base-prefix must start with a slash, eg: /%s", *basePrefix)
	} else if strings.HasSuffix(*basePrefix, "/") {
		log.Fatalf("[misconfiguration] base-prefix must not end with a slash")
	}
	if *stripBasePrefix && *basePrefix == "" {
		log.Fatalf("[misconfiguration] strip-base-prefix is set to true, but base-prefix is not set, " +
			"this may result in unexpected behavior")
	}

	// install signal handler
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := cfg.Store.Build(ctx)
	if err != nil {
		log.Fatalf("can't open %s store: %v", cfg.Store.Backend, err)
	}

	if cfg.Store.Backend == "memory" {
		slog.Warn("using the memory store, the secret key is lost on restart and every outstanding challenge will stop verifying")
	}

	st := settings.NewStore(backend)
	if _, err := st.Load(ctx, cfg.Defaults()); err != nil {
		log.Fatalf("can't load settings: %v", err)
	}

	if *rotateSecret {
		cur, err := st.RotateSecret(ctx)
		if err != nil {
			log.Fatalf("can't rotate secret key: %v", err)
		}
		fmt.Println("rotated secret key, new key ID:", cur.KeyID)
		return
	}

	cur, err := applyConfig(ctx, st, cfg)
	if err != nil {
		log.Fatalf("can't apply config: %v", err)
	}

	var replay store.Interface
	if cfg.ReplayProtection {
		replay = backend
	}

	var isPrivileged func(*http.Request) bool
	switch {
	case *adminTokenSecret != "":
		isPrivileged = libcommenthash.JWTPrivilegeChecker([]byte(*adminTokenSecret), *adminCookieName)
	case cfg.AdminBypass:
		slog.Warn("admin_bypass is enabled but ADMIN_TOKEN_SECRET is not set, nobody can bypass verification")
	}

	var rp http.Handler
	// when using commenthash via Systemd and environment variables, then it is not possible to set target to an empty string but only to space
	if strings.TrimSpace(*target) != "" {
		rp, err = makeReverseProxy(*target, *targetSNI, *targetHost, *targetInsecureSkipVerify)
		if err != nil {
			log.Fatalf("can't make reverse proxy: %v", err)
		}
	}

	s, err := libcommenthash.New(libcommenthash.Options{
		Next:            rp,
		Settings:        st,
		ReplayStore:     replay,
		IsPrivileged:    isPrivileged,
		BasePrefix:      *basePrefix,
		StripBasePrefix: *stripBasePrefix,
		WebmasterEmail:  *webmasterEmail,
	})
	if err != nil {
		log.Fatalf("can't construct libcommenthash.Server: %v", err)
	}

	wg := new(sync.WaitGroup)

	if *metricsBind != "" {
		wg.Add(1)
		go metricsServer(ctx, wg.Done)
	}

	var h http.Handler
	h = s
	h = internal.RemoteXRealIP(*useRemoteAddress, h)
	h = internal.XForwardedForToXRealIP(h)

	srv := http.Server{Handler: h, ErrorLog: internal.GetFilteredHTTPLogger()}
	listener, listenerUrl := setupListener(*bindNetwork, *bind)
	slog.Info(
		"listening",
		"url", listenerUrl,
		"difficulty", cur.Difficulty,
		"max-age", cur.MaxAge,
		"admin-bypass", cur.AdminBypass,
		"replay-protection", cfg.ReplayProtection,
		"store", cfg.Store.Backend,
		"key-id", cur.KeyID,
		"target", *target,
		"version", commenthash.Version,
		"use-remote-address", *useRemoteAddress,
		"base-prefix", *basePrefix,
	)

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(c); err != nil {
			log.Printf("cannot shut down: %v", err)
		}
	}()

	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	wg.Wait()
}

func metricsServer(ctx context.Context, done func()) {
	defer done()

	mux := http.NewServeMux()
	mux.Handle(commenthash.BasePrefix+"/metrics", promhttp.Handler())

	srv := http.Server{Handler: mux, ErrorLog: internal.GetFilteredHTTPLogger()}
	listener, metricsUrl := setupListener(*metricsBindNetwork, *metricsBind)
	slog.Debug("listening for metrics", "url", metricsUrl)

	if *healthcheck {
		log.Println("running healthcheck")
		if err := doHealthCheck(); err != nil {
			log.Fatal(err)
		}
		return
	}

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(c); err != nil {
			log.Printf("cannot shut down: %v", err)
		}
	}()

	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
