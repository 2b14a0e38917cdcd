package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "charm.land/bubbletea/v2"
	retry "github.com/appleboy/go-httpretry"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/go-authgate/lms-cli/authclient"
	"github.com/go-authgate/lms-cli/lms"
	"github.com/go-authgate/lms-cli/tui"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	serverURL         string
	clientID          string
	tokenFile         string
	apiURL            string
	watchInterval     time.Duration
	metricsAddr       string
	logLevel          string
	logFile           string
	flagServerURL     *string
	flagClientID      *string
	flagTokenFile     *string
	flagAPIURL        *string
	flagWatch         *string
	flagMetricsAddr   *string
	flagLogLevel      *string
	configInitialized bool
	retryClient       *retry.Client
	logger            = zerolog.Nop()
	output            io.Writer = os.Stdout
)

// Timeout configuration for different operations
const (
	deviceCodeRequestTimeout = 10 * time.Second
	tokenExchangeTimeout     = 5 * time.Second
	refreshTokenTimeout      = 10 * time.Second
	apiRequestTimeout        = 30 * time.Second
)

func init() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	// Flags are parsed in initConfig so tests can run without them.
	flagServerURL = flag.String(
		"server-url",
		"",
		"OAuth server URL (default: http://localhost:8080 or SERVER_URL env)",
	)
	flagClientID = flag.String("client-id", "", "OAuth client ID (required, or set CLIENT_ID env)")
	flagTokenFile = flag.String(
		"token-file",
		"",
		"Token storage file (default: .lms-tokens.json or TOKEN_FILE env)",
	)
	flagAPIURL = flag.String("api-url", "", "LMS API base URL (default: server URL or API_URL env)")
	flagWatch = flag.String(
		"watch",
		"",
		"Poll notifications at this interval, e.g. 30s (default: off or WATCH_INTERVAL env)",
	)
	flagMetricsAddr = flag.String(
		"metrics-addr",
		"",
		"Serve Prometheus metrics on this address, e.g. :9090 (or METRICS_ADDR env)",
	)
	flagLogLevel = flag.String("log-level", "", "Log level: debug, info, warn, error (default: warn)")

	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "Usage: %s [flags] [command | api-path...]\n\nCommands:\n", os.Args[0])
		for _, name := range slices.Sorted(maps.Keys(commands)) {
			fmt.Fprintf(out, "  %s\n", commands[name].usage)
		}
		fmt.Fprintf(out, "\nWithout a command the given API paths (default: %s) are fetched.\n\nFlags:\n",
			strings.Join(defaultPaths, ", "))
		flag.PrintDefaults()
	}
}

// initConfig parses flags and initializes configuration
func initConfig() {
	if configInitialized {
		return
	}
	configInitialized = true

	flag.Parse()

	// Priority: flag > env > default
	serverURL = strings.TrimRight(getConfig(*flagServerURL, "SERVER_URL", "http://localhost:8080"), "/")
	clientID = getConfig(*flagClientID, "CLIENT_ID", "")
	tokenFile = getConfig(*flagTokenFile, "TOKEN_FILE", ".lms-tokens.json")
	apiURL = strings.TrimRight(getConfig(*flagAPIURL, "API_URL", serverURL), "/")
	metricsAddr = getConfig(*flagMetricsAddr, "METRICS_ADDR", "")
	logLevel = getConfig(*flagLogLevel, "LOG_LEVEL", "warn")
	logFile = getEnv("LOG_FILE", "")

	for name, raw := range map[string]string{"SERVER_URL": serverURL, "API_URL": apiURL} {
		if err := validateServerURL(raw); err != nil {
			fmt.Fprintf(os.Stderr, "Error: Invalid %s: %v\n", name, err)
			os.Exit(1)
		}
	}

	interval, err := parseWatchInterval(getConfig(*flagWatch, "WATCH_INTERVAL", ""))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid WATCH_INTERVAL: %v\n", err)
		os.Exit(1)
	}
	watchInterval = interval

	if strings.HasPrefix(strings.ToLower(serverURL), "http://") ||
		strings.HasPrefix(strings.ToLower(apiURL), "http://") {
		fmt.Fprintln(
			os.Stderr,
			"⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
		)
		fmt.Fprintln(
			os.Stderr,
			"⚠️  This is only safe for local development. Use HTTPS in production.",
		)
		fmt.Fprintln(os.Stderr)
	}

	if clientID == "" {
		fmt.Println("Error: CLIENT_ID not set. Please provide it via:")
		fmt.Println("  1. Command line flag: -client-id=<your-client-id>")
		fmt.Println("  2. Environment variable: CLIENT_ID=<your-client-id>")
		fmt.Println("  3. .env file: CLIENT_ID=<your-client-id>")
		os.Exit(1)
	}

	if _, err := uuid.Parse(clientID); err != nil {
		fmt.Fprintf(
			os.Stderr,
			"⚠️  Warning: CLIENT_ID doesn't appear to be a valid UUID: %s\n",
			clientID,
		)
		fmt.Fprintln(os.Stderr)
	}

	retryClient, err = retry.NewBackgroundClient(
		retry.WithHTTPClient(newHTTPClient()),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create retry client: %v", err))
	}
}

// newHTTPClient returns the client both the token endpoint and the LMS API use.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// parseWatchInterval parses the watch interval; empty or zero disables watching.
func parseWatchInterval(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("interval must not be negative, got %s", d)
	}
	if d > 0 && d < time.Second {
		return 0, fmt.Errorf("interval must be at least 1s, got %s", d)
	}
	return d, nil
}

// newLogger builds the console logger; an unknown level falls back to warn.
func newLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	initConfig()

	tty := isTTY()
	logOut := io.Writer(os.Stderr)
	if tty {
		// Logs would tear the TUI apart; only keep them when asked to.
		logOut = io.Discard
	}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot open LOG_FILE: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}
	logger = newLogger(logOut, logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if tty {
		m := tui.NewModel()
		// WithInput(nil): no keyboard input, Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		d.Banner()
		runErr := run(ctx, d, flag.Args())
		p.Quit()
		wg.Wait()
		if runErr != nil {
			os.Exit(1)
		}
	} else {
		d := tui.NewPlainDisplayer(os.Stderr)
		d.Banner()
		if err := run(ctx, d, flag.Args()); err != nil {
			os.Exit(1)
		}
	}
}

// run restores the session, executes what args ask for and, when a watch
// interval is set, keeps polling notifications until ctx is done.
func run(ctx context.Context, d tui.Displayer, args []string) error {
	inv, err := parseInvocation(args)
	if err != nil {
		d.Fatal(err)
		return err
	}

	storage, err := restoreSession(ctx, d)
	if err != nil {
		d.Fatal(err)
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := authclient.NewMetrics(registry)
	if metricsAddr != "" {
		shutdown := serveMetrics(metricsAddr, registry)
		defer shutdown()
	}

	session := newSessionTokens(storage, d)
	signedOut := make(chan struct{}, 1)

	client := authclient.NewClient(
		session,
		authclient.WithBaseTransport(newHTTPClient().Transport),
		authclient.WithNotifier(d),
		authclient.WithLogger(logger),
		authclient.WithMetrics(metrics),
		authclient.WithTimeout(apiRequestTimeout),
		authclient.WithRefreshTimeout(refreshTokenTimeout),
		authclient.WithOnUnrecoverableAuthFailure(func(err error) {
			select {
			case signedOut <- struct{}{}:
			default:
				// Already signed out and waiting for relogin.
				return
			}
			if clearErr := session.SignOut(); clearErr != nil {
				logger.Warn().Err(clearErr).Msg("failed to clear stored tokens")
			}
			d.SignedOut(err)
		}),
	)

	// relogin runs the device flow again once the client gave up on the
	// session. It reports whether a new session was started.
	relogin := func(ctx context.Context) (bool, error) {
		select {
		case <-signedOut:
		default:
			return false, nil
		}
		storage, err := signIn(ctx, d)
		if err != nil {
			return false, err
		}
		session.replace(storage)
		return true, nil
	}

	svc, err := lms.NewService(client, apiURL)
	if err != nil {
		d.Fatal(err)
		return err
	}

	result := inv.execute(ctx, svc, d, output)

	// The session was lost midway: sign in again and retry once.
	signedIn, err := relogin(ctx)
	if err != nil {
		d.Fatal(err)
		return err
	}
	if signedIn {
		result = inv.execute(ctx, svc, d, output)
	}

	d.Done(result.ok, result.failed)

	if watchInterval > 0 {
		return watchNotifications(ctx, svc, watchInterval, d, relogin)
	}

	if result.failed > 0 {
		return fmt.Errorf("%d of %d requests failed", result.failed, inv.requests())
	}
	return nil
}

// restoreSession loads stored tokens, refreshing them when expired, and
// falls back to the device flow when nothing usable is stored.
func restoreSession(ctx context.Context, d tui.Displayer) (*TokenStorage, error) {
	storage, err := loadTokens()
	if err != nil || storage == nil {
		d.SessionNotFound()
		return signIn(ctx, d)
	}

	d.SessionFound()
	if storage.Valid() {
		d.SessionValid()
		return storage, nil
	}

	d.SessionExpired()
	d.Refreshing()
	refreshed, err := refreshAccessToken(ctx, storage.RefreshToken, d)
	if err != nil {
		d.RefreshFailed(err)
		return signIn(ctx, d)
	}
	d.RefreshOK()
	return refreshed, nil
}

// serveMetrics exposes registry on addr until the returned func is called.
func serveMetrics(addr string, registry *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", addr).Msg("serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
