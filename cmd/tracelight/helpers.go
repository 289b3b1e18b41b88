package main

// ---------------------------------------------------------------------------
// helpers.go — TTY detection, color, error helpers, env-based config
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tracelight-project/tracelight/internal/core"
	"github.com/tracelight-project/tracelight/internal/store"
)

// ---------------------------------------------------------------------------
// TTY / color helpers
// ---------------------------------------------------------------------------

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	return isTTY(os.Stderr)
}

func ansi(code, s string) string {
	if !colorEnabled() {
		return s
	}
	return code + s + "\033[0m"
}

func red(s string) string    { return ansi("\033[91m", s) }
func yellow(s string) string { return ansi("\033[93m", s) }
func green(s string) string  { return ansi("\033[32m", s) }
func cyan(s string) string   { return ansi("\033[36m", s) }
func dim(s string) string    { return ansi("\033[90m", s) }
func bold(s string) string   { return ansi("\033[1m", s) }

// ---------------------------------------------------------------------------
// Error / warn helpers (always to stderr)
// ---------------------------------------------------------------------------

func errorf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, red("error: ")+format+"\n", args...)
	os.Exit(1)
}

func warnf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, yellow("warn: ")+format+"\n", args...)
}

// ---------------------------------------------------------------------------
// Env-based configuration
//
// Environment variables:
//   TRACELIGHT_CONFIG  — default config file path
//   TRACELIGHT_HOST    — API host override
//   TRACELIGHT_PORT    — API port override
//   TRACELIGHT_API_KEY — API key for authentication
// ---------------------------------------------------------------------------

// envConfig returns the config path, preferring flag > env.
func envConfig(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	return os.Getenv("TRACELIGHT_CONFIG")
}

// envHost returns the host, preferring flag > env.
func envHost(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	return os.Getenv("TRACELIGHT_HOST")
}

// envPort returns the port, preferring flag > env.
func envPort(flagVal int) int {
	if flagVal != 0 {
		return flagVal
	}
	if e := os.Getenv("TRACELIGHT_PORT"); e != "" {
		if p, err := strconv.Atoi(e); err == nil {
			return p
		}
	}
	return 0
}

// envAPIKey returns the API key, preferring flag > env.
func envAPIKey(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	return os.Getenv("TRACELIGHT_API_KEY")
}

// apiBase builds the daemon base URL from flags, env, and config defaults.
func apiBase(cfg *core.Config, host string, port int) string {
	h := envHost(host)
	if h == "" {
		h = cfg.Server.Host
	}
	p := envPort(port)
	if p == 0 {
		p = cfg.Server.Port
	}
	return fmt.Sprintf("http://%s:%d", h, p)
}

// ---------------------------------------------------------------------------
// Shared command setup
// ---------------------------------------------------------------------------

func loadConfigOrDie(path string) *core.Config {
	cfg, err := core.LoadConfig(envConfig(path))
	if err != nil {
		errorf("loading config: %v", err)
	}
	return cfg
}

func openStoreOrDie(cfg *core.Config, logger zerolog.Logger) store.Store {
	st, err := store.Open(&cfg.Store, logger)
	if err != nil {
		errorf("opening %s store: %v", cfg.Store.Driver, err)
	}
	return st
}

// suggest offers the closest command for a typo.
func suggest(input string) string {
	commands := []string{
		"scan", "scans", "status", "stop", "events", "correlate",
		"export", "archive", "modules", "serve", "version",
	}
	input = strings.ToLower(input)
	for _, c := range commands {
		if strings.HasPrefix(c, input) || strings.HasPrefix(input, c) {
			return c
		}
	}
	best, bestDist := "", 3
	for _, c := range commands {
		if d := editDistance(input, c); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func editDistance(a, b string) int {
	la, lb := len(a), len(b)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}
	prev := make([]int, lb+1)
	cur := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		cur[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min3(cur[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
