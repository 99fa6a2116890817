// Package envconfig reads outpaintd configuration from the environment.
package envconfig

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/outpaintd/outpaintd/format"
)

// Host returns the scheme and host the server binds to or the client
// connects to. Configurable via OUTPAINT_HOST.
// Default: http://127.0.0.1:5950
func Host() *url.URL {
	defaultPort := "5950"

	s := strings.TrimSpace(Var("OUTPAINT_HOST"))
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}
}

// CacheDir returns the directory holding downloaded weight bundles.
// Configurable via OUTPAINT_CACHE.
// Default: $HOME/.outpaintd/weights
func CacheDir() string {
	if s := Var("OUTPAINT_CACHE"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(home, ".outpaintd", "weights")
}

// CacheBudget returns the maximum number of bytes the weight cache may
// occupy before least-recently-used bundles are evicted.
// Configurable via OUTPAINT_CACHE_BUDGET (bytes).
// Default: 50 GB
func CacheBudget() int64 {
	budget := int64(50 * format.GigaByte)
	if s := Var("OUTPAINT_CACHE_BUDGET"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
			budget = n
		} else {
			slog.Warn("invalid cache budget, using default", "OUTPAINT_CACHE_BUDGET", s, "default", budget)
		}
	}

	return budget
}

// ModelDir returns the directory holding the base model assets.
// Configurable via OUTPAINT_MODELS.
// Default: $HOME/.outpaintd/models
func ModelDir() string {
	if s := Var("OUTPAINT_MODELS"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(home, ".outpaintd", "models")
}

// AllowedOrigins returns origins permitted to talk to the HTTP API.
// Configurable via OUTPAINT_ORIGINS (comma separated).
func AllowedOrigins() (origins []string) {
	if s := Var("OUTPAINT_ORIGINS"); s != "" {
		origins = strings.Split(s, ",")
	}

	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("https://%s", origin),
			fmt.Sprintf("http://%s", net.JoinHostPort(origin, "*")),
			fmt.Sprintf("https://%s", net.JoinHostPort(origin, "*")),
		)
	}

	return origins
}

// Preload returns weight bundle refs to prefetch into the cache at
// startup.
// Configurable via OUTPAINT_PRELOAD (comma separated).
func Preload() []string {
	var refs []string
	for _, s := range strings.Split(Var("OUTPAINT_PRELOAD"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			refs = append(refs, s)
		}
	}
	return refs
}

// EngineCommand returns the diffusion engine command line the server
// spawns, split on whitespace.
// Configurable via OUTPAINT_ENGINE.
// Default: outpaint-engine
func EngineCommand() []string {
	if s := Var("OUTPAINT_ENGINE"); s != "" {
		return strings.Fields(s)
	}
	return []string{"outpaint-engine"}
}

// EngineURL returns the address of an already-running diffusion engine.
// When set the server attaches to it instead of spawning a subprocess.
// Configurable via OUTPAINT_ENGINE_URL.
func EngineURL() string {
	return Var("OUTPAINT_ENGINE_URL")
}

// LogLevel returns the slog level.
// Configurable via OUTPAINT_DEBUG: 0/false = INFO, 1/true = DEBUG, 2 = TRACE.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("OUTPAINT_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Var returns an environment variable, trimmed of whitespace and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
