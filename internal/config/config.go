// Package config loads relaybroker's configuration from the environment.
//
// There is no config file format in scope (spec.md explicitly excludes
// "config file formats, installation, updates" as an external collaborator);
// every setting is an environment variable with a sane default, following
// the getEnv/getEnvInt helper pattern the teacher codebase uses in its
// cmd/main.go.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable the daemon reads at startup.
type Config struct {
	// HTTPAddr is the listen address for the HTTP/WebSocket server.
	HTTPAddr string

	// LogLevel and LogPretty configure internal/logger.
	LogLevel  string
	LogPretty bool

	// PluginDirs are scanned for plugin modules, project dir first so it
	// can override a user-level plugin of the same name.
	PluginDirs []string

	// DefaultAssistantArgv and DefaultAssistantCwd are the child command
	// and working directory used when a Gateway Attach creates a brand
	// new session (spec.md §4.4's Attach message carries only
	// session_id/name — see internal/gateway's DESIGN.md Open Question
	// decision for why argv/cwd are a broker-wide default rather than a
	// per-attach parameter).
	DefaultAssistantArgv []string
	DefaultAssistantCwd  string

	// SessionOrphanGrace is how long an orphaned session (no owner, no
	// subscribers) survives before GC, per spec.md §3.
	SessionOrphanGrace time.Duration

	// HookResponseTimeout bounds the wait for a response-capable hook's
	// collected response, per spec.md §4.3.
	HookResponseTimeout time.Duration

	// ConnSendQueueSize is the bounded capacity of each connection's
	// outbound send queue (backpressure, spec.md §5).
	ConnSendQueueSize int

	// PluginQueueSize is read from RELAY_PLUGIN_QUEUE_SIZE but is not
	// passed to the PluginHost, whose plugin subscriptions each have a
	// fixed delivery-queue capacity of 256.
	PluginQueueSize int

	// EventLogPageSize is the default page size for late-joiner catch-up
	// batches (EventsBatch).
	EventLogPageSize int

	// PtyOutputByteCap and PtyOutputCoalesceWindow bound PtyOutput event
	// batching, per spec.md §4.2.
	PtyOutputByteCap        int
	PtyOutputCoalesceWindow time.Duration

	// PostgresDSN, when non-empty, enables durable session-registry
	// persistence. Empty means in-memory only.
	PostgresDSN string

	// RedisAddr, when non-empty, makes the Gateway record backpressure
	// drops per connection in Redis (internal/metrics), so the counts
	// survive daemon restarts. Empty means drops are not recorded.
	RedisAddr string

	// AllowAnonymous permits unauthenticated remote connections to be
	// classified as Anonymous rather than refused, per spec.md §6.
	AllowAnonymous bool

	// JWTSecret, when non-empty, enables local HS256 bearer-token
	// validation (internal/auth.WithJWTSecret) for remote connections.
	JWTSecret []byte

	// OIDCIssuerURL and OIDCClientID, when both non-empty, enable upstream
	// OIDC identity-token validation (internal/auth.DiscoverOIDCVerifier)
	// as an alternative to JWTSecret.
	OIDCIssuerURL string
	OIDCClientID  string

	// HookListenAddr is the local address relayhookctl talks to.
	HookListenAddr string

	// APIVersion is handed to plugins as Harness.APIVersion. The load-time
	// api-version check (spec.md §3 invariant 4) compares each plugin
	// against pluginhost.CurrentAPIVersion, not against this value.
	APIVersion int

	// VAPIDPublicKey is handed back verbatim by GET /api/push/vapid-key.
	// Empty means push is not configured for this deployment (spec.md §1
	// Non-goals: push delivery itself is a plugin's job, not the
	// broker's — see internal/httpapi's package doc).
	VAPIDPublicKey string
}

// Load reads Config from the environment, applying defaults.
func Load() Config {
	return Config{
		HTTPAddr:                getEnv("RELAY_HTTP_ADDR", ":7700"),
		LogLevel:                getEnv("RELAY_LOG_LEVEL", "info"),
		LogPretty:               getEnvBool("RELAY_LOG_PRETTY", false),
		PluginDirs:              []string{getEnv("RELAY_PROJECT_PLUGIN_DIR", "./.relaybroker/plugins"), getEnv("RELAY_USER_PLUGIN_DIR", "~/.relaybroker/plugins")},
		DefaultAssistantArgv:    getEnvArgv("RELAY_ASSISTANT_ARGV", []string{"claude"}),
		DefaultAssistantCwd:     os.Getenv("RELAY_ASSISTANT_CWD"),
		SessionOrphanGrace:      getEnvDuration("RELAY_ORPHAN_GRACE", 5*time.Minute),
		HookResponseTimeout:     getEnvDuration("RELAY_HOOK_TIMEOUT", 5*time.Second),
		ConnSendQueueSize:       getEnvInt("RELAY_CONN_QUEUE_SIZE", 256),
		PluginQueueSize:         getEnvInt("RELAY_PLUGIN_QUEUE_SIZE", 256),
		EventLogPageSize:        getEnvInt("RELAY_PAGE_SIZE", 200),
		PtyOutputByteCap:        getEnvInt("RELAY_PTY_BYTE_CAP", 8192),
		PtyOutputCoalesceWindow: getEnvDuration("RELAY_PTY_COALESCE_WINDOW", 8*time.Millisecond),
		PostgresDSN:             os.Getenv("RELAY_POSTGRES_DSN"),
		RedisAddr:               os.Getenv("RELAY_REDIS_ADDR"),
		AllowAnonymous:          getEnvBool("RELAY_ALLOW_ANONYMOUS", true),
		JWTSecret:               []byte(os.Getenv("RELAY_JWT_SECRET")),
		OIDCIssuerURL:           os.Getenv("RELAY_OIDC_ISSUER_URL"),
		OIDCClientID:            os.Getenv("RELAY_OIDC_CLIENT_ID"),
		HookListenAddr:          getEnv("RELAY_HOOK_ADDR", "127.0.0.1:7701"),
		APIVersion:              getEnvInt("RELAY_API_VERSION", 1),
		VAPIDPublicKey:          os.Getenv("RELAY_VAPID_PUBLIC_KEY"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvArgv splits a space-separated command line, e.g.
// RELAY_ASSISTANT_ARGV="claude --dangerously-skip-permissions".
func getEnvArgv(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return strings.Fields(v)
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
