// Package config reads the environment surface shared by the control plane
// and the front-end router.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"sandboxd/internal/logging"
)

// ControlPort is the reserved port the control plane listens on inside the
// container. It is never exposable as a user port.
const ControlPort = 3000

// Config carries settings for both daemons. Fields that only one daemon uses
// are simply ignored by the other.
type Config struct {
	// Identity
	SandboxName string
	BaseURL     string

	// Control plane
	Port         int
	WorkspaceDir string

	// Session defaults
	SessionID      string
	SessionCwd     string
	CommandTimeout time.Duration

	// Shell temp-file housekeeping
	TempDir         string
	CleanupInterval time.Duration
	TempFileMaxAge  time.Duration

	// Lifecycle
	SleepAfter time.Duration // 0 means "never"
	KeepAlive  bool

	// Persisted metadata store (sqlite file)
	StatePath string

	// Router
	RouterAddr         string
	BaseDomain         string
	DevMode            bool
	SandboxAddr        string // control-plane address template for a sandbox
	BlockedApexDomains []string
}

// FromEnv builds a Config from the process environment, applying defaults for
// anything unset or unparsable.
func FromEnv() *Config {
	cfg := &Config{
		SandboxName:        os.Getenv("SANDBOX_NAME"),
		BaseURL:            os.Getenv("BASE_URL"),
		Port:               envInt("PORT", ControlPort),
		WorkspaceDir:       envString("WORKSPACE_DIR", "/workspace"),
		SessionID:          os.Getenv("SESSION_ID"),
		SessionCwd:         envString("SESSION_CWD", "/workspace"),
		CommandTimeout:     envDuration("COMMAND_TIMEOUT_MS", 30*time.Second),
		TempDir:            envString("TEMP_DIR", os.TempDir()),
		CleanupInterval:    envDuration("CLEANUP_INTERVAL_MS", 30*time.Second),
		TempFileMaxAge:     envDuration("TEMP_FILE_MAX_AGE_MS", 60*time.Second),
		SleepAfter:         envSleepAfter("SLEEP_AFTER", 10*time.Minute),
		KeepAlive:          envBool("KEEP_ALIVE", false),
		StatePath:          envString("STATE_PATH", "/tmp/sandboxd-state.db"),
		RouterAddr:         envString("ROUTER_ADDR", ":8080"),
		BaseDomain:         os.Getenv("BASE_DOMAIN"),
		DevMode:            envBool("DEV_MODE", false),
		SandboxAddr:        envString("SANDBOX_ADDR", "http://127.0.0.1:3000"),
		BlockedApexDomains: envList("BLOCKED_APEX_DOMAINS", []string{"workers.dev"}),
	}
	return cfg
}

// DevPreviewBase is the router origin used to build /preview URLs when no
// public base URL is configured. A bare ":port" router address resolves to
// localhost on that port.
func (c *Config) DevPreviewBase() string {
	addr := c.RouterAddr
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logging.S().Warnf("invalid %s=%q, using %d", key, v, def)
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// envDuration reads a millisecond count.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		logging.S().Warnf("invalid %s=%q, using %s", key, v, def)
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// envSleepAfter accepts a millisecond count or the literal "never".
func envSleepAfter(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if strings.EqualFold(v, "never") {
		return 0
	}
	return envDuration(key, def)
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
