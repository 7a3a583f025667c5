package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, ControlPort, cfg.Port)
	assert.Equal(t, "/workspace", cfg.WorkspaceDir)
	assert.Equal(t, 30*time.Second, cfg.CommandTimeout)
	assert.Equal(t, 10*time.Minute, cfg.SleepAfter)
	assert.False(t, cfg.KeepAlive)
	assert.Equal(t, "/tmp/sandboxd-state.db", cfg.StatePath)
	assert.Equal(t, ":8080", cfg.RouterAddr)
	assert.Equal(t, "http://127.0.0.1:3000", cfg.SandboxAddr)
	assert.Equal(t, []string{"workers.dev"}, cfg.BlockedApexDomains)
}

func TestMillisecondDurations(t *testing.T) {
	t.Setenv("COMMAND_TIMEOUT_MS", "5000")
	t.Setenv("CLEANUP_INTERVAL_MS", "1500")
	cfg := FromEnv()
	assert.Equal(t, 5*time.Second, cfg.CommandTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.CleanupInterval)
}

func TestInvalidDurationFallsBack(t *testing.T) {
	t.Setenv("COMMAND_TIMEOUT_MS", "soon")
	cfg := FromEnv()
	assert.Equal(t, 30*time.Second, cfg.CommandTimeout)

	t.Setenv("COMMAND_TIMEOUT_MS", "-1")
	cfg = FromEnv()
	assert.Equal(t, 30*time.Second, cfg.CommandTimeout)
}

func TestSleepAfterNever(t *testing.T) {
	t.Setenv("SLEEP_AFTER", "never")
	assert.Equal(t, time.Duration(0), FromEnv().SleepAfter)

	t.Setenv("SLEEP_AFTER", "NEVER")
	assert.Equal(t, time.Duration(0), FromEnv().SleepAfter)

	t.Setenv("SLEEP_AFTER", "60000")
	assert.Equal(t, time.Minute, FromEnv().SleepAfter)
}

func TestBlockedApexDomainsList(t *testing.T) {
	t.Setenv("BLOCKED_APEX_DOMAINS", "workers.dev, pages.dev ,")
	cfg := FromEnv()
	assert.Equal(t, []string{"workers.dev", "pages.dev"}, cfg.BlockedApexDomains)
}

func TestKeepAliveBool(t *testing.T) {
	t.Setenv("KEEP_ALIVE", "true")
	assert.True(t, FromEnv().KeepAlive)

	t.Setenv("KEEP_ALIVE", "maybe")
	assert.False(t, FromEnv().KeepAlive)
}

func TestDevPreviewBase(t *testing.T) {
	assert.Equal(t, "http://localhost:8080", (&Config{}).DevPreviewBase())
	assert.Equal(t, "http://localhost:9090", (&Config{RouterAddr: ":9090"}).DevPreviewBase())
	assert.Equal(t, "http://0.0.0.0:8080", (&Config{RouterAddr: "0.0.0.0:8080"}).DevPreviewBase())
}

func TestPortOverride(t *testing.T) {
	t.Setenv("PORT", "4000")
	assert.Equal(t, 4000, FromEnv().Port)
}
