package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "FORK_POLICY", "WALLET_BALANCE", "FALLBACK_DEPOSIT", "CATALOG_SUBJECT", "JWT_WRITE_SCOPE"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "include-parent", cfg.ForkPolicy)
	assert.Equal(t, int64(1000), cfg.WalletBalance)
	assert.Equal(t, int64(5), cfg.FallbackDeposit)
	assert.Equal(t, "catalog.models", cfg.CatalogSubject)
	assert.Equal(t, 2*time.Minute, cfg.CompletionTimeout)
	assert.Equal(t, "chats:write", cfg.JWTWriteScope)
}

func TestWriteScopeCanBeDisabled(t *testing.T) {
	t.Setenv("JWT_WRITE_SCOPE", "none")
	assert.Empty(t, Load().JWTWriteScope)

	t.Setenv("JWT_WRITE_SCOPE", "chat.append")
	assert.Equal(t, "chat.append", Load().JWTWriteScope)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("FORK_POLICY", "defer")
	t.Setenv("WALLET_BALANCE", "42")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("TRACING_ENABLED", "true")

	cfg := Load()
	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, "defer", cfg.ForkPolicy)
	assert.Equal(t, int64(42), cfg.WalletBalance)
	assert.Equal(t, 30*time.Second, cfg.RateLimitWindow)
	assert.True(t, cfg.TracingEnabled)
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("WALLET_BALANCE", "lots")
	t.Setenv("RATE_LIMIT_REQUESTS", "many")
	t.Setenv("SERVER_READ_TIMEOUT", "soon")

	cfg := Load()
	assert.Equal(t, int64(1000), cfg.WalletBalance)
	assert.Equal(t, 60, cfg.RateLimitRequests)
	assert.Equal(t, 30*time.Second, cfg.ServerReadTimeout)
}
