package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GRANT_TTL_MINUTES", "")
	t.Setenv("GRANT_SAFETY_MARGIN_MINUTES", "")
	t.Setenv("CHANNEL_THRESHOLD_DAYS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 60*time.Minute, cfg.Access.GrantTTL)
	assert.Equal(t, 10*time.Minute, cfg.Access.SafetyMargin)
	assert.Equal(t, 30, cfg.Provisioning.ThresholdDays)
	assert.Equal(t, int64(10*1024*1024), cfg.Upload.MaxGreetingBytes)
}

func TestLoadRejectsMarginAboveTTL(t *testing.T) {
	t.Setenv("GRANT_TTL_MINUTES", "5")
	t.Setenv("GRANT_SAFETY_MARGIN_MINUTES", "10")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GRANT_SAFETY_MARGIN_MINUTES")
}

func TestDSNPrefersURL(t *testing.T) {
	c := DatabaseConfig{URL: "postgres://x/y", Host: "ignored"}
	assert.Equal(t, "postgres://x/y", c.DSN())

	c = DatabaseConfig{User: "u", Password: "p", Host: "h", Port: "1", DBName: "d", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@h:1/d?sslmode=disable", c.DSN())
}
