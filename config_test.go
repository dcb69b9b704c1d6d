package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"cert without key", func(c *Config) { c.tlsCert = "cert.pem" }, "--tls-key"},
		{"key without cert", func(c *Config) { c.tlsKey = "key.pem" }, "--tls-cert"},
		{"port too low", func(c *Config) { c.port = 0 }, "invalid port"},
		{"port too high", func(c *Config) { c.port = 70000 }, "invalid port"},
		{"no researchers", func(c *Config) { c.researchers = 0 }, "researcher count"},
		{"no sub-rounds", func(c *Config) { c.subRounds = 0 }, "sub-round count"},
		{"zero timeout", func(c *Config) { c.playerTimeout = 0 }, "player timeout"},
		{"restore without database", func(c *Config) { c.restore = true }, "--restore requires --database"},
		{"restore with database", func(c *Config) { c.restore, c.database = true, "archive.db" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestConfig()
			tt.mutate(cfg)

			err := cfg.validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigScheme(t *testing.T) {
	cfg := newTestConfig()
	assert.Equal(t, "http", cfg.scheme())

	cfg.tlsCert, cfg.tlsKey = "cert.pem", "key.pem"
	assert.Equal(t, "https", cfg.scheme())
}

func TestNewCmdDefaults(t *testing.T) {
	cfg := &Config{}
	newCmd(cfg)

	assert.Equal(t, "0.0.0.0", cfg.bind)
	assert.Equal(t, 8080, cfg.port)
	assert.Equal(t, 3, cfg.researchers)
	assert.Equal(t, 4, cfg.subRounds)
	assert.Equal(t, time.Minute, cfg.playerTimeout)
	assert.False(t, cfg.restore)
}

func TestNewCmdReadsEnvironment(t *testing.T) {
	t.Setenv("ULTIMATUM_PORT", "9090")
	t.Setenv("ULTIMATUM_SUB_ROUNDS", "6")
	t.Setenv("ULTIMATUM_PLAYER_TIMEOUT", "30s")
	t.Setenv("ULTIMATUM_DATABASE", "/tmp/ultimatum.db")

	cfg := &Config{}
	newCmd(cfg)

	assert.Equal(t, 9090, cfg.port)
	assert.Equal(t, 6, cfg.subRounds)
	assert.Equal(t, 30*time.Second, cfg.playerTimeout)
	assert.Equal(t, "/tmp/ultimatum.db", cfg.database)
}

func TestNewCmdRejectsArguments(t *testing.T) {
	cmd := newCmd(&Config{})
	cmd.SetArgs([]string{"unexpected"})

	require.Error(t, cmd.Execute())
}
