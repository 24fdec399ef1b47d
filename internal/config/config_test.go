package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealchat/internal/keys"
	"sealchat/internal/relay"
)

func TestLoadMissingIsDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(dir), cfg)
	assert.Equal(t, relay.DefaultRelays, cfg.DefaultRelays)
	assert.Equal(t, 8*time.Second, cfg.PublishTimeout.Std())
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, FileName), []byte(`
LogLevel = "debug"
Relays = ["wss://Inbox.Example/", "wss://inbox.example"]
Cooldown = "30s"
FailureThreshold = 3
`), 0o600)
	require.NoError(t, err)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"wss://inbox.example"}, cfg.Relays)
	assert.Equal(t, 30*time.Second, cfg.Cooldown.Std())
	assert.Equal(t, 3, cfg.FailureThreshold)
	assert.Equal(t, Duration(72*time.Hour), cfg.BackfillWindow)
}

func TestLoadRejects(t *testing.T) {
	for name, body := range map[string]string{
		"unknown key": `Relayz = ["wss://a.example"]`,
		"bad relay":   `Relays = ["https://a.example"]`,
		"bad timeout": `PublishTimeout = "-1s"`,
		"bad syntax":  `Relays = [`,
	} {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0o600))
		_, err := Load(dir)
		assert.Error(t, err, name)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default(dir)
	cfg.Relays = []string{"wss://inbox.example"}
	cfg.MetricsAddr = "127.0.0.1:9100"
	require.NoError(t, cfg.Save())

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestIdentity(t *testing.T) {
	dir := t.TempDir()
	cfg := Default(dir)

	_, err := LoadIdentity(cfg.IdentityPath(), "pw")
	assert.True(t, errors.Is(err, ErrNoIdentity))

	kp := keys.Generate()
	require.NoError(t, SaveIdentity(cfg.IdentityPath(), kp, "pw"))

	loaded, err := LoadIdentity(cfg.IdentityPath(), "pw")
	require.NoError(t, err)
	assert.Equal(t, kp.Public, loaded.Public)
	assert.Equal(t, kp.Secret, loaded.Secret)

	_, err = LoadIdentity(cfg.IdentityPath(), "wrong")
	assert.True(t, errors.Is(err, ErrWrongPassphrase))

	assert.Error(t, SaveIdentity(cfg.IdentityPath(), kp.PublicOnly(), "pw"))
}
