package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongjun500/chatlink/internal/auth"
	"github.com/hongjun500/chatlink/internal/client"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8080/ws", cfg.Client.URL)
	assert.Equal(t, 15*time.Second, cfg.Client.PingInterval)
	assert.Equal(t, 5, cfg.Client.MaxReconnectAttempts)
	assert.Nil(t, cfg.TokenProvider())

	_, err = client.New(cfg.ClientConfig())
	assert.NoError(t, err)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatlink.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[client]
url = "ws://chat.example:9000/ws"
ping_interval = "5s"
max_reconnect_attempts = 7
drain_rate = 20

[store]
driver = "sqlite"
sqlite_path = "/tmp/q.db"
`), 0o644))

	t.Setenv("CHATLINK_CLIENT_PONG__TIMEOUT", "2s")
	t.Setenv("CHATLINK_CLIENT_MAX__RECONNECT__ATTEMPTS", "9")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://chat.example:9000/ws", cfg.Client.URL)
	assert.Equal(t, 5*time.Second, cfg.Client.PingInterval)
	assert.Equal(t, 2*time.Second, cfg.Client.PongTimeout)
	assert.Equal(t, 9, cfg.Client.MaxReconnectAttempts, "env wins over file")
	assert.InDelta(t, 20.0, cfg.Client.DrainRate, 0.001)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 10*time.Second, cfg.Client.AuthTimeout, "unset keeps default")

	cc := cfg.ClientConfig()
	assert.Equal(t, 9, cc.MaxReconnectAttempts)
	assert.Equal(t, 2*time.Second, cc.PongTimeout)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("CHATLINK_CLIENT_CODEC", "xml")
	t.Setenv("CHATLINK_STORE_DRIVER", "mongo")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Codec")
	assert.Contains(t, err.Error(), "Driver")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "client.ping_interval", envKey("CHATLINK_CLIENT_PING__INTERVAL"))
	assert.Equal(t, "log.level", envKey("CHATLINK_LOG_LEVEL"))
}

func TestTokenProvider(t *testing.T) {
	cfg := Default()
	cfg.Auth.Token = "static"
	tok, err := cfg.TokenProvider()(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "static", tok)

	cfg.Auth.Secret = "k"
	tok, err = cfg.TokenProvider()(context.Background())
	require.NoError(t, err)
	claims, err := auth.Verify([]byte("k"), tok)
	require.NoError(t, err)
	assert.Equal(t, "chatlink", claims.Subject)
}
