package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(FileEnv, "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:8080", cfg.Endpoint)
	assert.Equal(t, 60*time.Second, cfg.Bot.HeartbeatTimeout)
	assert.Equal(t, 1000, cfg.Bot.MaxEventsPerMinute)
	assert.Equal(t, 1, cfg.Bot.BatchSize)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 8125, cfg.Statsd.Port)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.False(t, cfg.Database.Enabled)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv(FileEnv, "")
	t.Setenv("COBRA_ENDPOINT", "wss://bus.example.com")
	t.Setenv("COBRA_APPKEY", "app")
	t.Setenv("COBRA_ROLE_NAME", "subscriber")
	t.Setenv("COBRA_ROLE_SECRET", "s3cret")
	t.Setenv("COBRA_TLS_CA_FILE", "NONE")
	t.Setenv("COBRA_BOT_BATCH_SIZE", "10")
	t.Setenv("COBRA_ADMIN_ALLOWED_ORIGINS", "http://a,http://b")

	cfg, err := Load()
	require.NoError(t, err)

	conn := cfg.Connection()
	assert.Equal(t, "wss://bus.example.com", conn.Endpoint)
	assert.Equal(t, "subscriber", conn.RoleName)
	assert.Equal(t, "NONE", conn.TLS.CAFile)
	assert.NoError(t, conn.Validate())
	assert.Equal(t, 10, cfg.Bot.BatchSize)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.Admin.AllowedOrigins)
}

func TestLoadEnvironmentRejectsBadValues(t *testing.T) {
	t.Setenv("COBRA_BOT_BATCH_SIZE", "ten")
	_, err := LoadFile("")
	assert.Error(t, err)
}

func TestLoadFileOverlaysEnvironment(t *testing.T) {
	t.Setenv("COBRA_APPKEY", "from-env")
	t.Setenv("COBRA_ROLE_NAME", "from-env")

	path := filepath.Join(t.TempDir(), "cobra.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
appkey: from-file
role_secret: file-secret
publisher_role_name: publisher
publisher_role_secret: pub-secret
bot:
  heartbeat_timeout: 5s
database:
  enabled: true
  host: db.internal
`), 0o600))
	t.Setenv(FileEnv, path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.AppKey)
	assert.Equal(t, "from-env", cfg.RoleName, "keys absent from the file keep their environment value")
	assert.Equal(t, 5*time.Second, cfg.Bot.HeartbeatTimeout)
	assert.Equal(t, 1000, cfg.Bot.MaxEventsPerMinute)

	pub := cfg.PublisherConnection()
	assert.Equal(t, "publisher", pub.RoleName)
	assert.Equal(t, "pub-secret", pub.RoleSecret)
	assert.Equal(t, "from-env", cfg.Connection().RoleName)

	db := cfg.DatabaseConnection()
	assert.True(t, cfg.Database.Enabled)
	assert.Equal(t, "db.internal", db.Host)
	assert.Contains(t, db.DSN(), "db.internal:5432")
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bot: [1, 2"), 0o600))
	_, err = LoadFile(path)
	assert.Error(t, err)
}
