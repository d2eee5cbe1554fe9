package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 256, cfg.WebSocket.SendBufferSize)
	assert.Equal(t, 30*time.Second, cfg.WebSocket.PingInterval)
	assert.Equal(t, 60*time.Second, cfg.WebSocket.PongWait)
	assert.Equal(t, 16, cfg.Relay.Shards)
	assert.Equal(t, "sql", cfg.MessageLog.Driver)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, []string{"localhost:9042"}, cfg.Cassandra.Hosts)
	assert.Equal(t, int64(1), cfg.ID.MachineID)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, "local", cfg.Storage.Driver)
	assert.Equal(t, int64(10<<20), cfg.Upload.MaxSize)
	assert.Empty(t, cfg.WebSocket.AllowedOrigins)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_PATH", t.TempDir())
	t.Setenv("PORT", "9999")
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("CASSANDRA_HOSTS", "c1:9042, c2:9042")
	t.Setenv("WS_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("KAFKA_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, []string{"c1:9042", "c2:9042"}, cfg.Cassandra.Hosts)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.WebSocket.AllowedOrigins)
	assert.True(t, cfg.Kafka.Enabled)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitList([]string{"a, b", " ", "c"}))
	assert.Empty(t, splitList(nil))
}
