package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8082", cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Redis.Host)
	assert.Equal(t, 54*time.Second, cfg.WebSocket.PingPeriod)
	assert.Equal(t, 60*time.Second, cfg.WebSocket.PongWait)
	assert.Equal(t, 10000, cfg.WebSocket.MaxConnections)
	assert.Equal(t, 256, cfg.WebSocket.SendBufferSize)
	assert.Equal(t, 5*time.Minute, cfg.Cleanup.RoomSweepInterval)
	assert.Equal(t, 10*time.Minute, cfg.Cleanup.RoomIdleGrace)

	assert.NoError(t, cfg.Validate())
}

func TestKafkaDisabledByDefault(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.KafkaEnabled())
	assert.Equal(t, []string{"marker-events", "user-events", "community-events", "system-events"}, cfg.Kafka.Topics)
}

func TestKafkaEnabledWithBrokers(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.KafkaEnabled())
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
}

func TestValidateRejectsBadLiveness(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.WebSocket.PongWait = cfg.WebSocket.PingPeriod
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsMissingSecret(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Auth.JWTSecret = ""
	cfg.Auth.SkipAuth = false
	assert.Error(t, cfg.Validate())

	cfg.Auth.SkipAuth = true
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsZeroCapacity(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.WebSocket.MaxConnections = 0
	assert.Error(t, cfg.Validate())
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a"}, splitList("a"))
	assert.Equal(t, []string{"a", "b"}, splitList(" a , b ,"))
}
