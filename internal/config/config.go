package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable of the gateway. Values come from environment
// variables (or an optional .env file), with defaults suitable for local
// development.
type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Auth      AuthConfig
	WebSocket WebSocketConfig
	Cleanup   CleanupConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	Mode         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	Host         string
	Port         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
}

// KafkaConfig drives the external event ingress. An empty broker list
// disables ingress entirely; the Redis bridge keeps working either way.
type KafkaConfig struct {
	Brokers     []string
	Topics      []string
	GroupPrefix string
	MinBytes    int
	MaxBytes    int
	DialTimeout time.Duration
}

type AuthConfig struct {
	JWTSecret string
	SkipAuth  bool
}

type WebSocketConfig struct {
	ReadBufferSize   int
	WriteBufferSize  int
	HandshakeTimeout time.Duration
	CheckOrigin      bool
	AllowedOrigins   []string
	PingPeriod       time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	MaxMessageSize   int64
	MaxConnections   int
	SendBufferSize   int
}

type CleanupConfig struct {
	RoomSweepInterval     time.Duration
	RoomIdleGrace         time.Duration
	PresenceSweepInterval time.Duration
	PresenceIdleWindow    time.Duration
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

// Load reads configuration from the environment, falling back to a .env file
// in the working directory when present.
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")

	viper.SetDefault("SERVER_HOST", "0.0.0.0")
	viper.SetDefault("SERVER_PORT", "8082")
	viper.SetDefault("SERVER_MODE", "release")
	viper.SetDefault("SERVER_READ_TIMEOUT", 15*time.Second)
	viper.SetDefault("SERVER_WRITE_TIMEOUT", 15*time.Second)
	viper.SetDefault("SERVER_IDLE_TIMEOUT", 60*time.Second)

	viper.SetDefault("REDIS_HOST", "localhost")
	viper.SetDefault("REDIS_PORT", "6379")
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("REDIS_POOL_SIZE", 10)
	viper.SetDefault("REDIS_MIN_IDLE_CONNS", 5)
	viper.SetDefault("REDIS_DIAL_TIMEOUT", 5*time.Second)
	viper.SetDefault("REDIS_READ_TIMEOUT", 3*time.Second)
	viper.SetDefault("REDIS_WRITE_TIMEOUT", 3*time.Second)
	viper.SetDefault("REDIS_POOL_TIMEOUT", 4*time.Second)

	viper.SetDefault("KAFKA_BROKERS", "")
	viper.SetDefault("KAFKA_TOPICS", "marker-events,user-events,community-events,system-events")
	viper.SetDefault("KAFKA_GROUP_PREFIX", "realtime-gateway")
	viper.SetDefault("KAFKA_MIN_BYTES", 1)
	viper.SetDefault("KAFKA_MAX_BYTES", 1048576)
	viper.SetDefault("KAFKA_DIAL_TIMEOUT", 10*time.Second)

	viper.SetDefault("JWT_SECRET", "dev-secret")
	viper.SetDefault("SKIP_AUTH", false)

	viper.SetDefault("WS_READ_BUFFER_SIZE", 1024)
	viper.SetDefault("WS_WRITE_BUFFER_SIZE", 1024)
	viper.SetDefault("WS_HANDSHAKE_TIMEOUT", 10*time.Second)
	viper.SetDefault("WS_CHECK_ORIGIN", false)
	viper.SetDefault("WS_ALLOWED_ORIGINS", "http://localhost:3000")
	viper.SetDefault("WS_PING_PERIOD", 54*time.Second)
	viper.SetDefault("WS_PONG_WAIT", 60*time.Second)
	viper.SetDefault("WS_WRITE_WAIT", 10*time.Second)
	viper.SetDefault("WS_MAX_MESSAGE_SIZE", 4096)
	viper.SetDefault("WS_MAX_CONNECTIONS", 10000)
	viper.SetDefault("WS_SEND_BUFFER_SIZE", 256)

	viper.SetDefault("ROOM_SWEEP_INTERVAL", 5*time.Minute)
	viper.SetDefault("ROOM_IDLE_GRACE", 10*time.Minute)
	viper.SetDefault("PRESENCE_SWEEP_INTERVAL", 15*time.Minute)
	viper.SetDefault("PRESENCE_IDLE_WINDOW", 30*time.Minute)

	viper.SetDefault("METRICS_ENABLED", true)
	viper.SetDefault("METRICS_PATH", "/metrics")

	viper.AutomaticEnv()

	// The .env file is optional; environment variables win regardless.
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Host:         viper.GetString("SERVER_HOST"),
			Port:         viper.GetString("SERVER_PORT"),
			Mode:         viper.GetString("SERVER_MODE"),
			ReadTimeout:  viper.GetDuration("SERVER_READ_TIMEOUT"),
			WriteTimeout: viper.GetDuration("SERVER_WRITE_TIMEOUT"),
			IdleTimeout:  viper.GetDuration("SERVER_IDLE_TIMEOUT"),
		},
		Redis: RedisConfig{
			Host:         viper.GetString("REDIS_HOST"),
			Port:         viper.GetString("REDIS_PORT"),
			Password:     viper.GetString("REDIS_PASSWORD"),
			DB:           viper.GetInt("REDIS_DB"),
			PoolSize:     viper.GetInt("REDIS_POOL_SIZE"),
			MinIdleConns: viper.GetInt("REDIS_MIN_IDLE_CONNS"),
			DialTimeout:  viper.GetDuration("REDIS_DIAL_TIMEOUT"),
			ReadTimeout:  viper.GetDuration("REDIS_READ_TIMEOUT"),
			WriteTimeout: viper.GetDuration("REDIS_WRITE_TIMEOUT"),
			PoolTimeout:  viper.GetDuration("REDIS_POOL_TIMEOUT"),
		},
		Kafka: KafkaConfig{
			Brokers:     splitList(viper.GetString("KAFKA_BROKERS")),
			Topics:      splitList(viper.GetString("KAFKA_TOPICS")),
			GroupPrefix: viper.GetString("KAFKA_GROUP_PREFIX"),
			MinBytes:    viper.GetInt("KAFKA_MIN_BYTES"),
			MaxBytes:    viper.GetInt("KAFKA_MAX_BYTES"),
			DialTimeout: viper.GetDuration("KAFKA_DIAL_TIMEOUT"),
		},
		Auth: AuthConfig{
			JWTSecret: viper.GetString("JWT_SECRET"),
			SkipAuth:  viper.GetBool("SKIP_AUTH"),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:   viper.GetInt("WS_READ_BUFFER_SIZE"),
			WriteBufferSize:  viper.GetInt("WS_WRITE_BUFFER_SIZE"),
			HandshakeTimeout: viper.GetDuration("WS_HANDSHAKE_TIMEOUT"),
			CheckOrigin:      viper.GetBool("WS_CHECK_ORIGIN"),
			AllowedOrigins:   splitList(viper.GetString("WS_ALLOWED_ORIGINS")),
			PingPeriod:       viper.GetDuration("WS_PING_PERIOD"),
			PongWait:         viper.GetDuration("WS_PONG_WAIT"),
			WriteWait:        viper.GetDuration("WS_WRITE_WAIT"),
			MaxMessageSize:   viper.GetInt64("WS_MAX_MESSAGE_SIZE"),
			MaxConnections:   viper.GetInt("WS_MAX_CONNECTIONS"),
			SendBufferSize:   viper.GetInt("WS_SEND_BUFFER_SIZE"),
		},
		Cleanup: CleanupConfig{
			RoomSweepInterval:     viper.GetDuration("ROOM_SWEEP_INTERVAL"),
			RoomIdleGrace:         viper.GetDuration("ROOM_IDLE_GRACE"),
			PresenceSweepInterval: viper.GetDuration("PRESENCE_SWEEP_INTERVAL"),
			PresenceIdleWindow:    viper.GetDuration("PRESENCE_IDLE_WINDOW"),
		},
		Metrics: MetricsConfig{
			Enabled: viper.GetBool("METRICS_ENABLED"),
			Path:    viper.GetString("METRICS_PATH"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}
	if c.Auth.JWTSecret == "" && !c.Auth.SkipAuth {
		return fmt.Errorf("JWT secret is required")
	}
	if c.WebSocket.PongWait <= c.WebSocket.PingPeriod {
		return fmt.Errorf("pong wait must be longer than the ping period")
	}
	if c.WebSocket.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be positive")
	}
	return nil
}

// KafkaEnabled reports whether external ingress should be started.
func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
