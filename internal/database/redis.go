package database

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/richiexuetang/ritcher-map-sub000/internal/config"
	"github.com/richiexuetang/ritcher-map-sub000/pkg/logger"
)

// NewRedisClient builds and verifies the shared Redis connection. The client
// carries both the pub/sub bridge and any future keyspace use, so startup
// fails hard when it is unreachable.
func NewRedisClient(cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
	})

	if logrus.IsLevelEnabled(logrus.DebugLevel) {
		client.AddHook(&loggingHook{logger: logger.Component("redis")})
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Component("redis").WithFields(logrus.Fields{
		"addr": client.Options().Addr,
		"db":   cfg.DB,
	}).Info("Connected to Redis")

	return client, nil
}

// loggingHook traces command latency at debug level. It is only installed
// when debug logging is on, so the hot path carries no cost in production.
type loggingHook struct {
	logger *logrus.Entry
}

func (h *loggingHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		h.logger.WithField("addr", addr).Debug("Dialing Redis")
		return next(ctx, network, addr)
	}
}

func (h *loggingHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		h.logger.WithFields(logrus.Fields{
			"command":  cmd.Name(),
			"duration": time.Since(start),
		}).Debug("Redis command")
		return err
	}
}

func (h *loggingHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		h.logger.WithFields(logrus.Fields{
			"commands": len(cmds),
			"duration": time.Since(start),
		}).Debug("Redis pipeline")
		return err
	}
}
