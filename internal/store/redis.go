// Package store owns the redis connection that backs the control plane:
// distributed locks, session bindings, message idempotency keys, the durable
// chat queue and the cross-node websocket fan-out all share this client.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config holds redis connection configuration.
type Config struct {
	Addr     string // redis server address (host:port)
	Password string // redis password (optional)
	DB       int    // redis database number
}

// Connect creates a redis client and verifies the connection with a ping.
func Connect(ctx context.Context, config Config, logger zerolog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("event", "store.connected").
		Str("addr", config.Addr).
		Int("db", config.DB).
		Msg("connected to redis")

	return client, nil
}

// Pinger adapts a redis client to the health checker contract.
type Pinger struct {
	Client *redis.Client
}

func (p Pinger) Ping(ctx context.Context) error {
	return p.Client.Ping(ctx).Err()
}
