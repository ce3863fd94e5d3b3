// Package session maps users to live sockets and to the rooms they should
// auto-join, backed by redis. At any instant a user has at most one live
// socket; binding a new one evicts the rest.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Registry stores user↔socket and user→rooms mappings.
type Registry struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

func NewRegistry(rdb *redis.Client, logger zerolog.Logger) *Registry {
	return &Registry{rdb: rdb, logger: logger}
}

func userSocketsKey(user string) string { return "user:sockets:" + user }
func socketUserKey(socket string) string { return "socket:user:" + socket }
func userRoomsKey(user string) string   { return "user:rooms:" + user }

// Bind maps socket to user and returns the socket ids that were evicted to
// keep the one-socket-per-user invariant. The whole swap runs in a single
// MULTI/EXEC pipeline.
func (r *Registry) Bind(ctx context.Context, user, socket string) ([]string, error) {
	existing, err := r.rdb.SMembers(ctx, userSocketsKey(user)).Result()
	if err != nil {
		return nil, fmt.Errorf("session bind %s: %w", user, err)
	}

	var evicted []string
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, old := range existing {
			if old == socket {
				continue
			}
			pipe.SRem(ctx, userSocketsKey(user), old)
			pipe.Del(ctx, socketUserKey(old))
			evicted = append(evicted, old)
		}
		pipe.SAdd(ctx, userSocketsKey(user), socket)
		pipe.Set(ctx, socketUserKey(socket), user, 0)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("session bind %s: %w", user, err)
	}

	if len(evicted) > 0 {
		r.logger.Info().
			Str("event", "session.evicted").
			Str("user_id", user).
			Strs("sockets", evicted).
			Msg("older sockets evicted by new bind")
	}
	return evicted, nil
}

// Unbind removes both directions of a socket mapping. Unknown sockets are a
// no-op.
func (r *Registry) Unbind(ctx context.Context, socket string) error {
	user, err := r.rdb.Get(ctx, socketUserKey(socket)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("session unbind %s: %w", socket, err)
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, userSocketsKey(user), socket)
		pipe.Del(ctx, socketUserKey(socket))
		return nil
	})
	if err != nil {
		return fmt.Errorf("session unbind %s: %w", socket, err)
	}
	return nil
}

// AddRooms records rooms the user should auto-join on future connects.
func (r *Registry) AddRooms(ctx context.Context, user string, rooms []string) error {
	if len(rooms) == 0 {
		return nil
	}
	members := make([]any, len(rooms))
	for i, room := range rooms {
		members[i] = room
	}
	if err := r.rdb.SAdd(ctx, userRoomsKey(user), members...).Err(); err != nil {
		return fmt.Errorf("session add rooms %s: %w", user, err)
	}
	return nil
}

// RoomsOf returns the rooms recorded for the user.
func (r *Registry) RoomsOf(ctx context.Context, user string) ([]string, error) {
	rooms, err := r.rdb.SMembers(ctx, userRoomsKey(user)).Result()
	if err != nil {
		return nil, fmt.Errorf("session rooms of %s: %w", user, err)
	}
	return rooms, nil
}

// UserOf returns the user bound to a socket, or "" when the socket is
// unbound.
func (r *Registry) UserOf(ctx context.Context, socket string) (string, error) {
	user, err := r.rdb.Get(ctx, socketUserKey(socket)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session user of %s: %w", socket, err)
	}
	return user, nil
}

// SocketsOf returns the live socket ids of a user (0 or 1 under the bind
// invariant).
func (r *Registry) SocketsOf(ctx context.Context, user string) ([]string, error) {
	sockets, err := r.rdb.SMembers(ctx, userSocketsKey(user)).Result()
	if err != nil {
		return nil, fmt.Errorf("session sockets of %s: %w", user, err)
	}
	return sockets, nil
}
