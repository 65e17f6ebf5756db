// Package redisflag mirrors the online flag into a Redis set so other
// processes can read who is connected without asking this one.
package redisflag

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pelusa-v/relay-chat/internal/chat"
)

const DefaultKey = "chat:online"

type Flags struct {
	client *redis.Client
	key    string
}

// New connects to addr. key names the Redis set; empty means DefaultKey.
func New(ctx context.Context, addr, key string) (*Flags, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     20,
		MinIdleConns: 2,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		DialTimeout:  500 * time.Millisecond,
	})
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewWithClient(client, key), nil
}

func NewWithClient(client *redis.Client, key string) *Flags {
	if key == "" {
		key = DefaultKey
	}
	return &Flags{client: client, key: key}
}

func (f *Flags) SetOnline(ctx context.Context, user chat.User, online bool) error {
	var err error
	if online {
		err = f.client.SAdd(ctx, f.key, user.Username).Err()
	} else {
		err = f.client.SRem(ctx, f.key, user.Username).Err()
	}
	if err != nil {
		return fmt.Errorf("redis online flag for %s: %w", user.Username, err)
	}
	return nil
}

// Online lists every username currently in the set.
func (f *Flags) Online(ctx context.Context) ([]string, error) {
	members, err := f.client.SMembers(ctx, f.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis online set: %w", err)
	}
	return members, nil
}

// Reset clears the set. Called at startup, since a crashed process never
// wrote its offline flags.
func (f *Flags) Reset(ctx context.Context) error {
	return f.client.Del(ctx, f.key).Err()
}

func (f *Flags) Close() error {
	return f.client.Close()
}
