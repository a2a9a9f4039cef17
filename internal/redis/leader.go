package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Leader is a Redis lease that at most one instance holds at a time.
type Leader interface {
	// Acquire takes the lease or renews it if this instance already holds it.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lease up if held, letting a peer take over at once.
	Release(ctx context.Context) error
}

var renewLease = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

var releaseLease = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

type leader struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
}

// NewLeader returns a SETNX-based leader lease on key.
func NewLeader(client *redis.Client, key, instanceID string, ttl time.Duration) Leader {
	return &leader{client: client, key: key, instanceID: instanceID, ttl: ttl}
}

func (l *leader) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leader election SetNX: %w", err)
	}
	if ok {
		return true, nil
	}

	// Someone holds it; renew only if that someone is us.
	n, err := renewLease.Run(ctx, l.client, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("leader renewal: %w", err)
	}
	return n == 1, nil
}

func (l *leader) Release(ctx context.Context) error {
	if err := releaseLease.Run(ctx, l.client, []string{l.key}, l.instanceID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("leader release: %w", err)
	}
	return nil
}
