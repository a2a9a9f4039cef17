package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter decides whether a user may submit another task right now.
type RateLimiter interface {
	Allow(ctx context.Context, userID int64) (bool, error)
	Limit() int
}

// admitInWindow trims the window, then records the attempt only if it fits.
// KEYS[1] = window set, ARGV = now (ms), window (ms), limit, member.
var admitInWindow = redis.NewScript(`
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[3]) then
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)

type submissionLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter allows each user limit submissions per sliding window.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) RateLimiter {
	return &submissionLimiter{client: client, limit: limit, window: window, now: time.Now}
}

func (l *submissionLimiter) Limit() int { return l.limit }

func submissionKey(userID int64) string {
	return "media:ratelimit:submit:" + strconv.FormatInt(userID, 10)
}

// Allow admits the attempt when fewer than limit were admitted inside the
// window. Denied attempts are not recorded.
func (l *submissionLimiter) Allow(ctx context.Context, userID int64) (bool, error) {
	admitted, err := admitInWindow.Run(ctx, l.client, []string{submissionKey(userID)},
		l.now().UnixMilli(), l.window.Milliseconds(), l.limit, uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit user %d: %w", userID, err)
	}
	return admitted == 1, nil
}
