package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLocked = errors.New("resource is locked by another commit")

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// CommitLock serializes commits on one resource across API replicas.
type CommitLock struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewCommitLock(client *redis.Client, ttl time.Duration) *CommitLock {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CommitLock{client: client, ttl: ttl, prefix: "blueshot:commit-lock:"}
}

// Acquire takes the lock for key or returns ErrLocked. The release func is
// safe to call more than once.
func (l *CommitLock) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	redisKey := l.prefix + key
	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire commit lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// Release must run even when the request context is gone.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err()
	}, nil
}
