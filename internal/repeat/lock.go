package repeat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// tickLock is a short-lived distributed lock guarding a single cron
// tick so that only one of several worker processes sharing a
// repeatable registration enqueues the job for that tick.
type tickLock struct {
	client *redis.Client
	key    string
	token  string
}

// acquireTickLock attempts to claim key for the duration of ttl.
// Returns nil, nil if another process already holds it.
func acquireTickLock(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*tickLock, error) {
	token := uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("repeat: acquire tick lock: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &tickLock{client: client, key: key, token: token}, nil
}

// release deletes the lock iff it is still held by this token.
func (l *tickLock) release(ctx context.Context) error {
	script := `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`
	return l.client.Eval(ctx, script, []string{l.key}, l.token).Err()
}
