package deathlock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLocker implements Locker with single-key SET NX PX acquisition.
// Expiry is enforced by Redis itself.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: "deathlock:"}
}

func (l *RedisLocker) key(subjectID string, lockType LockType) string {
	return l.prefix + subjectID + ":" + string(lockType)
}

func (l *RedisLocker) Acquire(ctx context.Context, subjectID string, lockType LockType, holder string, ttl time.Duration) (Token, error) {
	value := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(subjectID, lockType), holder+"|"+value, ttl).Result()
	if err != nil {
		return Token{}, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return Token{}, ErrLockHeld
	}
	return Token{
		SubjectID: subjectID,
		Type:      lockType,
		Value:     holder + "|" + value,
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

// releaseScript deletes the key only if it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLocker) Release(ctx context.Context, token Token) error {
	deleted, err := releaseScript.Run(ctx, l.client, []string{l.key(token.SubjectID, token.Type)}, token.Value).Int()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if deleted == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// extendScript refreshes the TTL only if the key still carries the caller's
// token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

func (l *RedisLocker) Extend(ctx context.Context, token Token, ttl time.Duration) (Token, error) {
	extended, err := extendScript.Run(ctx, l.client,
		[]string{l.key(token.SubjectID, token.Type)},
		token.Value, ttl.Milliseconds()).Int()
	if err != nil {
		return Token{}, fmt.Errorf("extend lock: %w", err)
	}
	if extended == 0 {
		return Token{}, ErrLockNotHeld
	}
	token.ExpiresAt = time.Now().Add(ttl)
	return token, nil
}
