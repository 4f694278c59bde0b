package deathlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client), s
}

func TestAcquireAndRelease(t *testing.T) {
	locker, _ := setupTestLocker(t)
	ctx := context.Background()

	token, err := locker.Acquire(ctx, "subj-1", LockDeclaration, "orchestrator", time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if token.SubjectID != "subj-1" || token.Type != LockDeclaration {
		t.Errorf("unexpected token %+v", token)
	}

	if err := locker.Release(ctx, token); err != nil {
		t.Errorf("Release failed: %v", err)
	}
}

func TestAcquireContended(t *testing.T) {
	locker, _ := setupTestLocker(t)
	ctx := context.Background()

	if _, err := locker.Acquire(ctx, "subj-1", LockDeclaration, "holder-a", time.Minute); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}

	_, err := locker.Acquire(ctx, "subj-1", LockDeclaration, "holder-b", time.Minute)
	if !errors.Is(err, ErrLockHeld) {
		t.Errorf("expected ErrLockHeld, got %v", err)
	}
}

func TestAcquireConcurrentSingleWinner(t *testing.T) {
	locker, _ := setupTestLocker(t)
	ctx := context.Background()

	// Many goroutines race for the same lock; exactly one may win, the rest
	// must see ErrLockHeld.
	const contenders = 32
	var wg sync.WaitGroup
	var wins atomic.Int32
	losses := make(chan error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := locker.Acquire(ctx, "subj-1", LockDeclaration, fmt.Sprintf("holder-%d", n), time.Minute)
			if err == nil {
				wins.Add(1)
				return
			}
			losses <- err
		}(i)
	}
	wg.Wait()
	close(losses)

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
	for err := range losses {
		if !errors.Is(err, ErrLockHeld) {
			t.Errorf("loser must see ErrLockHeld, got %v", err)
		}
	}
}

func TestLockTypesDoNotInterfere(t *testing.T) {
	locker, _ := setupTestLocker(t)
	ctx := context.Background()

	if _, err := locker.Acquire(ctx, "subj-1", LockDeclaration, "holder-a", time.Minute); err != nil {
		t.Fatalf("declaration Acquire failed: %v", err)
	}

	// Same subject, different lock type
	if _, err := locker.Acquire(ctx, "subj-1", LockBroadcast, "holder-a", time.Minute); err != nil {
		t.Errorf("broadcast Acquire failed: %v", err)
	}

	// Different subject, same lock type
	if _, err := locker.Acquire(ctx, "subj-2", LockDeclaration, "holder-b", time.Minute); err != nil {
		t.Errorf("other subject Acquire failed: %v", err)
	}
}

func TestAcquireAfterExpiry(t *testing.T) {
	locker, s := setupTestLocker(t)
	ctx := context.Background()

	if _, err := locker.Acquire(ctx, "subj-1", LockDeclaration, "holder-a", 50*time.Millisecond); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}

	s.FastForward(100 * time.Millisecond)

	if _, err := locker.Acquire(ctx, "subj-1", LockDeclaration, "holder-b", time.Minute); err != nil {
		t.Errorf("Acquire after expiry failed: %v", err)
	}
}

func TestReleaseAfterExpiryDoesNotStealSuccessor(t *testing.T) {
	locker, s := setupTestLocker(t)
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, "subj-1", LockDeclaration, "holder-a", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}

	s.FastForward(100 * time.Millisecond)

	fresh, err := locker.Acquire(ctx, "subj-1", LockDeclaration, "holder-b", time.Minute)
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}

	// The stale holder's release must not remove the successor's lock.
	if err := locker.Release(ctx, stale); !errors.Is(err, ErrLockNotHeld) {
		t.Errorf("expected ErrLockNotHeld for stale release, got %v", err)
	}

	if err := locker.Release(ctx, fresh); err != nil {
		t.Errorf("fresh Release failed: %v", err)
	}
}

func TestExtend(t *testing.T) {
	locker, s := setupTestLocker(t)
	ctx := context.Background()

	token, err := locker.Acquire(ctx, "subj-1", LockBroadcast, "engine", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	token, err = locker.Extend(ctx, token, time.Minute)
	if err != nil {
		t.Fatalf("Extend failed: %v", err)
	}

	s.FastForward(500 * time.Millisecond)

	// Still held after the original TTL thanks to the extension.
	if _, err := locker.Acquire(ctx, "subj-1", LockBroadcast, "intruder", time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Errorf("expected ErrLockHeld after extend, got %v", err)
	}
}

func TestExtendExpired(t *testing.T) {
	locker, s := setupTestLocker(t)
	ctx := context.Background()

	token, err := locker.Acquire(ctx, "subj-1", LockContest, "resolver", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	s.FastForward(100 * time.Millisecond)

	if _, err := locker.Extend(ctx, token, time.Minute); !errors.Is(err, ErrLockNotHeld) {
		t.Errorf("expected ErrLockNotHeld for expired extend, got %v", err)
	}
}
