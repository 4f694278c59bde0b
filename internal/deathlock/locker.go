// Package deathlock provides per-subject mutual exclusion for death
// processing. A lock is scoped to one subject and one operation kind and
// expires on its own so a crashed holder never wedges a subject forever.
package deathlock

import (
	"context"
	"errors"
	"time"
)

type LockType string

const (
	LockDeclaration LockType = "declaration_transition"
	LockBroadcast   LockType = "broadcast_execution"
	LockContest     LockType = "contest_resolution"
)

var (
	// ErrLockHeld means another holder owns the lock. Retryable.
	ErrLockHeld = errors.New("lock held by another holder")
	// ErrLockNotHeld means a release or extend presented a token that no
	// longer owns the lock.
	ErrLockNotHeld = errors.New("lock not held by this token")
)

// Token proves ownership of an acquired lock. Release and Extend only act
// when the stored token still matches, so a slow holder whose lock expired
// cannot release a successor's lock.
type Token struct {
	SubjectID string
	Type      LockType
	Value     string
	ExpiresAt time.Time
}

// Locker is the mutual exclusion contract. Acquire must be a single
// conditional write on the backing store, never a read followed by a write.
type Locker interface {
	Acquire(ctx context.Context, subjectID string, lockType LockType, holder string, ttl time.Duration) (Token, error)
	Release(ctx context.Context, token Token) error
	Extend(ctx context.Context, token Token, ttl time.Duration) (Token, error)
}
