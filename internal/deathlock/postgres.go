package deathlock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresLocker implements Locker on the death_locks table for deployments
// without Redis. Acquisition is one conditional insert: it takes the row when
// it is free or when the previous holder's lease has expired.
type PostgresLocker struct {
	db *sql.DB
}

func NewPostgresLocker(db *sql.DB) *PostgresLocker {
	return &PostgresLocker{db: db}
}

func (l *PostgresLocker) Acquire(ctx context.Context, subjectID string, lockType LockType, holder string, ttl time.Duration) (Token, error) {
	value := uuid.NewString()
	expiresAt := time.Now().Add(ttl)

	// The prior CTE snapshots the expired holder so a reclaim can be audited.
	// RETURNING yields NULL for a fresh insert and the old holder otherwise.
	var priorHolder sql.NullString
	err := l.db.QueryRowContext(ctx, `
		WITH prior AS (
			SELECT holder FROM death_locks
			WHERE subject_id=$1 AND lock_type=$2 AND expires_at < NOW()
		)
		INSERT INTO death_locks (subject_id, lock_type, token, holder, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4, NOW(), $5)
		ON CONFLICT (subject_id, lock_type) DO UPDATE SET
			token=EXCLUDED.token, holder=EXCLUDED.holder,
			acquired_at=NOW(), expires_at=EXCLUDED.expires_at
		WHERE death_locks.expires_at < NOW()
		RETURNING (SELECT holder FROM prior)
	`, subjectID, lockType, value, holder, expiresAt).Scan(&priorHolder)
	if err == sql.ErrNoRows {
		return Token{}, ErrLockHeld
	}
	if err != nil {
		return Token{}, fmt.Errorf("acquire lock: %w", err)
	}

	if priorHolder.Valid {
		if _, err := l.db.ExecContext(ctx, `
			INSERT INTO audit_log (subject_id, actor_type, actor_id, action, entity_type, entity_id, detail)
			VALUES ($1, 'system', $2, 'lock.reclaimed', 'death_lock', $3,
				jsonb_build_object('previous_holder', $4::text))
		`, subjectID, holder, string(lockType), priorHolder.String); err != nil {
			return Token{}, fmt.Errorf("audit lock reclaim: %w", err)
		}
	}
	return Token{SubjectID: subjectID, Type: lockType, Value: value, ExpiresAt: expiresAt}, nil
}

func (l *PostgresLocker) Release(ctx context.Context, token Token) error {
	result, err := l.db.ExecContext(ctx, `
		DELETE FROM death_locks WHERE subject_id=$1 AND lock_type=$2 AND token=$3
	`, token.SubjectID, token.Type, token.Value)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("release lock rows: %w", err)
	}
	if affected == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (l *PostgresLocker) Extend(ctx context.Context, token Token, ttl time.Duration) (Token, error) {
	expiresAt := time.Now().Add(ttl)
	result, err := l.db.ExecContext(ctx, `
		UPDATE death_locks SET expires_at=$4
		WHERE subject_id=$1 AND lock_type=$2 AND token=$3 AND expires_at >= NOW()
	`, token.SubjectID, token.Type, token.Value, expiresAt)
	if err != nil {
		return Token{}, fmt.Errorf("extend lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Token{}, fmt.Errorf("extend lock rows: %w", err)
	}
	if affected == 0 {
		return Token{}, ErrLockNotHeld
	}
	token.ExpiresAt = expiresAt
	return token, nil
}
