// Package broadcast fans a confirmed death out to the subject's contacts.
// One broadcast per scope, one recipient row per contact, deliveries in
// parallel with per-recipient bounded retry.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"legend/api/internal/deathlock"
	"legend/api/internal/store"
	"legend/api/internal/util"
)

// ErrDeliveryFailed marks a recipient that exhausted its attempts. Terminal
// for that recipient only; a manual re-trigger resets it.
var ErrDeliveryFailed = errors.New("delivery failed")

// ErrRolledBack refuses delivery work on a subject whose confirmation no
// longer stands. Rollback stops further delivery for good.
var ErrRolledBack = errors.New("confirmation rolled back, delivery stopped")

type dataStore interface {
	ListOptedInContacts(context.Context, string) ([]store.Contact, error)
	InsertBroadcast(context.Context, store.Broadcast, []store.BroadcastRecipient) error
	GetBroadcast(context.Context, string) (store.Broadcast, error)
	ListBroadcastsForDeclaration(context.Context, string) ([]store.Broadcast, error)
	SetBroadcastState(context.Context, string, store.BroadcastState, store.BroadcastState) (bool, error)
	ListRecipients(context.Context, string) ([]store.BroadcastRecipient, error)
	GetRecipient(context.Context, string) (store.BroadcastRecipient, error)
	MarkRecipient(context.Context, string, store.DeliveryStatus, store.DeliveryStatus, int, string) (bool, error)
	RequeueRecipient(context.Context, string) (bool, error)
	GetLifecycle(context.Context, string) (store.LegendLifecycle, error)
	AppendAudit(context.Context, store.AuditEntry) error
}

// Delivery is what the external transport receives. It never sees lifecycle
// internals, only the contact, the scope and the content identifier.
type Delivery struct {
	ContactID string
	Email     string
	Scope     store.BroadcastType
	SubjectID string
	ContentID string
}

type deliverer interface {
	Deliver(context.Context, Delivery) error
}

type Config struct {
	Scopes      []store.BroadcastType
	MaxAttempts int
	BaseBackoff time.Duration
	LockTTL     time.Duration
}

type Engine struct {
	cfg    Config
	store  dataStore
	sender deliverer
	locker deathlock.Locker
	log    zerolog.Logger
}

func NewEngine(cfg Config, dataStore dataStore, sender deliverer, locker deathlock.Locker, log zerolog.Logger) *Engine {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultPolicy().BroadcastScopes()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	return &Engine{cfg: cfg, store: dataStore, sender: sender, locker: locker, log: log}
}

// Launch creates one broadcast per configured scope for a confirmed
// declaration and runs their deliveries. Held under the broadcast-execution
// lock so a crashed-and-retried confirmation cannot double-create.
func (e *Engine) Launch(ctx context.Context, subjectID, declarationID string) error {
	token, err := e.locker.Acquire(ctx, subjectID, deathlock.LockBroadcast, "engine", e.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire broadcast lock: %w", err)
	}
	defer func() {
		if err := e.locker.Release(ctx, token); err != nil && !errors.Is(err, deathlock.ErrLockNotHeld) {
			e.log.Warn().Err(err).Str("subject", subjectID).Msg("broadcast lock release failed")
		}
	}()

	existing, err := e.store.ListBroadcastsForDeclaration(ctx, declarationID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		// Already launched for this confirmation.
		return nil
	}

	contacts, err := e.store.ListOptedInContacts(ctx, subjectID)
	if err != nil {
		return err
	}

	for _, scope := range e.cfg.Scopes {
		b := store.Broadcast{
			ID:            util.NewID("bcast"),
			SubjectID:     subjectID,
			DeclarationID: declarationID,
			Type:          scope,
			State:         store.BroadcastPending,
		}
		recipients := make([]store.BroadcastRecipient, 0, len(contacts))
		for _, contact := range contacts {
			recipients = append(recipients, store.BroadcastRecipient{
				ID:        util.NewID("rcpt"),
				ContactID: contact.ID,
				Email:     contact.Email,
				Status:    store.DeliveryQueued,
			})
		}
		if err := e.store.InsertBroadcast(ctx, b, recipients); err != nil {
			return err
		}
		if err := e.run(ctx, b.ID); err != nil {
			return err
		}
	}
	return nil
}

// run delivers all queued recipients of one broadcast in parallel, then
// recomputes the aggregate state.
func (e *Engine) run(ctx context.Context, broadcastID string) error {
	b, err := e.store.GetBroadcast(ctx, broadcastID)
	if err != nil {
		return err
	}
	if ok, err := e.store.SetBroadcastState(ctx, broadcastID, b.State, store.BroadcastSending); err != nil {
		return err
	} else if !ok {
		return nil
	}

	recipients, err := e.store.ListRecipients(ctx, broadcastID)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, recipient := range recipients {
		if recipient.Status != store.DeliveryQueued {
			continue
		}
		wg.Add(1)
		go func(r store.BroadcastRecipient) {
			defer wg.Done()
			e.deliverWithRetry(ctx, b, r)
		}(recipient)
	}
	wg.Wait()

	return e.Reaggregate(ctx, broadcastID)
}

// deliverWithRetry attempts one recipient up to MaxAttempts with exponential
// backoff. One recipient's failure never touches the others.
func (e *Engine) deliverWithRetry(ctx context.Context, b store.Broadcast, r store.BroadcastRecipient) {
	delivery := Delivery{
		ContactID: r.ContactID,
		Email:     r.Email,
		Scope:     b.Type,
		SubjectID: b.SubjectID,
		ContentID: b.DeclarationID,
	}
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 && e.cfg.BaseBackoff > 0 {
			select {
			case <-time.After(e.cfg.BaseBackoff << (attempt - 2)):
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
		}
		lastErr = e.sender.Deliver(ctx, delivery)
		if lastErr == nil {
			ok, err := e.store.MarkRecipient(ctx, r.ID, store.DeliveryQueued, store.DeliverySent, attempt, "")
			if err != nil {
				e.log.Error().Err(err).Str("recipient", r.ID).Msg("marking recipient sent failed")
			} else if !ok {
				e.log.Warn().Str("recipient", r.ID).Msg("recipient left queued mid-delivery, result dropped")
			}
			return
		}
	}
	if ok, err := e.store.MarkRecipient(ctx, r.ID, store.DeliveryQueued, store.DeliveryFailed, e.cfg.MaxAttempts, lastErr.Error()); err != nil {
		e.log.Error().Err(err).Str("recipient", r.ID).Msg("marking recipient failed failed")
	} else if !ok {
		return
	}
	if err := e.store.AppendAudit(ctx, store.AuditEntry{
		SubjectID:  b.SubjectID,
		ActorType:  "system",
		Action:     "delivery.failed",
		EntityType: "recipient",
		EntityID:   r.ID,
		Detail:     map[string]any{"broadcast_id": b.ID, "error": lastErr.Error()},
	}); err != nil {
		e.log.Error().Err(err).Str("recipient", r.ID).Msg("audit append failed")
	}
}

// Reaggregate recomputes the broadcast's aggregate state from its recipient
// rows. Tolerates out-of-order completion: it reads the rows as they are now
// and applies an unconditional classification.
func (e *Engine) Reaggregate(ctx context.Context, broadcastID string) error {
	b, err := e.store.GetBroadcast(ctx, broadcastID)
	if err != nil {
		return err
	}
	recipients, err := e.store.ListRecipients(ctx, broadcastID)
	if err != nil {
		return err
	}

	succeeded, failed, pending := 0, 0, 0
	for _, r := range recipients {
		switch r.Status {
		case store.DeliverySent, store.DeliveryOpened:
			succeeded++
		case store.DeliveryFailed:
			failed++
		default:
			pending++
		}
	}

	target := b.State
	switch {
	case pending > 0:
		target = store.BroadcastSending
	case failed == 0:
		target = store.BroadcastSent
	case succeeded > 0:
		target = store.BroadcastPartiallyFailed
	default:
		target = store.BroadcastFailed
	}
	if target == b.State {
		return nil
	}
	if _, err := e.store.SetBroadcastState(ctx, broadcastID, b.State, target); err != nil {
		return err
	}
	return nil
}

// RetryRecipient is the manual re-trigger for a permanently failed delivery.
// Runs under the broadcast-execution lock and refuses once the subject's
// confirmation no longer stands: a rolled-back or contested death must not
// produce fresh deliveries.
func (e *Engine) RetryRecipient(ctx context.Context, recipientID string) error {
	r, err := e.store.GetRecipient(ctx, recipientID)
	if err != nil {
		return err
	}
	b, err := e.store.GetBroadcast(ctx, r.BroadcastID)
	if err != nil {
		return err
	}

	token, err := e.locker.Acquire(ctx, b.SubjectID, deathlock.LockBroadcast, "retry", e.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire broadcast lock: %w", err)
	}
	defer func() {
		if err := e.locker.Release(ctx, token); err != nil && !errors.Is(err, deathlock.ErrLockNotHeld) {
			e.log.Warn().Err(err).Str("subject", b.SubjectID).Msg("broadcast lock release failed")
		}
	}()

	lifecycle, err := e.store.GetLifecycle(ctx, b.SubjectID)
	if err != nil {
		return err
	}
	if lifecycle.State != store.LifecycleConfirmed {
		return fmt.Errorf("%w: subject is %s", ErrRolledBack, lifecycle.State)
	}

	requeued, err := e.store.RequeueRecipient(ctx, recipientID)
	if err != nil {
		return err
	}
	if !requeued {
		if r.LastError == store.RollbackNote {
			return ErrRolledBack
		}
		return fmt.Errorf("%w: recipient %s is not in a failed state", ErrDeliveryFailed, recipientID)
	}
	r.Status = store.DeliveryQueued
	e.deliverWithRetry(ctx, b, r)
	return e.Reaggregate(ctx, r.BroadcastID)
}

// MarkOpened records an opened receipt from the delivery collaborator. Taken
// under the broadcast-execution lock so it cannot interleave with a launch or
// retry touching the same rows.
func (e *Engine) MarkOpened(ctx context.Context, recipientID string) error {
	r, err := e.store.GetRecipient(ctx, recipientID)
	if err != nil {
		return err
	}
	b, err := e.store.GetBroadcast(ctx, r.BroadcastID)
	if err != nil {
		return err
	}

	token, err := e.locker.Acquire(ctx, b.SubjectID, deathlock.LockBroadcast, "opened", e.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire broadcast lock: %w", err)
	}
	defer func() {
		if err := e.locker.Release(ctx, token); err != nil && !errors.Is(err, deathlock.ErrLockNotHeld) {
			e.log.Warn().Err(err).Str("subject", b.SubjectID).Msg("broadcast lock release failed")
		}
	}()

	ok, err := e.store.MarkRecipient(ctx, recipientID, store.DeliverySent, store.DeliveryOpened, r.Attempts, "")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("recipient %s is not in a sent state, only sent deliveries can be opened", recipientID)
	}
	return e.Reaggregate(ctx, r.BroadcastID)
}
