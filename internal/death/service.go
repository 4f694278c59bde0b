// Package death orchestrates the declaration lifecycle: submission, review,
// quorum voting, contest resolution and the downstream broadcast trigger.
// The orchestrator is the only writer of LegendLifecycle.
package death

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"legend/api/internal/deathlock"
	"legend/api/internal/review"
	"legend/api/internal/store"
	"legend/api/internal/util"
)

type dataStore interface {
	GetSettings(context.Context, string) (store.SubjectSettings, error)
	GetTrustee(context.Context, string) (store.Trustee, error)
	CountAcceptedTrustees(context.Context, string) (int, error)
	ListTrusteeContacts(context.Context, string, string) ([]store.TrusteeContact, error)
	CreateDeclaration(context.Context, store.DeclarationSubmission) (bool, error)
	GetDeclaration(context.Context, string) (store.DeathDeclaration, error)
	ActiveDeclaration(context.Context, string) (*store.DeathDeclaration, error)
	TransitionDeclaration(context.Context, string, store.DeclarationState, store.DeclarationState, string, store.AuditEntry) (bool, error)
	ListQuorumExpired(context.Context, time.Time) ([]store.DeathDeclaration, error)
	CountRecentRejected(context.Context, string, time.Time) (int, error)
	UpsertVoteAndCount(context.Context, string, string, store.VoteStatus) (int, error)
	ListApprovals(context.Context, string) ([]store.DeathApproval, error)
	GetAutomatedReview(context.Context, string) (store.AutomatedReview, error)
	DecideHumanReview(context.Context, store.ReviewOutcome) (bool, error)
	GetHumanReview(context.Context, string) (*store.DeathReview, error)
	EnsureLifecycle(context.Context, string) (store.LegendLifecycle, error)
	GetLifecycle(context.Context, string) (store.LegendLifecycle, error)
	TransitionLifecycle(context.Context, string, store.LifecycleState, store.LifecycleState, *string, int64, store.AuditEntry) (bool, error)
	InsertContest(context.Context, store.Contest) error
	GetContest(context.Context, string) (store.Contest, error)
	OpenContestExists(context.Context, string) (bool, error)
	DecideContest(context.Context, string, store.ContestStatus, string, store.AuditEntry) (bool, error)
	FlagBroadcastsForRollback(context.Context, string, store.AuditEntry) error
	InsertAck(context.Context, string, string) error
	AppendAudit(context.Context, store.AuditEntry) error
}

type evidenceGate interface {
	Validate(context.Context, *store.EvidenceRef) error
}

type checker interface {
	Check(store.DeathDeclaration, review.CheckInput) store.AutomatedReview
}

// broadcaster launches the fan-out after a confirmation. Launch failures are
// logged, never surfaced: broadcast trouble must not fail the confirmation.
type broadcaster interface {
	Launch(context.Context, string, string) error
}

// notifier sends the side-channel mails (quorum requests to trustees, review
// alerts to admins). Best effort.
type notifier interface {
	QuorumRequested(context.Context, store.DeathDeclaration, []store.TrusteeContact) error
	ReviewRequested(context.Context, store.DeathDeclaration) error
	ContestOpened(context.Context, store.Contest, store.DeathDeclaration) error
}

type Config struct {
	Quorum           QuorumPolicy
	QuorumWindow     time.Duration
	LockTTL          time.Duration
	RejectedLookback time.Duration
}

type Service struct {
	cfg     Config
	store   dataStore
	locker  deathlock.Locker
	gate    evidenceGate
	checker checker
	engine  broadcaster
	notify  notifier
	log     zerolog.Logger
	now     func() time.Time
}

func New(cfg Config, dataStore dataStore, locker deathlock.Locker, gate evidenceGate, checker checker, engine broadcaster, notify notifier, log zerolog.Logger) *Service {
	if cfg.QuorumWindow <= 0 {
		cfg.QuorumWindow = 14 * 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.RejectedLookback <= 0 {
		cfg.RejectedLookback = 30 * 24 * time.Hour
	}
	return &Service{
		cfg:     cfg,
		store:   dataStore,
		locker:  locker,
		gate:    gate,
		checker: checker,
		engine:  engine,
		notify:  notify,
		log:     log,
		now:     time.Now,
	}
}

const (
	actorTrustee = "trustee"
	actorAdmin   = "admin"
	actorSubject = "subject"
	actorSystem  = "system"
)

func auditEntry(subjectID, actorType, actorID, action, entityType, entityID string, prior, next string, detail map[string]any) store.AuditEntry {
	return store.AuditEntry{
		SubjectID:  subjectID,
		ActorType:  actorType,
		ActorID:    actorID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		PriorState: prior,
		NewState:   next,
		Detail:     detail,
	}
}

func (s *Service) acquire(ctx context.Context, subjectID string, lockType deathlock.LockType, holder string) (deathlock.Token, error) {
	token, err := s.locker.Acquire(ctx, subjectID, lockType, holder, s.cfg.LockTTL)
	if errors.Is(err, deathlock.ErrLockHeld) {
		return deathlock.Token{}, ErrLockHeld
	}
	if err != nil {
		return deathlock.Token{}, fmt.Errorf("acquire %s lock: %w", lockType, err)
	}
	return token, nil
}

func (s *Service) release(ctx context.Context, token deathlock.Token) {
	if err := s.locker.Release(ctx, token); err != nil && !errors.Is(err, deathlock.ErrLockNotHeld) {
		s.log.Warn().Err(err).Str("subject", token.SubjectID).Str("lock", string(token.Type)).Msg("lock release failed")
	}
}

type SubmitDeclarationInput struct {
	SubjectID string
	TrusteeID string
	Type      store.DeclarationType
	Message   string
	Evidence  *store.EvidenceRef
}

// SubmitDeclaration runs the whole submission path under the subject's
// declaration-transition lock: eligibility checks, evidence validation for
// hard declarations, the automated check, and the entry into pending_review
// or pending_quorum. The declaration row, the automated result, the
// lifecycle move and the audit trail commit in one store transaction, so a
// failure mid-way leaves the subject exactly as it was.
func (s *Service) SubmitDeclaration(ctx context.Context, input SubmitDeclarationInput) (store.DeathDeclaration, error) {
	trustee, err := s.trusteeFor(ctx, input.TrusteeID, input.SubjectID)
	if err != nil {
		return store.DeathDeclaration{}, err
	}

	settings, err := s.store.GetSettings(ctx, input.SubjectID)
	if err != nil {
		return store.DeathDeclaration{}, err
	}
	switch input.Type {
	case store.DeclarationSoft:
		if !settings.SoftEnabled {
			return store.DeathDeclaration{}, ErrTypeDisabled
		}
	case store.DeclarationHard:
		if !settings.HardEnabled {
			return store.DeathDeclaration{}, ErrTypeDisabled
		}
	default:
		return store.DeathDeclaration{}, fmt.Errorf("%w: unknown declaration type %q", ErrInvalidTransition, input.Type)
	}

	token, err := s.acquire(ctx, input.SubjectID, deathlock.LockDeclaration, "declare:"+input.TrusteeID)
	if err != nil {
		return store.DeathDeclaration{}, err
	}
	defer s.release(ctx, token)

	active, err := s.store.ActiveDeclaration(ctx, input.SubjectID)
	if err != nil {
		return store.DeathDeclaration{}, err
	}
	if active != nil {
		return store.DeathDeclaration{}, ErrDeclarationInFlight
	}

	lifecycle, err := s.store.EnsureLifecycle(ctx, input.SubjectID)
	if err != nil {
		return store.DeathDeclaration{}, err
	}
	if lifecycle.State == store.LifecycleRolledBack {
		// A rollback concluded the previous cycle. The next declaration
		// starts from alive again.
		ok, err := s.store.TransitionLifecycle(ctx, input.SubjectID, store.LifecycleRolledBack, store.LifecycleAlive, nil, lifecycle.Version,
			auditEntry(input.SubjectID, actorSystem, "", "lifecycle.reset", "lifecycle", input.SubjectID,
				string(store.LifecycleRolledBack), string(store.LifecycleAlive), nil))
		if err != nil {
			return store.DeathDeclaration{}, err
		}
		if !ok {
			return store.DeathDeclaration{}, ErrInvalidTransition
		}
		lifecycle, err = s.store.GetLifecycle(ctx, input.SubjectID)
		if err != nil {
			return store.DeathDeclaration{}, err
		}
	}
	if lifecycle.State != store.LifecycleAlive {
		return store.DeathDeclaration{}, fmt.Errorf("%w: lifecycle is %s", ErrInvalidTransition, lifecycle.State)
	}

	if input.Type == store.DeclarationHard {
		if err := s.gate.Validate(ctx, input.Evidence); err != nil {
			return store.DeathDeclaration{}, fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
		}
	}

	decl := store.DeathDeclaration{
		ID:         util.NewID("decl"),
		SubjectID:  input.SubjectID,
		Type:       input.Type,
		Message:    input.Message,
		DeclaredBy: trustee.ID,
		Evidence:   input.Evidence,
	}

	sub := store.DeclarationSubmission{
		MarkPending:      true,
		LifecycleVersion: lifecycle.Version,
	}
	pendingEntry := auditEntry(decl.SubjectID, actorSystem, "", "lifecycle.pending", "lifecycle", decl.SubjectID,
		string(store.LifecycleAlive), string(store.LifecyclePending), map[string]any{"declaration_id": decl.ID})

	notifyReview := false
	if input.Type == store.DeclarationHard {
		recent, err := s.store.CountRecentRejected(ctx, decl.SubjectID, s.now().Add(-s.cfg.RejectedLookback))
		if err != nil {
			return store.DeathDeclaration{}, err
		}
		result := s.checker.Check(decl, review.CheckInput{
			RecentRejected:  recent,
			TrusteeAccepted: trustee.Status == store.TrusteeAccepted,
		})
		sub.Automated = &result

		submitted := auditEntry(decl.SubjectID, actorTrustee, trustee.ID, "declaration.submitted", "declaration", decl.ID,
			string(store.DeclarationDraft), string(store.DeclarationPendingReview),
			map[string]any{"type": string(decl.Type), "risk_score": result.RiskScore})

		if result.Outcome == store.AutomatedFail {
			// Auto-rejected declarations never leave the subject pending. The
			// row is written already rejected and the lifecycle stays alive.
			decl.State = store.DeclarationRejected
			decl.RejectionReason = "AutomatedRejection"
			sub.MarkPending = false
			sub.Entries = []store.AuditEntry{submitted,
				auditEntry(decl.SubjectID, actorSystem, "", "declaration.rejected", "declaration", decl.ID,
					string(store.DeclarationPendingReview), string(store.DeclarationRejected),
					map[string]any{"breach_code": result.BreachCode, "risk_score": result.RiskScore})}
		} else {
			decl.State = store.DeclarationPendingReview
			notifyReview = true
			sub.Entries = []store.AuditEntry{submitted, pendingEntry}
		}
	} else {
		deadline := s.now().Add(s.cfg.QuorumWindow)
		decl.QuorumDeadline = &deadline
		decl.State = store.DeclarationPendingQuorum
		sub.Entries = []store.AuditEntry{
			auditEntry(decl.SubjectID, actorTrustee, trustee.ID, "declaration.submitted", "declaration", decl.ID,
				string(store.DeclarationDraft), string(store.DeclarationPendingQuorum),
				map[string]any{"type": string(decl.Type), "quorum_deadline": decl.QuorumDeadline}),
			pendingEntry,
		}
	}
	sub.Declaration = decl

	ok, err := s.store.CreateDeclaration(ctx, sub)
	if err != nil {
		return store.DeathDeclaration{}, err
	}
	if !ok {
		return store.DeathDeclaration{}, ErrInvalidTransition
	}

	if notifyReview {
		if err := s.notify.ReviewRequested(ctx, decl); err != nil {
			s.log.Warn().Err(err).Str("declaration", decl.ID).Msg("review notification failed")
		}
	}
	if input.Type == store.DeclarationSoft {
		contacts, err := s.store.ListTrusteeContacts(ctx, decl.SubjectID, trustee.ID)
		if err != nil {
			s.log.Warn().Err(err).Str("declaration", decl.ID).Msg("listing trustee contacts failed")
		} else if err := s.notify.QuorumRequested(ctx, decl, contacts); err != nil {
			s.log.Warn().Err(err).Str("declaration", decl.ID).Msg("quorum notification failed")
		}
	}
	return s.store.GetDeclaration(ctx, decl.ID)
}

// rejectDeclaration moves a declaration into its terminal rejected state and
// returns the lifecycle to alive.
func (s *Service) rejectDeclaration(ctx context.Context, decl store.DeathDeclaration, from store.DeclarationState, reason, actorType, actorID string, detail map[string]any) error {
	ok, err := s.store.TransitionDeclaration(ctx, decl.ID, from, store.DeclarationRejected, reason,
		auditEntry(decl.SubjectID, actorType, actorID, "declaration.rejected", "declaration", decl.ID,
			string(from), string(store.DeclarationRejected), detail))
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTransition
	}

	lifecycle, err := s.store.GetLifecycle(ctx, decl.SubjectID)
	if err != nil {
		return err
	}
	ok, err = s.store.TransitionLifecycle(ctx, decl.SubjectID, store.LifecyclePending, store.LifecycleAlive, nil, lifecycle.Version,
		auditEntry(decl.SubjectID, actorSystem, "", "lifecycle.alive", "lifecycle", decl.SubjectID,
			string(store.LifecyclePending), string(store.LifecycleAlive), map[string]any{"declaration_id": decl.ID, "reason": reason}))
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTransition
	}
	return nil
}

// confirmDeclaration finishes a quorum approval: it bumps the lifecycle and
// fires the broadcast fan-out. A broadcast launch failure is logged but never
// fails the confirmation itself.
func (s *Service) confirmDeclaration(ctx context.Context, decl store.DeathDeclaration, actorType, actorID string) error {
	lifecycle, err := s.store.GetLifecycle(ctx, decl.SubjectID)
	if err != nil {
		return err
	}
	ok, err := s.store.TransitionLifecycle(ctx, decl.SubjectID, store.LifecyclePending, store.LifecycleConfirmed, &decl.ID, lifecycle.Version,
		auditEntry(decl.SubjectID, actorType, actorID, "lifecycle.confirmed", "lifecycle", decl.SubjectID,
			string(store.LifecyclePending), string(store.LifecycleConfirmed), map[string]any{"declaration_id": decl.ID}))
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTransition
	}

	if err := s.engine.Launch(ctx, decl.SubjectID, decl.ID); err != nil {
		s.log.Error().Err(err).Str("declaration", decl.ID).Msg("broadcast launch failed")
	}
	return nil
}

// Vote records a trustee's approve or retract and, when the effective count
// crosses the configured threshold, drives the quorum transition exactly
// once. An elapsed deadline discovered here forces the timeout transition.
func (s *Service) Vote(ctx context.Context, declarationID, trusteeID string, approve bool) (QuorumStatus, error) {
	decl, err := s.store.GetDeclaration(ctx, declarationID)
	if err != nil {
		return QuorumStatus{}, err
	}
	trustee, err := s.trusteeFor(ctx, trusteeID, decl.SubjectID)
	if err != nil {
		return QuorumStatus{}, err
	}
	if decl.Type != store.DeclarationSoft {
		return QuorumStatus{}, fmt.Errorf("%w: voting applies to soft declarations only", ErrInvalidTransition)
	}
	if decl.DeclaredBy == trustee.ID && approve {
		return QuorumStatus{}, ErrInitiatorVote
	}
	if decl.State != store.DeclarationPendingQuorum && decl.State != store.DeclarationApproved {
		return QuorumStatus{}, fmt.Errorf("%w: declaration is %s", ErrInvalidTransition, decl.State)
	}

	if decl.State == store.DeclarationPendingQuorum && decl.QuorumDeadline != nil && s.now().After(*decl.QuorumDeadline) {
		if err := s.expireQuorum(ctx, decl); err != nil {
			return QuorumStatus{}, err
		}
		return QuorumStatus{}, ErrQuorumTimeout
	}

	status := store.VoteRetracted
	if approve {
		status = store.VoteApproved
	}
	count, err := s.store.UpsertVoteAndCount(ctx, decl.ID, trustee.ID, status)
	if err != nil {
		return QuorumStatus{}, err
	}
	if err := s.store.AppendAudit(ctx, auditEntry(decl.SubjectID, actorTrustee, trustee.ID, "vote.recorded", "declaration", decl.ID,
		"", "", map[string]any{"status": string(status), "approved_count": count})); err != nil {
		return QuorumStatus{}, err
	}

	accepted, err := s.store.CountAcceptedTrustees(ctx, decl.SubjectID)
	if err != nil {
		return QuorumStatus{}, err
	}
	required := s.cfg.Quorum.Required(accepted)
	result := QuorumStatus{Approved: count, Required: required, Reached: count >= required}

	if decl.State == store.DeclarationPendingQuorum && result.Reached {
		token, err := s.acquire(ctx, decl.SubjectID, deathlock.LockDeclaration, "quorum:"+trustee.ID)
		if err != nil {
			return QuorumStatus{}, err
		}
		defer s.release(ctx, token)

		ok, err := s.store.TransitionDeclaration(ctx, decl.ID, store.DeclarationPendingQuorum, store.DeclarationApproved, "",
			auditEntry(decl.SubjectID, actorTrustee, trustee.ID, "declaration.approved", "declaration", decl.ID,
				string(store.DeclarationPendingQuorum), string(store.DeclarationApproved),
				map[string]any{"approved_count": count, "required": required}))
		if err != nil {
			return QuorumStatus{}, err
		}
		// ok==false means another voter already drove the transition.
		if ok {
			if err := s.confirmDeclaration(ctx, decl, actorTrustee, trustee.ID); err != nil {
				return QuorumStatus{}, err
			}
		}
	}
	return result, nil
}

func (s *Service) expireQuorum(ctx context.Context, decl store.DeathDeclaration) error {
	token, err := s.acquire(ctx, decl.SubjectID, deathlock.LockDeclaration, "sweep")
	if err != nil {
		return err
	}
	defer s.release(ctx, token)

	// Conditional, so any number of concurrent observers of the elapsed
	// deadline force the transition at most once.
	err = s.rejectDeclaration(ctx, decl, store.DeclarationPendingQuorum, "QuorumTimeout", actorSystem, "",
		map[string]any{"deadline": decl.QuorumDeadline})
	if errors.Is(err, ErrInvalidTransition) {
		return nil
	}
	return err
}

// SweepQuorumDeadlines forces the timeout transition for every soft
// declaration whose inactivity deadline has elapsed. Safe to run from
// multiple processes. Returns the number of declarations swept.
func (s *Service) SweepQuorumDeadlines(ctx context.Context) (int, error) {
	expired, err := s.store.ListQuorumExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, decl := range expired {
		if err := s.expireQuorum(ctx, decl); err != nil {
			if errors.Is(err, ErrLockHeld) {
				continue
			}
			return swept, err
		}
		swept++
	}
	return swept, nil
}

// OverrideQuorum lets an administrator reject a soft declaration that is
// still collecting votes, without waiting for the inactivity deadline.
func (s *Service) OverrideQuorum(ctx context.Context, declarationID, adminID, reason string) (store.DeathDeclaration, error) {
	decl, err := s.store.GetDeclaration(ctx, declarationID)
	if err != nil {
		return store.DeathDeclaration{}, err
	}
	if decl.State != store.DeclarationPendingQuorum {
		return store.DeathDeclaration{}, fmt.Errorf("%w: declaration is %s", ErrInvalidTransition, decl.State)
	}

	token, err := s.acquire(ctx, decl.SubjectID, deathlock.LockDeclaration, "override:"+adminID)
	if err != nil {
		return store.DeathDeclaration{}, err
	}
	defer s.release(ctx, token)

	if err := s.rejectDeclaration(ctx, decl, store.DeclarationPendingQuorum, "AdminOverride", actorAdmin, adminID,
		map[string]any{"reason": reason}); err != nil {
		return store.DeathDeclaration{}, err
	}
	return s.store.GetDeclaration(ctx, declarationID)
}

// SubmitHumanReview records the administrator decision on a hard declaration
// in pending_review and drives the resulting transitions.
func (s *Service) SubmitHumanReview(ctx context.Context, declarationID, reviewerID string, decision store.ReviewDecision, notes string) (store.DeathDeclaration, error) {
	decl, err := s.store.GetDeclaration(ctx, declarationID)
	if err != nil {
		return store.DeathDeclaration{}, err
	}
	if decl.Type != store.DeclarationHard {
		return store.DeathDeclaration{}, fmt.Errorf("%w: human review applies to hard declarations only", ErrInvalidTransition)
	}
	if decision != store.ReviewAccepted && decision != store.ReviewRejected {
		return store.DeathDeclaration{}, fmt.Errorf("%w: unknown decision %q", ErrInvalidTransition, decision)
	}

	existing, err := s.store.GetHumanReview(ctx, declarationID)
	if err != nil {
		return store.DeathDeclaration{}, err
	}
	if existing != nil {
		return store.DeathDeclaration{}, ErrReviewAlreadyDecided
	}
	if decl.State != store.DeclarationPendingReview {
		return store.DeathDeclaration{}, fmt.Errorf("%w: declaration is %s", ErrInvalidTransition, decl.State)
	}

	automated, err := s.store.GetAutomatedReview(ctx, declarationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.DeathDeclaration{}, fmt.Errorf("%w: automated check has not run", ErrInvalidTransition)
		}
		return store.DeathDeclaration{}, err
	}
	if automated.Outcome == store.AutomatedFail {
		return store.DeathDeclaration{}, fmt.Errorf("%w: automated check hard-failed", ErrInvalidTransition)
	}

	token, err := s.acquire(ctx, decl.SubjectID, deathlock.LockDeclaration, "review:"+reviewerID)
	if err != nil {
		return store.DeathDeclaration{}, err
	}
	defer s.release(ctx, token)

	lifecycle, err := s.store.GetLifecycle(ctx, decl.SubjectID)
	if err != nil {
		return store.DeathDeclaration{}, err
	}

	// The review row, the declaration transition and the lifecycle move
	// commit together: a failure before the commit leaves the declaration
	// reviewable and a retry clean.
	out := store.ReviewOutcome{
		Review: store.DeathReview{
			ID:            util.NewID("rev"),
			DeclarationID: declarationID,
			Decision:      decision,
			ReviewerID:    reviewerID,
			Notes:         notes,
		},
		DeclFrom:         store.DeclarationPendingReview,
		LifecycleVersion: lifecycle.Version,
	}
	if decision == store.ReviewAccepted {
		out.DeclTo = store.DeclarationApproved
		out.LifecycleTo = store.LifecycleConfirmed
		out.DeclarationID = &decl.ID
		out.Entries = []store.AuditEntry{
			auditEntry(decl.SubjectID, actorAdmin, reviewerID, "declaration.approved", "declaration", decl.ID,
				string(store.DeclarationPendingReview), string(store.DeclarationApproved), nil),
			auditEntry(decl.SubjectID, actorAdmin, reviewerID, "lifecycle.confirmed", "lifecycle", decl.SubjectID,
				string(store.LifecyclePending), string(store.LifecycleConfirmed), map[string]any{"declaration_id": decl.ID}),
		}
	} else {
		out.DeclTo = store.DeclarationRejected
		out.Reason = "HumanRejection"
		out.LifecycleTo = store.LifecycleAlive
		out.Entries = []store.AuditEntry{
			auditEntry(decl.SubjectID, actorAdmin, reviewerID, "declaration.rejected", "declaration", decl.ID,
				string(store.DeclarationPendingReview), string(store.DeclarationRejected), map[string]any{"notes": notes}),
			auditEntry(decl.SubjectID, actorSystem, "", "lifecycle.alive", "lifecycle", decl.SubjectID,
				string(store.LifecyclePending), string(store.LifecycleAlive), map[string]any{"declaration_id": decl.ID, "reason": "HumanRejection"}),
		}
	}

	ok, err := s.store.DecideHumanReview(ctx, out)
	if err != nil {
		return store.DeathDeclaration{}, err
	}
	if !ok {
		if again, err := s.store.GetHumanReview(ctx, declarationID); err == nil && again != nil {
			return store.DeathDeclaration{}, ErrReviewAlreadyDecided
		}
		return store.DeathDeclaration{}, ErrInvalidTransition
	}

	if decision == store.ReviewAccepted {
		if err := s.engine.Launch(ctx, decl.SubjectID, decl.ID); err != nil {
			s.log.Error().Err(err).Str("declaration", decl.ID).Msg("broadcast launch failed")
		}
	}
	return s.store.GetDeclaration(ctx, declarationID)
}

type OpenContestInput struct {
	DeclarationID   string
	RaisedByType    string
	RaisedByID      string
	Reason          string
	CounterEvidence *store.EvidenceRef
}

// OpenContest challenges a confirmed declaration within the configured
// window, moving the lifecycle to contested.
func (s *Service) OpenContest(ctx context.Context, input OpenContestInput) (store.Contest, error) {
	decl, err := s.store.GetDeclaration(ctx, input.DeclarationID)
	if err != nil {
		return store.Contest{}, err
	}
	if decl.State != store.DeclarationApproved {
		return store.Contest{}, ErrNothingToContest
	}

	lifecycle, err := s.store.GetLifecycle(ctx, decl.SubjectID)
	if err != nil {
		return store.Contest{}, err
	}
	if lifecycle.State != store.LifecycleConfirmed {
		return store.Contest{}, ErrNothingToContest
	}

	settings, err := s.store.GetSettings(ctx, decl.SubjectID)
	if err != nil {
		return store.Contest{}, err
	}
	window := time.Duration(settings.ContestWindowDays) * 24 * time.Hour
	if s.now().After(decl.UpdatedAt.Add(window)) {
		return store.Contest{}, ErrContestWindowClosed
	}

	token, err := s.acquire(ctx, decl.SubjectID, deathlock.LockContest, "contest:"+input.RaisedByID)
	if err != nil {
		return store.Contest{}, err
	}
	defer s.release(ctx, token)

	open, err := s.store.OpenContestExists(ctx, decl.ID)
	if err != nil {
		return store.Contest{}, err
	}
	if open {
		return store.Contest{}, ErrContestAlreadyOpen
	}

	contest := store.Contest{
		ID:              util.NewID("cont"),
		DeclarationID:   decl.ID,
		SubjectID:       decl.SubjectID,
		RaisedByType:    input.RaisedByType,
		RaisedByID:      input.RaisedByID,
		Reason:          input.Reason,
		CounterEvidence: input.CounterEvidence,
		Status:          store.ContestOpen,
	}
	if err := s.store.InsertContest(ctx, contest); err != nil {
		return store.Contest{}, err
	}

	ok, err := s.store.TransitionLifecycle(ctx, decl.SubjectID, store.LifecycleConfirmed, store.LifecycleContested, &decl.ID, lifecycle.Version,
		auditEntry(decl.SubjectID, input.RaisedByType, input.RaisedByID, "contest.opened", "contest", contest.ID,
			string(store.LifecycleConfirmed), string(store.LifecycleContested), map[string]any{"declaration_id": decl.ID}))
	if err != nil {
		return store.Contest{}, err
	}
	if !ok {
		return store.Contest{}, ErrInvalidTransition
	}

	if err := s.notify.ContestOpened(ctx, contest, decl); err != nil {
		s.log.Warn().Err(err).Str("contest_id", contest.ID).Msg("contest notification failed")
	}
	return s.store.GetContest(ctx, contest.ID)
}

// DecideContest resolves an open contest. Upholding rolls the lifecycle back
// and flags the confirmation's broadcasts; already-sent deliveries are left
// as history, rollback is forward-only.
func (s *Service) DecideContest(ctx context.Context, contestID, adminID string, uphold bool) (store.Contest, error) {
	contest, err := s.store.GetContest(ctx, contestID)
	if err != nil {
		return store.Contest{}, err
	}

	token, err := s.acquire(ctx, contest.SubjectID, deathlock.LockContest, "decide:"+adminID)
	if err != nil {
		return store.Contest{}, err
	}
	defer s.release(ctx, token)

	status := store.ContestDismissed
	if uphold {
		status = store.ContestUpheldRollback
	}
	ok, err := s.store.DecideContest(ctx, contestID, status, adminID,
		auditEntry(contest.SubjectID, actorAdmin, adminID, "contest.decided", "contest", contest.ID,
			string(store.ContestOpen), string(status), map[string]any{"declaration_id": contest.DeclarationID}))
	if err != nil {
		return store.Contest{}, err
	}
	if !ok {
		return store.Contest{}, fmt.Errorf("%w: contest already decided", ErrInvalidTransition)
	}

	lifecycle, err := s.store.GetLifecycle(ctx, contest.SubjectID)
	if err != nil {
		return store.Contest{}, err
	}
	if uphold {
		ok, err = s.store.TransitionLifecycle(ctx, contest.SubjectID, store.LifecycleContested, store.LifecycleRolledBack, nil, lifecycle.Version,
			auditEntry(contest.SubjectID, actorAdmin, adminID, "lifecycle.rolled_back", "lifecycle", contest.SubjectID,
				string(store.LifecycleContested), string(store.LifecycleRolledBack), map[string]any{"contest_id": contest.ID}))
		if err != nil {
			return store.Contest{}, err
		}
		if !ok {
			return store.Contest{}, ErrInvalidTransition
		}
		if err := s.store.FlagBroadcastsForRollback(ctx, contest.DeclarationID,
			auditEntry(contest.SubjectID, actorAdmin, adminID, "broadcast.rolled_back", "declaration", contest.DeclarationID,
				"", string(store.BroadcastFailed), map[string]any{"contest_id": contest.ID})); err != nil {
			return store.Contest{}, err
		}
	} else {
		// Dismissal reverts to confirmed. The broadcast already happened,
		// nothing is re-triggered.
		ok, err = s.store.TransitionLifecycle(ctx, contest.SubjectID, store.LifecycleContested, store.LifecycleConfirmed, nil, lifecycle.Version,
			auditEntry(contest.SubjectID, actorAdmin, adminID, "lifecycle.confirmed", "lifecycle", contest.SubjectID,
				string(store.LifecycleContested), string(store.LifecycleConfirmed), map[string]any{"contest_id": contest.ID}))
		if err != nil {
			return store.Contest{}, err
		}
		if !ok {
			return store.Contest{}, ErrInvalidTransition
		}
	}
	return s.store.GetContest(ctx, contestID)
}

// Acknowledge records that a trustee has seen a declaration outcome.
// Idempotent.
func (s *Service) Acknowledge(ctx context.Context, declarationID, trusteeID string) error {
	decl, err := s.store.GetDeclaration(ctx, declarationID)
	if err != nil {
		return err
	}
	if _, err := s.trusteeFor(ctx, trusteeID, decl.SubjectID); err != nil {
		return err
	}
	if err := s.store.InsertAck(ctx, declarationID, trusteeID); err != nil {
		return err
	}
	return s.store.AppendAudit(ctx, auditEntry(decl.SubjectID, actorTrustee, trusteeID, "declaration.acknowledged", "declaration", decl.ID, "", "", nil))
}

// StatusView is the read aggregate used for display. It may trail a
// transition in flight; transition decisions never read it.
type StatusView struct {
	Lifecycle   store.LegendLifecycle   `json:"lifecycle"`
	Declaration *store.DeathDeclaration `json:"declaration,omitempty"`
	Approvals   []store.DeathApproval   `json:"approvals,omitempty"`
	Review      *store.DeathReview      `json:"review,omitempty"`
}

func (s *Service) Status(ctx context.Context, subjectID string) (StatusView, error) {
	lifecycle, err := s.store.EnsureLifecycle(ctx, subjectID)
	if err != nil {
		return StatusView{}, err
	}
	view := StatusView{Lifecycle: lifecycle}

	active, err := s.store.ActiveDeclaration(ctx, subjectID)
	if err != nil {
		return StatusView{}, err
	}

	// Lazy deadline evaluation: a pending quorum that has run out is expired
	// on read. A held lock just means someone else is expiring it right now,
	// the stale view is served unchanged.
	if active != nil && active.State == store.DeclarationPendingQuorum &&
		active.QuorumDeadline != nil && s.now().After(*active.QuorumDeadline) {
		err := s.expireQuorum(ctx, *active)
		if err != nil && !errors.Is(err, ErrLockHeld) {
			return StatusView{}, err
		}
		if err == nil {
			expired, err := s.store.GetDeclaration(ctx, active.ID)
			if err != nil {
				return StatusView{}, err
			}
			active = &expired
			if refreshed, err := s.store.GetLifecycle(ctx, subjectID); err == nil {
				view.Lifecycle = refreshed
			}
		}
	}

	declID := ""
	if active != nil {
		view.Declaration = active
		declID = active.ID
	} else if lifecycle.DeclarationID != nil {
		decl, err := s.store.GetDeclaration(ctx, *lifecycle.DeclarationID)
		if err == nil {
			view.Declaration = &decl
			declID = decl.ID
		} else if !errors.Is(err, sql.ErrNoRows) {
			return StatusView{}, err
		}
	}
	if declID != "" {
		approvals, err := s.store.ListApprovals(ctx, declID)
		if err != nil {
			return StatusView{}, err
		}
		view.Approvals = approvals
		humanReview, err := s.store.GetHumanReview(ctx, declID)
		if err != nil {
			return StatusView{}, err
		}
		view.Review = humanReview
	}
	return view, nil
}

func (s *Service) trusteeFor(ctx context.Context, trusteeID, subjectID string) (store.Trustee, error) {
	trustee, err := s.store.GetTrustee(ctx, trusteeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Trustee{}, ErrNotTrustee
		}
		return store.Trustee{}, err
	}
	if trustee.SubjectID != subjectID || trustee.Status != store.TrusteeAccepted {
		return store.Trustee{}, ErrNotTrustee
	}
	return trustee, nil
}
