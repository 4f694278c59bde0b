package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Subjects, contacts, trustees

func (s *PostgresStore) InsertSubject(ctx context.Context, subject Subject) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subjects (id, display_name, email)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, subject.ID, subject.DisplayName, subject.Email)
	if err != nil {
		return fmt.Errorf("insert subject: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubject(ctx context.Context, subjectID string) (Subject, error) {
	var item Subject
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, created_at FROM subjects WHERE id=$1
	`, subjectID).Scan(&item.ID, &item.DisplayName, &item.Email, &item.CreatedAt)
	if err != nil {
		return Subject{}, err
	}
	return item, nil
}

// GetSettings returns the per-subject declaration settings, falling back to
// defaults when no row exists.
func (s *PostgresStore) GetSettings(ctx context.Context, subjectID string) (SubjectSettings, error) {
	settings := SubjectSettings{SubjectID: subjectID, SoftEnabled: true, HardEnabled: true, ContestWindowDays: 7}
	err := s.db.QueryRowContext(ctx, `
		SELECT soft_enabled, hard_enabled, contest_window_days
		FROM subject_settings WHERE subject_id=$1
	`, subjectID).Scan(&settings.SoftEnabled, &settings.HardEnabled, &settings.ContestWindowDays)
	if errors.Is(err, sql.ErrNoRows) {
		return settings, nil
	}
	if err != nil {
		return SubjectSettings{}, fmt.Errorf("get settings: %w", err)
	}
	return settings, nil
}

func (s *PostgresStore) SaveSettings(ctx context.Context, settings SubjectSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subject_settings (subject_id, soft_enabled, hard_enabled, contest_window_days)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subject_id) DO UPDATE SET
			soft_enabled=EXCLUDED.soft_enabled,
			hard_enabled=EXCLUDED.hard_enabled,
			contest_window_days=EXCLUDED.contest_window_days
	`, settings.SubjectID, settings.SoftEnabled, settings.HardEnabled, settings.ContestWindowDays)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertContact(ctx context.Context, contact Contact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (id, subject_id, name, email, share_after_death)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, contact.ID, contact.SubjectID, contact.Name, contact.Email, contact.ShareAfterDeath)
	if err != nil {
		return fmt.Errorf("insert contact: %w", err)
	}
	return nil
}

// ListOptedInContacts returns contacts who agreed to be reached after death.
func (s *PostgresStore) ListOptedInContacts(ctx context.Context, subjectID string) ([]Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_id, name, email, share_after_death
		FROM contacts
		WHERE subject_id=$1 AND share_after_death
		ORDER BY id
	`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	items := make([]Contact, 0)
	for rows.Next() {
		var item Contact
		if err := rows.Scan(&item.ID, &item.SubjectID, &item.Name, &item.Email, &item.ShareAfterDeath); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertTrustee(ctx context.Context, trustee Trustee) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trustees (id, subject_id, contact_id, status, responded_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (subject_id, contact_id) DO UPDATE SET
			status=EXCLUDED.status, responded_at=EXCLUDED.responded_at
	`, trustee.ID, trustee.SubjectID, trustee.ContactID, trustee.Status, trustee.RespondedAt)
	if err != nil {
		return fmt.Errorf("insert trustee: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTrustee(ctx context.Context, trusteeID string) (Trustee, error) {
	var item Trustee
	err := s.db.QueryRowContext(ctx, `
		SELECT id, subject_id, contact_id, status, invited_at, responded_at
		FROM trustees WHERE id=$1
	`, trusteeID).Scan(&item.ID, &item.SubjectID, &item.ContactID, &item.Status, &item.InvitedAt, &item.RespondedAt)
	if err != nil {
		return Trustee{}, err
	}
	return item, nil
}

func (s *PostgresStore) CountAcceptedTrustees(ctx context.Context, subjectID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM trustees WHERE subject_id=$1 AND status='accepted'
	`, subjectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count trustees: %w", err)
	}
	return count, nil
}

// ListTrusteeContacts returns the accepted trustees of a subject with their
// contact emails, excluding one trustee (usually the declarer).
func (s *PostgresStore) ListTrusteeContacts(ctx context.Context, subjectID, excludeTrusteeID string) ([]TrusteeContact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, c.email
		FROM trustees t
		JOIN contacts c ON c.id = t.contact_id
		WHERE t.subject_id=$1 AND t.status='accepted' AND t.id <> $2
		ORDER BY t.id
	`, subjectID, excludeTrusteeID)
	if err != nil {
		return nil, fmt.Errorf("list trustee contacts: %w", err)
	}
	defer rows.Close()

	items := make([]TrusteeContact, 0)
	for rows.Next() {
		var item TrusteeContact
		if err := rows.Scan(&item.TrusteeID, &item.Email); err != nil {
			return nil, fmt.Errorf("scan trustee contact: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ---------------------------------------------------------------------------
// Declarations

// DeclarationSubmission is everything a new declaration commits at once: the
// row in its initial in-flight (or auto-rejected) state, the automated check
// result for hard declarations, the lifecycle move into pending and the audit
// entries. One transaction, so a crash can never strand a half-submitted
// declaration that blocks the subject.
type DeclarationSubmission struct {
	Declaration      DeathDeclaration
	Automated        *AutomatedReview
	MarkPending      bool
	LifecycleVersion int64
	Entries          []AuditEntry
}

// CreateDeclaration commits a submission atomically. Returns false, with
// nothing written, when MarkPending is set and the lifecycle guard does not
// match.
func (s *PostgresStore) CreateDeclaration(ctx context.Context, sub DeclarationSubmission) (bool, error) {
	decl := sub.Declaration
	var hash, locator, mime *string
	if decl.Evidence != nil {
		hash, locator, mime = &decl.Evidence.Hash, &decl.Evidence.Locator, &decl.Evidence.Mime
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin declaration submission: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO death_declarations
			(id, subject_id, type, state, message, declared_by, evidence_hash, evidence_locator, evidence_mime, quorum_deadline, rejection_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, decl.ID, decl.SubjectID, decl.Type, decl.State, decl.Message, decl.DeclaredBy, hash, locator, mime, decl.QuorumDeadline, decl.RejectionReason); err != nil {
		return false, fmt.Errorf("insert declaration: %w", err)
	}

	if sub.Automated != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO automated_reviews (declaration_id, outcome, risk_score, breach_code, notes)
			VALUES ($1, $2, $3, $4, $5)
		`, decl.ID, sub.Automated.Outcome, sub.Automated.RiskScore, sub.Automated.BreachCode, sub.Automated.Notes); err != nil {
			return false, fmt.Errorf("insert automated review: %w", err)
		}
	}

	if sub.MarkPending {
		result, err := tx.ExecContext(ctx, `
			UPDATE legend_lifecycle
			SET state='pending', declaration_id=$2, version=version+1, updated_at=NOW()
			WHERE subject_id=$1 AND state='alive' AND version=$3
		`, decl.SubjectID, decl.ID, sub.LifecycleVersion)
		if err != nil {
			return false, fmt.Errorf("lifecycle to pending: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("lifecycle to pending rows: %w", err)
		}
		if affected == 0 {
			return false, nil
		}
	}

	for _, entry := range sub.Entries {
		if err := appendAuditTx(ctx, tx, entry); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit declaration submission: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) GetDeclaration(ctx context.Context, declarationID string) (DeathDeclaration, error) {
	return scanDeclaration(s.db.QueryRowContext(ctx, `
		SELECT id, subject_id, type, state, message, declared_by,
			evidence_hash, evidence_locator, evidence_mime,
			quorum_deadline, rejection_reason, created_at, updated_at
		FROM death_declarations WHERE id=$1
	`, declarationID))
}

// ActiveDeclaration returns the in-flight declaration for a subject, nil when
// none is pending. At most one is ever in flight per subject.
func (s *PostgresStore) ActiveDeclaration(ctx context.Context, subjectID string) (*DeathDeclaration, error) {
	decl, err := scanDeclaration(s.db.QueryRowContext(ctx, `
		SELECT id, subject_id, type, state, message, declared_by,
			evidence_hash, evidence_locator, evidence_mime,
			quorum_deadline, rejection_reason, created_at, updated_at
		FROM death_declarations
		WHERE subject_id=$1 AND state IN ('draft','pending_review','pending_quorum')
		ORDER BY created_at DESC
		LIMIT 1
	`, subjectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active declaration: %w", err)
	}
	return &decl, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeclaration(row rowScanner) (DeathDeclaration, error) {
	var item DeathDeclaration
	var hash, locator, mime sql.NullString
	err := row.Scan(
		&item.ID, &item.SubjectID, &item.Type, &item.State, &item.Message, &item.DeclaredBy,
		&hash, &locator, &mime,
		&item.QuorumDeadline, &item.RejectionReason, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return DeathDeclaration{}, err
	}
	if hash.Valid {
		item.Evidence = &EvidenceRef{Hash: hash.String, Locator: locator.String, Mime: mime.String}
	}
	return item, nil
}

// TransitionDeclaration applies a single state transition conditionally: the
// update only lands if the row is still in the expected prior state, and the
// audit entry commits in the same transaction. Returns false when the guard
// did not match, which callers treat as "someone else got there first".
func (s *PostgresStore) TransitionDeclaration(ctx context.Context, declarationID string, from, to DeclarationState, reason string, entry AuditEntry) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin declaration transition: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE death_declarations
		SET state=$3, rejection_reason=$4, updated_at=NOW()
		WHERE id=$1 AND state=$2
	`, declarationID, from, to, reason)
	if err != nil {
		return false, fmt.Errorf("transition declaration: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition declaration rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if err := appendAuditTx(ctx, tx, entry); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit declaration transition: %w", err)
	}
	return true, nil
}

// ListQuorumExpired returns soft declarations still pending quorum whose
// inactivity deadline has elapsed. Used by the lazy timeout sweep.
func (s *PostgresStore) ListQuorumExpired(ctx context.Context, now time.Time) ([]DeathDeclaration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_id, type, state, message, declared_by,
			evidence_hash, evidence_locator, evidence_mime,
			quorum_deadline, rejection_reason, created_at, updated_at
		FROM death_declarations
		WHERE state='pending_quorum' AND quorum_deadline IS NOT NULL AND quorum_deadline < $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list quorum expired: %w", err)
	}
	defer rows.Close()

	items := make([]DeathDeclaration, 0)
	for rows.Next() {
		item, err := scanDeclaration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan declaration: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CountRecentRejected counts this subject's rejected declarations since the
// given time. Feeds the repeat-rejection check in automated review.
func (s *PostgresStore) CountRecentRejected(ctx context.Context, subjectID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM death_declarations
		WHERE subject_id=$1 AND state='rejected' AND updated_at >= $2
	`, subjectID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recent rejected: %w", err)
	}
	return count, nil
}

// ---------------------------------------------------------------------------
// Approvals

// UpsertVoteAndCount records a trustee's current vote and recounts effective
// approvals in one serializable transaction, so two concurrent voters cannot
// both observe themselves crossing the threshold with the same count.
func (s *PostgresStore) UpsertVoteAndCount(ctx context.Context, declarationID, trusteeID string, status VoteStatus) (int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("begin vote: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO death_approvals (declaration_id, trustee_id, status, voted_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (declaration_id, trustee_id) DO UPDATE SET status=EXCLUDED.status, voted_at=NOW()
	`, declarationID, trusteeID, status); err != nil {
		return 0, fmt.Errorf("upsert vote: %w", err)
	}

	var approved int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM death_approvals WHERE declaration_id=$1 AND status='approved'
	`, declarationID).Scan(&approved); err != nil {
		return 0, fmt.Errorf("count approvals: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit vote: %w", err)
	}
	return approved, nil
}

func (s *PostgresStore) ListApprovals(ctx context.Context, declarationID string) ([]DeathApproval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT declaration_id, trustee_id, status, voted_at
		FROM death_approvals WHERE declaration_id=$1 ORDER BY voted_at
	`, declarationID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	items := make([]DeathApproval, 0)
	for rows.Next() {
		var item DeathApproval
		if err := rows.Scan(&item.DeclarationID, &item.TrusteeID, &item.Status, &item.VotedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ---------------------------------------------------------------------------
// Reviews

func (s *PostgresStore) GetAutomatedReview(ctx context.Context, declarationID string) (AutomatedReview, error) {
	var item AutomatedReview
	err := s.db.QueryRowContext(ctx, `
		SELECT declaration_id, outcome, risk_score, breach_code, notes, checked_at
		FROM automated_reviews WHERE declaration_id=$1
	`, declarationID).Scan(&item.DeclarationID, &item.Outcome, &item.RiskScore, &item.BreachCode, &item.Notes, &item.CheckedAt)
	if err != nil {
		return AutomatedReview{}, err
	}
	return item, nil
}

// ReviewOutcome bundles everything a human decision commits at once: the
// single permitted review row, the declaration transition, the lifecycle
// move out of pending and the audit entries.
type ReviewOutcome struct {
	Review           DeathReview
	DeclFrom         DeclarationState
	DeclTo           DeclarationState
	Reason           string
	LifecycleTo      LifecycleState
	LifecycleVersion int64
	DeclarationID    *string
	Entries          []AuditEntry
}

// DecideHumanReview applies a review outcome in one transaction. Returns
// false, with nothing written, when a decision already exists or any of the
// state guards miss; the caller disambiguates by re-reading.
func (s *PostgresStore) DecideHumanReview(ctx context.Context, out ReviewOutcome) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin review decision: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO death_reviews (id, declaration_id, decision, reviewer_id, notes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (declaration_id) DO NOTHING
	`, out.Review.ID, out.Review.DeclarationID, out.Review.Decision, out.Review.ReviewerID, out.Review.Notes)
	if err != nil {
		return false, fmt.Errorf("insert human review: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert human review rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE death_declarations
		SET state=$3, rejection_reason=$4, updated_at=NOW()
		WHERE id=$1 AND state=$2
	`, out.Review.DeclarationID, out.DeclFrom, out.DeclTo, out.Reason)
	if err != nil {
		return false, fmt.Errorf("transition declaration: %w", err)
	}
	affected, err = result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition declaration rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	var subjectID string
	if err := tx.QueryRowContext(ctx, `
		SELECT subject_id FROM death_declarations WHERE id=$1
	`, out.Review.DeclarationID).Scan(&subjectID); err != nil {
		return false, fmt.Errorf("review subject: %w", err)
	}
	result, err = tx.ExecContext(ctx, `
		UPDATE legend_lifecycle
		SET state=$2, declaration_id=COALESCE($3, declaration_id), version=version+1, updated_at=NOW()
		WHERE subject_id=$1 AND state='pending' AND version=$4
	`, subjectID, out.LifecycleTo, out.DeclarationID, out.LifecycleVersion)
	if err != nil {
		return false, fmt.Errorf("review lifecycle move: %w", err)
	}
	affected, err = result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("review lifecycle rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	for _, entry := range out.Entries {
		if err := appendAuditTx(ctx, tx, entry); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit review decision: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) GetHumanReview(ctx context.Context, declarationID string) (*DeathReview, error) {
	var item DeathReview
	err := s.db.QueryRowContext(ctx, `
		SELECT id, declaration_id, decision, reviewer_id, notes, reviewed_at
		FROM death_reviews WHERE declaration_id=$1
	`, declarationID).Scan(&item.ID, &item.DeclarationID, &item.Decision, &item.ReviewerID, &item.Notes, &item.ReviewedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get human review: %w", err)
	}
	return &item, nil
}

// ---------------------------------------------------------------------------
// Lifecycle

// EnsureLifecycle creates the subject's lifecycle row in state alive if it
// does not exist yet, then returns the current row.
func (s *PostgresStore) EnsureLifecycle(ctx context.Context, subjectID string) (LegendLifecycle, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO legend_lifecycle (subject_id, state)
		VALUES ($1, 'alive')
		ON CONFLICT (subject_id) DO NOTHING
	`, subjectID); err != nil {
		return LegendLifecycle{}, fmt.Errorf("ensure lifecycle: %w", err)
	}
	return s.GetLifecycle(ctx, subjectID)
}

func (s *PostgresStore) GetLifecycle(ctx context.Context, subjectID string) (LegendLifecycle, error) {
	var item LegendLifecycle
	err := s.db.QueryRowContext(ctx, `
		SELECT subject_id, state, declaration_id, version, updated_at
		FROM legend_lifecycle WHERE subject_id=$1
	`, subjectID).Scan(&item.SubjectID, &item.State, &item.DeclarationID, &item.Version, &item.UpdatedAt)
	if err != nil {
		return LegendLifecycle{}, err
	}
	return item, nil
}

// TransitionLifecycle moves the subject aggregate conditionally on both the
// prior state and the version counter (optimistic check on top of the
// subject lock), bumping the version and committing the audit entry
// atomically.
func (s *PostgresStore) TransitionLifecycle(ctx context.Context, subjectID string, from, to LifecycleState, declarationID *string, version int64, entry AuditEntry) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin lifecycle transition: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE legend_lifecycle
		SET state=$3, declaration_id=COALESCE($4, declaration_id), version=version+1, updated_at=NOW()
		WHERE subject_id=$1 AND state=$2 AND version=$5
	`, subjectID, from, to, declarationID, version)
	if err != nil {
		return false, fmt.Errorf("transition lifecycle: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition lifecycle rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if err := appendAuditTx(ctx, tx, entry); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit lifecycle transition: %w", err)
	}
	return true, nil
}

// ---------------------------------------------------------------------------
// Contests

func (s *PostgresStore) InsertContest(ctx context.Context, contest Contest) error {
	var hash, locator, mime *string
	if contest.CounterEvidence != nil {
		hash, locator, mime = &contest.CounterEvidence.Hash, &contest.CounterEvidence.Locator, &contest.CounterEvidence.Mime
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO death_contests
			(id, declaration_id, subject_id, raised_by_type, raised_by_id, reason,
			 counter_evidence_hash, counter_evidence_locator, counter_evidence_mime, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'open')
	`, contest.ID, contest.DeclarationID, contest.SubjectID, contest.RaisedByType, contest.RaisedByID,
		contest.Reason, hash, locator, mime)
	if err != nil {
		return fmt.Errorf("insert contest: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetContest(ctx context.Context, contestID string) (Contest, error) {
	var item Contest
	var hash, locator, mime sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, declaration_id, subject_id, raised_by_type, raised_by_id, reason,
			counter_evidence_hash, counter_evidence_locator, counter_evidence_mime,
			status, decided_by, decided_at, created_at
		FROM death_contests WHERE id=$1
	`, contestID).Scan(
		&item.ID, &item.DeclarationID, &item.SubjectID, &item.RaisedByType, &item.RaisedByID, &item.Reason,
		&hash, &locator, &mime,
		&item.Status, &item.DecidedBy, &item.DecidedAt, &item.CreatedAt,
	)
	if err != nil {
		return Contest{}, err
	}
	if hash.Valid {
		item.CounterEvidence = &EvidenceRef{Hash: hash.String, Locator: locator.String, Mime: mime.String}
	}
	return item, nil
}

// OpenContestExists reports whether the declaration already has an undecided
// contest.
func (s *PostgresStore) OpenContestExists(ctx context.Context, declarationID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM death_contests WHERE declaration_id=$1 AND status='open')
	`, declarationID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check open contest: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListContestsForDeclaration(ctx context.Context, declarationID string) ([]Contest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, declaration_id, subject_id, raised_by_type, raised_by_id, reason,
			counter_evidence_hash, counter_evidence_locator, counter_evidence_mime,
			status, decided_by, decided_at, created_at
		FROM death_contests WHERE declaration_id=$1 ORDER BY created_at
	`, declarationID)
	if err != nil {
		return nil, fmt.Errorf("list contests: %w", err)
	}
	defer rows.Close()

	var contests []Contest
	for rows.Next() {
		var item Contest
		var hash, locator, mime sql.NullString
		if err := rows.Scan(
			&item.ID, &item.DeclarationID, &item.SubjectID, &item.RaisedByType, &item.RaisedByID, &item.Reason,
			&hash, &locator, &mime,
			&item.Status, &item.DecidedBy, &item.DecidedAt, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan contest: %w", err)
		}
		if hash.Valid {
			item.CounterEvidence = &EvidenceRef{Hash: hash.String, Locator: locator.String, Mime: mime.String}
		}
		contests = append(contests, item)
	}
	return contests, rows.Err()
}

// DecideContest seals an open contest. Conditional on status='open' so a
// second decision attempt is a no-op.
func (s *PostgresStore) DecideContest(ctx context.Context, contestID string, status ContestStatus, decidedBy string, entry AuditEntry) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin contest decision: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE death_contests
		SET status=$2, decided_by=$3, decided_at=NOW()
		WHERE id=$1 AND status='open'
	`, contestID, status, decidedBy)
	if err != nil {
		return false, fmt.Errorf("decide contest: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("decide contest rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if err := appendAuditTx(ctx, tx, entry); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit contest decision: %w", err)
	}
	return true, nil
}

// ---------------------------------------------------------------------------
// Broadcasts

// InsertBroadcast creates a broadcast with its recipient rows in one
// transaction.
func (s *PostgresStore) InsertBroadcast(ctx context.Context, broadcast Broadcast, recipients []BroadcastRecipient) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin broadcast insert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO broadcasts (id, subject_id, declaration_id, type, state)
		VALUES ($1, $2, $3, $4, $5)
	`, broadcast.ID, broadcast.SubjectID, broadcast.DeclarationID, broadcast.Type, broadcast.State); err != nil {
		return fmt.Errorf("insert broadcast: %w", err)
	}

	for _, recipient := range recipients {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO broadcast_recipients (id, broadcast_id, contact_id, email, status)
			VALUES ($1, $2, $3, $4, 'queued')
			ON CONFLICT (broadcast_id, contact_id) DO NOTHING
		`, recipient.ID, broadcast.ID, recipient.ContactID, recipient.Email); err != nil {
			return fmt.Errorf("insert recipient: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit broadcast insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBroadcast(ctx context.Context, broadcastID string) (Broadcast, error) {
	var item Broadcast
	err := s.db.QueryRowContext(ctx, `
		SELECT id, subject_id, declaration_id, type, state, created_at, updated_at
		FROM broadcasts WHERE id=$1
	`, broadcastID).Scan(&item.ID, &item.SubjectID, &item.DeclarationID, &item.Type, &item.State, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Broadcast{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListBroadcastsForDeclaration(ctx context.Context, declarationID string) ([]Broadcast, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_id, declaration_id, type, state, created_at, updated_at
		FROM broadcasts WHERE declaration_id=$1 ORDER BY created_at
	`, declarationID)
	if err != nil {
		return nil, fmt.Errorf("list broadcasts: %w", err)
	}
	defer rows.Close()

	items := make([]Broadcast, 0)
	for rows.Next() {
		var item Broadcast
		if err := rows.Scan(&item.ID, &item.SubjectID, &item.DeclarationID, &item.Type, &item.State, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan broadcast: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SetBroadcastState moves a broadcast between aggregate states conditionally.
func (s *PostgresStore) SetBroadcastState(ctx context.Context, broadcastID string, from, to BroadcastState) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE broadcasts SET state=$3, updated_at=NOW()
		WHERE id=$1 AND state=$2
	`, broadcastID, from, to)
	if err != nil {
		return false, fmt.Errorf("set broadcast state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set broadcast state rows: %w", err)
	}
	return affected == 1, nil
}

// RollbackNote is the last_error marker stamped on queued recipients when a
// contest rolls the confirmation back. Rows carrying it stay out of retry.
const RollbackNote = "rolled back"

// FlagBroadcastsForRollback marks every non-terminal broadcast of the
// confirming declaration failed-for-audit. Recipient rows are left untouched:
// rollback stops further delivery, it never rewrites delivery history.
func (s *PostgresStore) FlagBroadcastsForRollback(ctx context.Context, declarationID string, entry AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin broadcast rollback: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE broadcasts SET state='failed', updated_at=NOW()
		WHERE declaration_id=$1 AND state <> 'failed'
	`, declarationID); err != nil {
		return fmt.Errorf("flag broadcasts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE broadcast_recipients r SET status='failed', last_error=$2, updated_at=NOW()
		FROM broadcasts b
		WHERE r.broadcast_id = b.id AND b.declaration_id=$1 AND r.status='queued'
	`, declarationID, RollbackNote); err != nil {
		return fmt.Errorf("flag queued recipients: %w", err)
	}

	if err := appendAuditTx(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit broadcast rollback: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRecipients(ctx context.Context, broadcastID string) ([]BroadcastRecipient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, broadcast_id, contact_id, email, status, attempts, last_error, updated_at
		FROM broadcast_recipients WHERE broadcast_id=$1 ORDER BY id
	`, broadcastID)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	items := make([]BroadcastRecipient, 0)
	for rows.Next() {
		var item BroadcastRecipient
		if err := rows.Scan(&item.ID, &item.BroadcastID, &item.ContactID, &item.Email, &item.Status, &item.Attempts, &item.LastError, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetRecipient(ctx context.Context, recipientID string) (BroadcastRecipient, error) {
	var item BroadcastRecipient
	err := s.db.QueryRowContext(ctx, `
		SELECT id, broadcast_id, contact_id, email, status, attempts, last_error, updated_at
		FROM broadcast_recipients WHERE id=$1
	`, recipientID).Scan(&item.ID, &item.BroadcastID, &item.ContactID, &item.Email, &item.Status, &item.Attempts, &item.LastError, &item.UpdatedAt)
	if err != nil {
		return BroadcastRecipient{}, err
	}
	return item, nil
}

// MarkRecipient records a delivery outcome conditionally on the row still
// being in the expected status. A false return means the row moved under the
// caller, typically because a rollback flagged it mid-flight.
func (s *PostgresStore) MarkRecipient(ctx context.Context, recipientID string, from, to DeliveryStatus, attempts int, lastError string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE broadcast_recipients
		SET status=$3, attempts=$4, last_error=$5, updated_at=NOW()
		WHERE id=$1 AND status=$2
	`, recipientID, from, to, attempts, lastError)
	if err != nil {
		return false, fmt.Errorf("mark recipient: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark recipient rows: %w", err)
	}
	return affected == 1, nil
}

// RequeueRecipient is the manual re-trigger for a permanently failed
// delivery. Conditional on status='failed', and recipients flagged by a
// rollback stay failed.
func (s *PostgresStore) RequeueRecipient(ctx context.Context, recipientID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE broadcast_recipients
		SET status='queued', attempts=0, last_error='', updated_at=NOW()
		WHERE id=$1 AND status='failed' AND last_error <> $2
	`, recipientID, RollbackNote)
	if err != nil {
		return false, fmt.Errorf("requeue recipient: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("requeue recipient rows: %w", err)
	}
	return affected == 1, nil
}

// ---------------------------------------------------------------------------
// Acknowledgements

func (s *PostgresStore) InsertAck(ctx context.Context, declarationID, trusteeID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO death_acks (declaration_id, trustee_id)
		VALUES ($1, $2)
		ON CONFLICT (declaration_id, trustee_id) DO NOTHING
	`, declarationID, trusteeID)
	if err != nil {
		return fmt.Errorf("insert ack: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Audit log

func appendAuditTx(ctx context.Context, tx *sql.Tx, entry AuditEntry) error {
	detail, err := json.Marshal(orEmpty(entry.Detail))
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (subject_id, actor_type, actor_id, action, entity_type, entity_id, prior_state, new_state, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.SubjectID, entry.ActorType, entry.ActorID, entry.Action, entry.EntityType, entry.EntityID, entry.PriorState, entry.NewState, detail); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// AppendAudit records an entry outside any transition transaction, for events
// that are not themselves a state change (lock reclaims, delivery attempts).
func (s *PostgresStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	detail, err := json.Marshal(orEmpty(entry.Detail))
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (subject_id, actor_type, actor_id, action, entity_type, entity_id, prior_state, new_state, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.SubjectID, entry.ActorType, entry.ActorID, entry.Action, entry.EntityType, entry.EntityID, entry.PriorState, entry.NewState, detail); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, subjectID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_id, actor_type, actor_id, action, entity_type, entity_id, prior_state, new_state, detail, created_at
		FROM audit_log
		WHERE subject_id=$1
		ORDER BY id
		LIMIT $2
	`, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEntry, 0)
	for rows.Next() {
		var item AuditEntry
		var detail []byte
		if err := rows.Scan(&item.ID, &item.SubjectID, &item.ActorType, &item.ActorID, &item.Action, &item.EntityType, &item.EntityID, &item.PriorState, &item.NewState, &detail, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &item.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal audit detail: %w", err)
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func orEmpty(detail map[string]any) map[string]any {
	if detail == nil {
		return map[string]any{}
	}
	return detail
}
