package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"legend/api/internal/util"
)

// These tests exercise the conditional SQL against a real Postgres. They
// follow the usual integration convention: skipped in short mode, database
// coordinates from the environment.

func testDatabaseURL() string {
	if url := envOr("TEST_DATABASE_URL", ""); url != "" {
		return url
	}
	host := envOr("POSTGRES_HOST", "localhost")
	port := envOr("POSTGRES_PORT", "5432")
	user := envOr("POSTGRES_USER", "legend")
	pass := envOr("POSTGRES_PASSWORD", "legend")
	dbname := envOr("POSTGRES_DB", "legend_test")
	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + dbname + "?sslmode=disable"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newTestStore(t *testing.T) (*PostgresStore, *sql.DB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	db, err := Open(ctx, testDatabaseURL())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := ApplyMigrations(ctx, db, "../../db/migrations"); err != nil {
		db.Close()
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), db
}

// seedSubject inserts a subject with two accepted trustees and returns their
// ids. The subject row is removed afterwards; everything hanging off it goes
// with the cascade.
func seedSubject(t *testing.T, db *sql.DB) (string, []string) {
	t.Helper()
	ctx := context.Background()
	subjectID := util.NewID("subj")
	if _, err := db.ExecContext(ctx, `INSERT INTO subjects (id, display_name) VALUES ($1, 'Test Subject')`, subjectID); err != nil {
		t.Fatalf("insert subject: %v", err)
	}
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), `DELETE FROM subjects WHERE id=$1`, subjectID)
	})

	trusteeIDs := make([]string, 0, 2)
	for _, email := range []string{"ada@example.com", "ben@example.com"} {
		contactID := util.NewID("cont")
		if _, err := db.ExecContext(ctx, `
			INSERT INTO contacts (id, subject_id, name, email, share_after_death)
			VALUES ($1, $2, 'Contact', $3, TRUE)
		`, contactID, subjectID, email); err != nil {
			t.Fatalf("insert contact: %v", err)
		}
		trusteeID := util.NewID("trst")
		if _, err := db.ExecContext(ctx, `
			INSERT INTO trustees (id, subject_id, contact_id, status)
			VALUES ($1, $2, $3, 'accepted')
		`, trusteeID, subjectID, contactID); err != nil {
			t.Fatalf("insert trustee: %v", err)
		}
		trusteeIDs = append(trusteeIDs, trusteeID)
	}
	return subjectID, trusteeIDs
}

func submitSoftDeclaration(t *testing.T, s *PostgresStore, subjectID, trusteeID string) DeathDeclaration {
	t.Helper()
	ctx := context.Background()
	lifecycle, err := s.EnsureLifecycle(ctx, subjectID)
	if err != nil {
		t.Fatalf("ensure lifecycle: %v", err)
	}
	deadline := time.Now().Add(14 * 24 * time.Hour)
	decl := DeathDeclaration{
		ID:             util.NewID("decl"),
		SubjectID:      subjectID,
		Type:           DeclarationSoft,
		State:          DeclarationPendingQuorum,
		Message:        "integration fixture",
		DeclaredBy:     trusteeID,
		QuorumDeadline: &deadline,
	}
	ok, err := s.CreateDeclaration(ctx, DeclarationSubmission{
		Declaration:      decl,
		MarkPending:      true,
		LifecycleVersion: lifecycle.Version,
		Entries: []AuditEntry{{
			SubjectID: subjectID, ActorType: "trustee", ActorID: trusteeID,
			Action: "declaration.submitted", EntityType: "declaration", EntityID: decl.ID,
			PriorState: string(DeclarationDraft), NewState: string(DeclarationPendingQuorum),
		}},
	})
	if err != nil {
		t.Fatalf("create declaration: %v", err)
	}
	if !ok {
		t.Fatal("create declaration: lifecycle guard missed")
	}
	return decl
}

func TestCreateDeclarationAtomic(t *testing.T) {
	s, db := newTestStore(t)
	subjectID, trustees := seedSubject(t, db)
	ctx := context.Background()

	submitSoftDeclaration(t, s, subjectID, trustees[0])

	lifecycle, err := s.GetLifecycle(ctx, subjectID)
	if err != nil {
		t.Fatalf("get lifecycle: %v", err)
	}
	if lifecycle.State != LifecyclePending || lifecycle.Version != 1 {
		t.Errorf("expected pending/v1, got %s/v%d", lifecycle.State, lifecycle.Version)
	}

	// A stale lifecycle version rolls the whole submission back: no
	// declaration row, no audit entry, lifecycle untouched.
	second := DeathDeclaration{
		ID: util.NewID("decl"), SubjectID: subjectID, Type: DeclarationSoft,
		State: DeclarationPendingQuorum, DeclaredBy: trustees[0],
	}
	ok, err := s.CreateDeclaration(ctx, DeclarationSubmission{
		Declaration:      second,
		MarkPending:      true,
		LifecycleVersion: 0,
		Entries: []AuditEntry{{
			SubjectID: subjectID, ActorType: "trustee", ActorID: trustees[0],
			Action: "declaration.submitted", EntityType: "declaration", EntityID: second.ID,
		}},
	})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if ok {
		t.Fatal("stale lifecycle version must refuse the submission")
	}
	if _, err := s.GetDeclaration(ctx, second.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("refused submission must not persist a row, got %v", err)
	}

	if got, _ := s.GetLifecycle(ctx, subjectID); got.Version != 1 {
		t.Errorf("lifecycle version moved to %d on a refused submission", got.Version)
	}
}

func TestTransitionDeclarationConditional(t *testing.T) {
	s, db := newTestStore(t)
	subjectID, trustees := seedSubject(t, db)
	ctx := context.Background()

	decl := submitSoftDeclaration(t, s, subjectID, trustees[0])
	entry := AuditEntry{
		SubjectID: subjectID, ActorType: "system", Action: "declaration.rejected",
		EntityType: "declaration", EntityID: decl.ID,
	}

	// Wrong prior state: no write.
	ok, err := s.TransitionDeclaration(ctx, decl.ID, DeclarationPendingReview, DeclarationRejected, "QuorumTimeout", entry)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if ok {
		t.Fatal("transition from wrong state must refuse")
	}
	got, _ := s.GetDeclaration(ctx, decl.ID)
	if got.State != DeclarationPendingQuorum {
		t.Errorf("state moved to %s on refused transition", got.State)
	}

	ok, err = s.TransitionDeclaration(ctx, decl.ID, DeclarationPendingQuorum, DeclarationRejected, "QuorumTimeout", entry)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !ok {
		t.Fatal("transition from matching state must apply")
	}
	got, _ = s.GetDeclaration(ctx, decl.ID)
	if got.State != DeclarationRejected || got.RejectionReason != "QuorumTimeout" {
		t.Errorf("expected rejected/QuorumTimeout, got %s/%q", got.State, got.RejectionReason)
	}
}

func TestTransitionLifecycleVersionGuard(t *testing.T) {
	s, db := newTestStore(t)
	subjectID, trustees := seedSubject(t, db)
	ctx := context.Background()

	decl := submitSoftDeclaration(t, s, subjectID, trustees[0])
	entry := AuditEntry{
		SubjectID: subjectID, ActorType: "system", Action: "lifecycle.confirmed",
		EntityType: "lifecycle", EntityID: subjectID,
	}

	ok, err := s.TransitionLifecycle(ctx, subjectID, LifecyclePending, LifecycleConfirmed, &decl.ID, 0, entry)
	if err != nil {
		t.Fatalf("transition lifecycle: %v", err)
	}
	if ok {
		t.Fatal("stale version must refuse the transition")
	}

	ok, err = s.TransitionLifecycle(ctx, subjectID, LifecyclePending, LifecycleConfirmed, &decl.ID, 1, entry)
	if err != nil {
		t.Fatalf("transition lifecycle: %v", err)
	}
	if !ok {
		t.Fatal("current version must apply the transition")
	}
	lifecycle, _ := s.GetLifecycle(ctx, subjectID)
	if lifecycle.State != LifecycleConfirmed || lifecycle.Version != 2 {
		t.Errorf("expected confirmed/v2, got %s/v%d", lifecycle.State, lifecycle.Version)
	}
}

func TestDecideHumanReviewAtomic(t *testing.T) {
	s, db := newTestStore(t)
	subjectID, trustees := seedSubject(t, db)
	ctx := context.Background()

	lifecycle, err := s.EnsureLifecycle(ctx, subjectID)
	if err != nil {
		t.Fatalf("ensure lifecycle: %v", err)
	}
	decl := DeathDeclaration{
		ID: util.NewID("decl"), SubjectID: subjectID, Type: DeclarationHard,
		State: DeclarationPendingReview, DeclaredBy: trustees[0],
	}
	ok, err := s.CreateDeclaration(ctx, DeclarationSubmission{
		Declaration: decl,
		Automated:   &AutomatedReview{DeclarationID: decl.ID, Outcome: AutomatedPass},
		MarkPending: true, LifecycleVersion: lifecycle.Version,
	})
	if err != nil || !ok {
		t.Fatalf("create declaration: ok=%v err=%v", ok, err)
	}

	outcome := ReviewOutcome{
		Review: DeathReview{
			ID: util.NewID("rev"), DeclarationID: decl.ID,
			Decision: ReviewAccepted, ReviewerID: "admin-1",
		},
		DeclFrom:         DeclarationPendingReview,
		DeclTo:           DeclarationApproved,
		LifecycleTo:      LifecycleConfirmed,
		LifecycleVersion: 1,
		DeclarationID:    &decl.ID,
	}
	ok, err = s.DecideHumanReview(ctx, outcome)
	if err != nil {
		t.Fatalf("decide review: %v", err)
	}
	if !ok {
		t.Fatal("first decision must apply")
	}
	got, _ := s.GetDeclaration(ctx, decl.ID)
	if got.State != DeclarationApproved {
		t.Errorf("expected approved, got %s", got.State)
	}
	lc, _ := s.GetLifecycle(ctx, subjectID)
	if lc.State != LifecycleConfirmed {
		t.Errorf("expected confirmed, got %s", lc.State)
	}

	// A second decision finds the unique review row and changes nothing.
	outcome.Review.ID = util.NewID("rev")
	outcome.Review.Decision = ReviewRejected
	ok, err = s.DecideHumanReview(ctx, outcome)
	if err != nil {
		t.Fatalf("second decide: %v", err)
	}
	if ok {
		t.Fatal("second decision must refuse")
	}
	review, err := s.GetHumanReview(ctx, decl.ID)
	if err != nil {
		t.Fatalf("get review: %v", err)
	}
	if review == nil || review.Decision != ReviewAccepted {
		t.Errorf("original decision must stand, got %+v", review)
	}
}

func TestUpsertVoteAndCount(t *testing.T) {
	s, db := newTestStore(t)
	subjectID, trustees := seedSubject(t, db)
	ctx := context.Background()

	decl := submitSoftDeclaration(t, s, subjectID, trustees[0])

	count, err := s.UpsertVoteAndCount(ctx, decl.ID, trustees[0], VoteApproved)
	if err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 approval, got %d", count)
	}
	count, err = s.UpsertVoteAndCount(ctx, decl.ID, trustees[1], VoteApproved)
	if err != nil {
		t.Fatalf("second vote: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 approvals, got %d", count)
	}

	// A retract overwrites the same trustee's row and drops the count.
	count, err = s.UpsertVoteAndCount(ctx, decl.ID, trustees[1], VoteRetracted)
	if err != nil {
		t.Fatalf("retract: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 approval after retract, got %d", count)
	}
	// Re-approving the same trustee is idempotent on the row count.
	count, err = s.UpsertVoteAndCount(ctx, decl.ID, trustees[1], VoteApproved)
	if err != nil {
		t.Fatalf("re-approve: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 approvals after re-approve, got %d", count)
	}
}

func TestFlagBroadcastsForRollback(t *testing.T) {
	s, db := newTestStore(t)
	subjectID, trustees := seedSubject(t, db)
	ctx := context.Background()

	decl := submitSoftDeclaration(t, s, subjectID, trustees[0])
	contacts, err := s.ListOptedInContacts(ctx, subjectID)
	if err != nil {
		t.Fatalf("list contacts: %v", err)
	}
	if len(contacts) != 2 {
		t.Fatalf("expected 2 opted-in contacts, got %d", len(contacts))
	}

	b := Broadcast{
		ID: util.NewID("bcast"), SubjectID: subjectID,
		DeclarationID: decl.ID, Type: BroadcastNotify, State: BroadcastSending,
	}
	recipients := []BroadcastRecipient{
		{ID: util.NewID("rcpt"), ContactID: contacts[0].ID, Email: contacts[0].Email, Status: DeliveryQueued},
		{ID: util.NewID("rcpt"), ContactID: contacts[1].ID, Email: contacts[1].Email, Status: DeliveryQueued},
	}
	if err := s.InsertBroadcast(ctx, b, recipients); err != nil {
		t.Fatalf("insert broadcast: %v", err)
	}
	sentID, queuedID := recipients[0].ID, recipients[1].ID
	if ok, err := s.MarkRecipient(ctx, sentID, DeliveryQueued, DeliverySent, 1, ""); err != nil || !ok {
		t.Fatalf("mark sent: ok=%v err=%v", ok, err)
	}

	err = s.FlagBroadcastsForRollback(ctx, decl.ID, AuditEntry{
		SubjectID: subjectID, ActorType: "system", Action: "broadcast.rolled_back",
		EntityType: "declaration", EntityID: decl.ID,
	})
	if err != nil {
		t.Fatalf("flag rollback: %v", err)
	}

	got, _ := s.GetBroadcast(ctx, b.ID)
	if got.State != BroadcastFailed {
		t.Errorf("expected broadcast failed, got %s", got.State)
	}
	// Delivery history stays as it was; only queued rows are flagged.
	sent, _ := s.GetRecipient(ctx, sentID)
	if sent.Status != DeliverySent || sent.LastError != "" {
		t.Errorf("sent row must stay untouched, got %s/%q", sent.Status, sent.LastError)
	}
	queued, _ := s.GetRecipient(ctx, queuedID)
	if queued.Status != DeliveryFailed || queued.LastError != RollbackNote {
		t.Errorf("queued row must be flagged, got %s/%q", queued.Status, queued.LastError)
	}

	// Flagged rows are refused by the manual requeue for good.
	requeued, err := s.RequeueRecipient(ctx, queuedID)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued {
		t.Error("rollback-flagged recipient must not requeue")
	}
}

func TestMarkRecipientConditional(t *testing.T) {
	s, db := newTestStore(t)
	subjectID, trustees := seedSubject(t, db)
	ctx := context.Background()

	decl := submitSoftDeclaration(t, s, subjectID, trustees[0])
	contacts, _ := s.ListOptedInContacts(ctx, subjectID)
	b := Broadcast{
		ID: util.NewID("bcast"), SubjectID: subjectID,
		DeclarationID: decl.ID, Type: BroadcastNotify, State: BroadcastSending,
	}
	r := BroadcastRecipient{ID: util.NewID("rcpt"), ContactID: contacts[0].ID, Email: contacts[0].Email, Status: DeliveryQueued}
	if err := s.InsertBroadcast(ctx, b, []BroadcastRecipient{r}); err != nil {
		t.Fatalf("insert broadcast: %v", err)
	}

	// A mark from the wrong prior status is a no-op.
	ok, err := s.MarkRecipient(ctx, r.ID, DeliverySent, DeliveryOpened, 1, "")
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if ok {
		t.Fatal("mark from wrong status must refuse")
	}
	got, _ := s.GetRecipient(ctx, r.ID)
	if got.Status != DeliveryQueued {
		t.Errorf("status moved to %s on refused mark", got.Status)
	}

	if ok, err := s.MarkRecipient(ctx, r.ID, DeliveryQueued, DeliverySent, 1, ""); err != nil || !ok {
		t.Fatalf("mark sent: ok=%v err=%v", ok, err)
	}
	if ok, err := s.MarkRecipient(ctx, r.ID, DeliverySent, DeliveryOpened, 1, ""); err != nil || !ok {
		t.Fatalf("mark opened: ok=%v err=%v", ok, err)
	}
}
