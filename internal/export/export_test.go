package export

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"legend/api/internal/store"
)

type fakeStore struct {
	subject    store.Subject
	lifecycle  store.LegendLifecycle
	decl       store.DeathDeclaration
	approvals  []store.DeathApproval
	automated  *store.AutomatedReview
	human      *store.DeathReview
	contests   []store.Contest
	broadcasts []store.Broadcast
	recipients map[string][]store.BroadcastRecipient
	audit      []store.AuditEntry
}

func (f *fakeStore) GetSubject(context.Context, string) (store.Subject, error) {
	return f.subject, nil
}

func (f *fakeStore) GetLifecycle(context.Context, string) (store.LegendLifecycle, error) {
	return f.lifecycle, nil
}

func (f *fakeStore) GetDeclaration(context.Context, string) (store.DeathDeclaration, error) {
	return f.decl, nil
}

func (f *fakeStore) ListApprovals(context.Context, string) ([]store.DeathApproval, error) {
	return f.approvals, nil
}

func (f *fakeStore) GetAutomatedReview(context.Context, string) (store.AutomatedReview, error) {
	if f.automated == nil {
		return store.AutomatedReview{}, sql.ErrNoRows
	}
	return *f.automated, nil
}

func (f *fakeStore) GetHumanReview(context.Context, string) (*store.DeathReview, error) {
	return f.human, nil
}

func (f *fakeStore) ListContestsForDeclaration(context.Context, string) ([]store.Contest, error) {
	return f.contests, nil
}

func (f *fakeStore) ListBroadcastsForDeclaration(context.Context, string) ([]store.Broadcast, error) {
	return f.broadcasts, nil
}

func (f *fakeStore) ListRecipients(_ context.Context, broadcastID string) ([]store.BroadcastRecipient, error) {
	return f.recipients[broadcastID], nil
}

func (f *fakeStore) ListAudit(context.Context, string, int) ([]store.AuditEntry, error) {
	return f.audit, nil
}

func testTime() time.Time {
	return time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
}

func confirmedFixture() *fakeStore {
	declID := "decl_1"
	return &fakeStore{
		subject: store.Subject{ID: "subj_1", DisplayName: "Ada Lovelace", Email: "ada@example.com"},
		lifecycle: store.LegendLifecycle{
			SubjectID:     "subj_1",
			State:         store.LifecycleConfirmed,
			DeclarationID: &declID,
		},
		decl: store.DeathDeclaration{
			ID:         declID,
			SubjectID:  "subj_1",
			Type:       store.DeclarationSoft,
			State:      store.DeclarationApproved,
			Message:    "Passed away peacefully.",
			DeclaredBy: "tr_1",
			CreatedAt:  testTime(),
		},
		approvals: []store.DeathApproval{
			{DeclarationID: declID, TrusteeID: "tr_2", Status: store.VoteApproved, VotedAt: testTime()},
			{DeclarationID: declID, TrusteeID: "tr_3", Status: store.VoteApproved, VotedAt: testTime()},
		},
		broadcasts: []store.Broadcast{
			{ID: "bc_1", DeclarationID: declID, Type: store.BroadcastNotify, State: store.BroadcastSent},
		},
		recipients: map[string][]store.BroadcastRecipient{
			"bc_1": {{ID: "rcp_1", BroadcastID: "bc_1", Email: "ben@example.com", Status: store.DeliverySent, Attempts: 1}},
		},
		audit: []store.AuditEntry{
			{Action: "declaration.approved", ActorType: "system", EntityType: "death_declaration",
				PriorState: "pending_quorum", NewState: "approved", CreatedAt: testTime()},
		},
	}
}

func TestBuildRecordConfirmed(t *testing.T) {
	svc := &Service{store: confirmedFixture(), now: testTime}

	data, title, err := svc.buildRecord(context.Background(), Request{SubjectID: "subj_1", IncludeAudit: true})
	if err != nil {
		t.Fatalf("buildRecord: %v", err)
	}
	if title != "legend-record Ada Lovelace" {
		t.Fatalf("unexpected title %q", title)
	}
	if data.State != "confirmed" {
		t.Fatalf("expected confirmed state, got %q", data.State)
	}
	if data.Declaration == nil || len(data.Declaration.Approvals) != 2 {
		t.Fatalf("expected declaration with 2 approvals, got %+v", data.Declaration)
	}
	if data.Declaration.AutomatedReview != nil {
		t.Fatal("soft declaration should have no automated review section")
	}
	if len(data.Broadcasts) != 1 || len(data.Broadcasts[0].Recipients) != 1 {
		t.Fatalf("expected 1 broadcast with 1 recipient, got %+v", data.Broadcasts)
	}
	if len(data.AuditTrail) != 1 {
		t.Fatalf("expected audit trail, got %+v", data.AuditTrail)
	}
}

func TestBuildRecordWithoutDeclaration(t *testing.T) {
	fs := confirmedFixture()
	fs.lifecycle = store.LegendLifecycle{SubjectID: "subj_1", State: store.LifecycleAlive}
	svc := &Service{store: fs, now: testTime}

	data, _, err := svc.buildRecord(context.Background(), Request{SubjectID: "subj_1"})
	if err != nil {
		t.Fatalf("buildRecord: %v", err)
	}
	if data.Declaration != nil {
		t.Fatal("alive subject should have no declaration section")
	}
	if len(data.AuditTrail) != 0 {
		t.Fatal("audit trail should be omitted unless requested")
	}
}

func TestRenderRecordHTML(t *testing.T) {
	svc := &Service{store: confirmedFixture(), now: testTime}
	data, _, err := svc.buildRecord(context.Background(), Request{SubjectID: "subj_1", IncludeAudit: true})
	if err != nil {
		t.Fatalf("buildRecord: %v", err)
	}

	html, err := RenderRecordHTML(data)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{
		"Ada Lovelace",
		"Passed away peacefully.",
		"tr_2",
		"ben@example.com",
		"declaration.approved",
		"pending_quorum",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("rendered record missing %q", want)
		}
	}
}

func TestRenderRecordEscapesHTML(t *testing.T) {
	fs := confirmedFixture()
	fs.decl.Message = "<script>alert(1)</script>"
	svc := &Service{store: fs, now: testTime}
	data, _, err := svc.buildRecord(context.Background(), Request{SubjectID: "subj_1"})
	if err != nil {
		t.Fatalf("buildRecord: %v", err)
	}

	html, err := RenderRecordHTML(data)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if strings.Contains(html, "<script>alert(1)</script>") {
		t.Fatal("declaration message must be escaped")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"legend-record Ada Lovelace", "legend-record-Ada-Lovelace"},
		{"///", "legend-record"},
		{strings.Repeat("a", 80), strings.Repeat("a", 50)},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.in); got != tt.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	got := percentEncodeForDataURL("a b<c>")
	if got != "a%20b%3Cc%3E" {
		t.Fatalf("unexpected encoding %q", got)
	}
}
