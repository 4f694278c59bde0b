package notify

import (
	"context"
	"net/smtp"
	"strings"
	"testing"

	"legend/api/internal/broadcast"
	"legend/api/internal/store"
)

type sentMail struct {
	to  []string
	msg string
}

func testService() (*Service, *[]sentMail) {
	svc := NewService(Config{
		Host:        "smtp.example.com",
		Port:        "587",
		From:        "noreply@example.com",
		FromName:    "Legend",
		AdminEmail:  "admin@example.com",
		BaseURL:     "https://legend.example.com",
		TokenSecret: []byte("test-secret"),
	})
	var sent []sentMail
	svc.send = func(_ string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		sent = append(sent, sentMail{to: to, msg: string(msg)})
		return nil
	}
	return svc, &sent
}

func TestQuorumRequestedSendsPerTrustee(t *testing.T) {
	svc, sent := testService()
	decl := store.DeathDeclaration{ID: "decl-1", SubjectID: "subj-1", Type: store.DeclarationSoft, Message: "Passed away on the 12th."}
	contacts := []store.TrusteeContact{
		{TrusteeID: "t2", Email: "t2@example.com"},
		{TrusteeID: "t3", Email: "t3@example.com"},
	}

	if err := svc.QuorumRequested(context.Background(), decl, contacts); err != nil {
		t.Fatalf("QuorumRequested failed: %v", err)
	}
	if len(*sent) != 2 {
		t.Fatalf("expected 2 mails, got %d", len(*sent))
	}
	first := (*sent)[0]
	if first.to[0] != "t2@example.com" {
		t.Errorf("unexpected recipient %v", first.to)
	}
	if !strings.Contains(first.msg, "/quick-decision?token=") {
		t.Error("expected quick-decision links in mail body")
	}
	// Links are per trustee, the two mails must differ.
	if first.msg == (*sent)[1].msg {
		t.Error("expected distinct tokens per trustee")
	}
}

func TestReviewRequestedGoesToAdmin(t *testing.T) {
	svc, sent := testService()
	decl := store.DeathDeclaration{ID: "decl-1", SubjectID: "subj-1", Type: store.DeclarationHard}

	if err := svc.ReviewRequested(context.Background(), decl); err != nil {
		t.Fatalf("ReviewRequested failed: %v", err)
	}
	if len(*sent) != 1 || (*sent)[0].to[0] != "admin@example.com" {
		t.Fatalf("expected one mail to admin, got %+v", *sent)
	}
	if !strings.Contains((*sent)[0].msg, "decl-1") {
		t.Error("expected declaration id in mail body")
	}
	if !strings.Contains((*sent)[0].msg, "/quick-decision?token=") {
		t.Error("expected accept/reject quick links in mail body")
	}
}

func TestContestOpenedGoesToAdmin(t *testing.T) {
	svc, sent := testService()
	contest := store.Contest{ID: "ct-1", DeclarationID: "decl-1", Reason: "He called me yesterday."}
	decl := store.DeathDeclaration{ID: "decl-1", SubjectID: "subj-1"}

	if err := svc.ContestOpened(context.Background(), contest, decl); err != nil {
		t.Fatalf("ContestOpened failed: %v", err)
	}
	if len(*sent) != 1 || (*sent)[0].to[0] != "admin@example.com" {
		t.Fatalf("expected one mail to admin, got %+v", *sent)
	}
	for _, want := range []string{"ct-1", "He called me yesterday.", "/quick-decision?token="} {
		if !strings.Contains((*sent)[0].msg, want) {
			t.Errorf("contest mail missing %q", want)
		}
	}
}

func TestDeliverScopes(t *testing.T) {
	svc, sent := testService()
	ctx := context.Background()

	if err := svc.Deliver(ctx, broadcast.Delivery{Email: "ada@example.com", Scope: store.BroadcastNotify, ContentID: "decl-1"}); err != nil {
		t.Fatalf("notify Deliver failed: %v", err)
	}
	if err := svc.Deliver(ctx, broadcast.Delivery{Email: "ada@example.com", Scope: store.BroadcastRelease, ContentID: "decl-1"}); err != nil {
		t.Fatalf("release Deliver failed: %v", err)
	}
	if len(*sent) != 2 {
		t.Fatalf("expected 2 mails, got %d", len(*sent))
	}
	if !strings.Contains((*sent)[0].msg, "notified of their passing") {
		t.Error("expected notify wording in first mail")
	}
	if !strings.Contains((*sent)[1].msg, "released") {
		t.Error("expected release wording in second mail")
	}
}

func TestNotConfiguredSkipsNotifications(t *testing.T) {
	svc := NewService(Config{})
	if err := svc.QuorumRequested(context.Background(), store.DeathDeclaration{}, []store.TrusteeContact{{TrusteeID: "t", Email: "x@example.com"}}); err != nil {
		t.Errorf("QuorumRequested without SMTP should be a no-op, got %v", err)
	}
	// Broadcast deliveries must fail loudly instead.
	if err := svc.Deliver(context.Background(), broadcast.Delivery{Email: "x@example.com", Scope: store.BroadcastNotify}); err == nil {
		t.Error("Deliver without SMTP must error")
	}
}
