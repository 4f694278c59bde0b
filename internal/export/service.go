package export

import (
	"context"
	"fmt"
	"time"

	"legend/api/internal/store"
)

// dataStore is the slice of storage the dossier needs.
type dataStore interface {
	GetSubject(context.Context, string) (store.Subject, error)
	GetLifecycle(context.Context, string) (store.LegendLifecycle, error)
	GetDeclaration(context.Context, string) (store.DeathDeclaration, error)
	ListApprovals(context.Context, string) ([]store.DeathApproval, error)
	GetAutomatedReview(context.Context, string) (store.AutomatedReview, error)
	GetHumanReview(context.Context, string) (*store.DeathReview, error)
	ListContestsForDeclaration(context.Context, string) ([]store.Contest, error)
	ListBroadcastsForDeclaration(context.Context, string) ([]store.Broadcast, error)
	ListRecipients(context.Context, string) ([]store.BroadcastRecipient, error)
	ListAudit(context.Context, string, int) ([]store.AuditEntry, error)
}

// Service assembles and renders legend record exports.
type Service struct {
	store dataStore
	now   func() time.Time
}

// NewService creates an export service.
func NewService(store *store.PostgresStore) *Service {
	return &Service{store: store, now: time.Now}
}

// Export builds the dossier for a subject and renders it as a PDF.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	data, title, err := s.buildRecord(ctx, req)
	if err != nil {
		return nil, err
	}

	html, err := RenderRecordHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render record: %w", err)
	}

	return renderPDF(html, title)
}

func (s *Service) buildRecord(ctx context.Context, req Request) (TemplateData, string, error) {
	subject, err := s.store.GetSubject(ctx, req.SubjectID)
	if err != nil {
		return TemplateData{}, "", fmt.Errorf("%w: get subject: %v", ErrRecordUnavailable, err)
	}
	lifecycle, err := s.store.GetLifecycle(ctx, req.SubjectID)
	if err != nil {
		return TemplateData{}, "", fmt.Errorf("%w: get lifecycle: %v", ErrRecordUnavailable, err)
	}

	data := TemplateData{
		SubjectName:  subject.DisplayName,
		SubjectEmail: subject.Email,
		State:        string(lifecycle.State),
		GeneratedAt:  s.now().UTC(),
	}

	if lifecycle.DeclarationID != nil {
		decl, err := s.store.GetDeclaration(ctx, *lifecycle.DeclarationID)
		if err != nil {
			return TemplateData{}, "", fmt.Errorf("get declaration: %w", err)
		}
		data.Declaration = s.declarationSection(ctx, decl)

		contests, err := s.store.ListContestsForDeclaration(ctx, decl.ID)
		if err != nil {
			return TemplateData{}, "", fmt.Errorf("list contests: %w", err)
		}
		for _, c := range contests {
			data.Contests = append(data.Contests, TemplateContest{
				ID:        c.ID,
				RaisedBy:  c.RaisedByType,
				Reason:    c.Reason,
				Status:    string(c.Status),
				DecidedBy: c.DecidedBy,
				CreatedAt: c.CreatedAt,
			})
		}

		broadcasts, err := s.store.ListBroadcastsForDeclaration(ctx, decl.ID)
		if err != nil {
			return TemplateData{}, "", fmt.Errorf("list broadcasts: %w", err)
		}
		for _, b := range broadcasts {
			tb := TemplateBroadcast{ID: b.ID, Scope: string(b.Type), State: string(b.State)}
			recipients, err := s.store.ListRecipients(ctx, b.ID)
			if err != nil {
				return TemplateData{}, "", fmt.Errorf("list recipients: %w", err)
			}
			for _, r := range recipients {
				tb.Recipients = append(tb.Recipients, TemplateRecipient{
					Email:    r.Email,
					Status:   string(r.Status),
					Attempts: r.Attempts,
				})
			}
			data.Broadcasts = append(data.Broadcasts, tb)
		}
	}

	if req.IncludeAudit {
		entries, err := s.store.ListAudit(ctx, req.SubjectID, 500)
		if err != nil {
			return TemplateData{}, "", fmt.Errorf("list audit: %w", err)
		}
		for _, e := range entries {
			data.AuditTrail = append(data.AuditTrail, TemplateAuditEntry{
				Action:     e.Action,
				ActorType:  e.ActorType,
				EntityType: e.EntityType,
				PriorState: e.PriorState,
				NewState:   e.NewState,
				CreatedAt:  e.CreatedAt,
			})
		}
	}

	return data, "legend-record " + subject.DisplayName, nil
}

func (s *Service) declarationSection(ctx context.Context, decl store.DeathDeclaration) *TemplateDeclaration {
	td := &TemplateDeclaration{
		ID:              decl.ID,
		Type:            string(decl.Type),
		State:           string(decl.State),
		Message:         decl.Message,
		DeclaredBy:      decl.DeclaredBy,
		CreatedAt:       decl.CreatedAt,
		RejectionReason: decl.RejectionReason,
	}
	if decl.Evidence != nil {
		td.EvidenceHash = decl.Evidence.Hash
	}

	// Best-effort sections. A dossier without votes or reviews is still a
	// valid dossier.
	if approvals, err := s.store.ListApprovals(ctx, decl.ID); err == nil {
		for _, a := range approvals {
			td.Approvals = append(td.Approvals, TemplateApproval{
				TrusteeID: a.TrusteeID,
				Status:    string(a.Status),
				VotedAt:   a.VotedAt,
			})
		}
	}
	if auto, err := s.store.GetAutomatedReview(ctx, decl.ID); err == nil {
		td.AutomatedReview = &TemplateAutomatedReview{
			Outcome:    string(auto.Outcome),
			RiskScore:  auto.RiskScore,
			BreachCode: auto.BreachCode,
			Notes:      auto.Notes,
		}
	}
	if human, err := s.store.GetHumanReview(ctx, decl.ID); err == nil && human != nil {
		td.HumanReview = &TemplateHumanReview{
			Decision:   string(human.Decision),
			ReviewerID: human.ReviewerID,
			Notes:      human.Notes,
			ReviewedAt: human.ReviewedAt,
		}
	}
	return td
}
