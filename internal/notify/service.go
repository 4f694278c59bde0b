// Package notify sends the system's outbound email: quorum requests with
// quick-decision links, admin review alerts, and the broadcast deliveries.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"

	"legend/api/internal/auth"
	"legend/api/internal/broadcast"
	"legend/api/internal/store"
)

type Config struct {
	Host         string
	Port         string
	Username     string
	Password     string
	From         string
	FromName     string
	AdminEmail   string
	BaseURL      string
	TokenSecret  []byte
	QuickLinkTTL time.Duration
}

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewService(config Config) *Service {
	if config.QuickLinkTTL <= 0 {
		config.QuickLinkTTL = 72 * time.Hour
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   smtp.PlainAuth("", config.Username, config.Password, config.Host),
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if SMTP delivery is configured.
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) sendHTML(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-legend"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

type quorumRequestData struct {
	DeclarationType string
	Message         string
	ApproveURL      string
	RetractURL      string
	ReviewURL       string
}

// QuorumRequested mails every accepted trustee (except the declarer) a
// per-trustee quick-decision link pair. Each link carries a signed
// single-purpose token.
func (s *Service) QuorumRequested(_ context.Context, decl store.DeathDeclaration, contacts []store.TrusteeContact) error {
	if !s.IsConfigured() {
		return nil
	}
	exp := time.Now().Add(s.config.QuickLinkTTL).Unix()
	for _, contact := range contacts {
		approve, err := auth.IssueQuickToken(s.config.TokenSecret, auth.QuickClaims{
			ActorID: contact.TrusteeID, EntityID: decl.ID, Action: "approve", Exp: exp,
		})
		if err != nil {
			return fmt.Errorf("issue approve token: %w", err)
		}
		retract, err := auth.IssueQuickToken(s.config.TokenSecret, auth.QuickClaims{
			ActorID: contact.TrusteeID, EntityID: decl.ID, Action: "retract", Exp: exp,
		})
		if err != nil {
			return fmt.Errorf("issue retract token: %w", err)
		}

		html, err := renderTemplate(quorumRequestTemplate, quorumRequestData{
			DeclarationType: string(decl.Type),
			Message:         decl.Message,
			ApproveURL:      s.config.BaseURL + "/quick-decision?token=" + approve,
			RetractURL:      s.config.BaseURL + "/quick-decision?token=" + retract,
			ReviewURL:       s.config.BaseURL + "/declarations/" + decl.ID,
		})
		if err != nil {
			return fmt.Errorf("render quorum request: %w", err)
		}
		if err := s.sendHTML([]string{contact.Email}, "A death declaration needs your confirmation", html); err != nil {
			return fmt.Errorf("send quorum request: %w", err)
		}
	}
	return nil
}

type reviewAlertData struct {
	DeclarationID string
	SubjectID     string
	AcceptURL     string
	RejectURL     string
	ReviewURL     string
}

// ReviewRequested alerts the administrators that a hard declaration awaits
// human review, with signed accept/reject links.
func (s *Service) ReviewRequested(_ context.Context, decl store.DeathDeclaration) error {
	if !s.IsConfigured() || s.config.AdminEmail == "" {
		return nil
	}
	accept, reject, err := s.quickPair(s.config.AdminEmail, decl.ID, "accept", "reject")
	if err != nil {
		return err
	}
	html, err := renderTemplate(reviewAlertTemplate, reviewAlertData{
		DeclarationID: decl.ID,
		SubjectID:     decl.SubjectID,
		AcceptURL:     s.config.BaseURL + "/quick-decision?token=" + accept,
		RejectURL:     s.config.BaseURL + "/quick-decision?token=" + reject,
		ReviewURL:     s.config.BaseURL + "/admin/reviews/" + decl.ID,
	})
	if err != nil {
		return fmt.Errorf("render review alert: %w", err)
	}
	return s.sendHTML([]string{s.config.AdminEmail}, "Hard declaration awaiting review", html)
}

type contestAlertData struct {
	ContestID     string
	DeclarationID string
	Reason        string
	UpholdURL     string
	DismissURL    string
}

// ContestOpened alerts the administrators that a confirmed declaration has
// been contested, with signed uphold/dismiss links.
func (s *Service) ContestOpened(_ context.Context, contest store.Contest, decl store.DeathDeclaration) error {
	if !s.IsConfigured() || s.config.AdminEmail == "" {
		return nil
	}
	uphold, dismiss, err := s.quickPair(s.config.AdminEmail, contest.ID, "uphold", "dismiss")
	if err != nil {
		return err
	}
	html, err := renderTemplate(contestAlertTemplate, contestAlertData{
		ContestID:     contest.ID,
		DeclarationID: decl.ID,
		Reason:        contest.Reason,
		UpholdURL:     s.config.BaseURL + "/quick-decision?token=" + uphold,
		DismissURL:    s.config.BaseURL + "/quick-decision?token=" + dismiss,
	})
	if err != nil {
		return fmt.Errorf("render contest alert: %w", err)
	}
	return s.sendHTML([]string{s.config.AdminEmail}, "A confirmed declaration was contested", html)
}

func (s *Service) quickPair(actorID, entityID, first, second string) (string, string, error) {
	exp := time.Now().Add(s.config.QuickLinkTTL).Unix()
	one, err := auth.IssueQuickToken(s.config.TokenSecret, auth.QuickClaims{
		ActorID: actorID, EntityID: entityID, Action: first, Exp: exp,
	})
	if err != nil {
		return "", "", fmt.Errorf("issue %s token: %w", first, err)
	}
	two, err := auth.IssueQuickToken(s.config.TokenSecret, auth.QuickClaims{
		ActorID: actorID, EntityID: entityID, Action: second, Exp: exp,
	})
	if err != nil {
		return "", "", fmt.Errorf("issue %s token: %w", second, err)
	}
	return one, two, nil
}

type deliveryData struct {
	Scope     string
	ContentID string
}

// Deliver implements the broadcast engine's transport. Notify-scope messages
// inform the contact; release-scope messages carry the content access link.
func (s *Service) Deliver(_ context.Context, d broadcast.Delivery) error {
	data := deliveryData{Scope: string(d.Scope), ContentID: d.ContentID}
	tmpl := notifyDeliveryTemplate
	subject := "An important notification"
	if d.Scope == store.BroadcastRelease {
		tmpl = releaseDeliveryTemplate
		subject = "Content has been released to you"
	}
	html, err := renderTemplate(tmpl, data)
	if err != nil {
		return fmt.Errorf("render delivery: %w", err)
	}
	return s.sendHTML([]string{d.Email}, subject, html)
}

func renderTemplate(tmpl string, data any) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const quorumRequestTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>A declaration needs your confirmation</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .button { display: inline-block; padding: 12px 24px; color: white; text-decoration: none; border-radius: 4px; margin: 8px 8px 8px 0; }
        .approve { background: #2e7d32; }
        .retract { background: #b23b3b; }
        .message { background: #f6f6f6; padding: 12px; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <h2>A {{.DeclarationType}} death declaration was submitted</h2>

    <div class="message">{{.Message}}</div>

    <p>As a trustee you are asked to confirm or dispute this declaration.</p>

    <p>
        <a href="{{.ApproveURL}}" class="button approve">Confirm</a>
        <a href="{{.RetractURL}}" class="button retract">Withdraw my confirmation</a>
    </p>

    <p>You can also review the full declaration first: <a href="{{.ReviewURL}}">{{.ReviewURL}}</a></p>

    <div class="footer">
        <p>These links are personal to you and expire. If you were not expecting this email, contact the other trustees before acting.</p>
    </div>
</body>
</html>`

const reviewAlertTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Hard declaration awaiting review</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 8px 8px 8px 0; }
        .accept { background: #2e7d32; }
        .reject { background: #b23b3b; }
    </style>
</head>
<body>
    <h2>Hard declaration awaiting human review</h2>

    <p>Declaration <strong>{{.DeclarationID}}</strong> for subject <strong>{{.SubjectID}}</strong> passed the automated check and needs a reviewer decision.</p>

    <p>
        <a href="{{.AcceptURL}}" class="button accept">Accept</a>
        <a href="{{.RejectURL}}" class="button reject">Reject</a>
    </p>

    <p>Full record: <a href="{{.ReviewURL}}">{{.ReviewURL}}</a></p>
</body>
</html>`

const contestAlertTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Declaration contested</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .button { display: inline-block; padding: 12px 24px; color: white; text-decoration: none; border-radius: 4px; margin: 8px 8px 8px 0; }
        .uphold { background: #b23b3b; }
        .dismiss { background: #555; }
        .message { background: #f6f6f6; padding: 12px; border-radius: 4px; margin: 20px 0; }
    </style>
</head>
<body>
    <h2>A confirmed declaration was contested</h2>

    <p>Contest <strong>{{.ContestID}}</strong> was opened against declaration <strong>{{.DeclarationID}}</strong>.</p>

    <div class="message">{{.Reason}}</div>

    <p>
        <a href="{{.UpholdURL}}" class="button uphold">Uphold and roll back</a>
        <a href="{{.DismissURL}}" class="button dismiss">Dismiss</a>
    </p>
</body>
</html>`

const notifyDeliveryTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>An important notification</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
    </style>
</head>
<body>
    <h2>We are sorry to reach you with sad news</h2>

    <p>Someone who trusted you listed you as a contact to be notified of their passing. Their passing has now been confirmed.</p>

    <p>Reference: {{.ContentID}}</p>
</body>
</html>`

const releaseDeliveryTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Content released to you</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
    </style>
</head>
<body>
    <h2>Content has been released to you</h2>

    <p>Following a confirmed passing, content the deceased prepared for you is now available.</p>

    <p>Reference: {{.ContentID}}</p>
</body>
</html>`
