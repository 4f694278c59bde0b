package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

var recordTemplate = template.Must(template.New("record").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatDate": func(t time.Time) string {
		return t.UTC().Format("Jan 2, 2006 15:04 UTC")
	},
	"ago": humanize.Time,
}).Parse(recordTemplateHTML))

// TemplateData holds everything rendered into the legend record dossier.
type TemplateData struct {
	SubjectName  string
	SubjectEmail string
	State        string
	GeneratedAt  time.Time
	Declaration  *TemplateDeclaration
	Contests     []TemplateContest
	Broadcasts   []TemplateBroadcast
	AuditTrail   []TemplateAuditEntry
}

// TemplateDeclaration is the declaration section of the dossier.
type TemplateDeclaration struct {
	ID              string
	Type            string
	State           string
	Message         string
	DeclaredBy      string
	CreatedAt       time.Time
	RejectionReason string
	EvidenceHash    string
	Approvals       []TemplateApproval
	AutomatedReview *TemplateAutomatedReview
	HumanReview     *TemplateHumanReview
}

type TemplateApproval struct {
	TrusteeID string
	Status    string
	VotedAt   time.Time
}

type TemplateAutomatedReview struct {
	Outcome    string
	RiskScore  int
	BreachCode string
	Notes      string
}

type TemplateHumanReview struct {
	Decision   string
	ReviewerID string
	Notes      string
	ReviewedAt time.Time
}

type TemplateContest struct {
	ID        string
	RaisedBy  string
	Reason    string
	Status    string
	DecidedBy string
	CreatedAt time.Time
}

type TemplateBroadcast struct {
	ID         string
	Scope      string
	State      string
	Recipients []TemplateRecipient
}

type TemplateRecipient struct {
	Email    string
	Status   string
	Attempts int
}

type TemplateAuditEntry struct {
	Action     string
	ActorType  string
	EntityType string
	PriorState string
	NewState   string
	CreatedAt  time.Time
}

// RenderRecordHTML renders the dossier template with provided data.
func RenderRecordHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := recordTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const recordTemplateHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>Legend Record - {{.SubjectName}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; color: #1a1a1a; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    h2 { margin-top: 2rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .state { display: inline-block; padding: 0.15rem 0.6rem; border-radius: 3px; background: #eee; font-size: 0.85em; text-transform: uppercase; }
    .section { background: #f7f7f7; padding: 1rem; margin: 1rem 0; border-left: 3px solid #333; }
    .rejected { border-left-color: #b00020; }
    table { width: 100%; border-collapse: collapse; font-size: 0.9em; }
    th, td { text-align: left; padding: 0.35rem 0.5rem; border-bottom: 1px solid #ddd; }
    .mono { font-family: monospace; font-size: 0.85em; }
  </style>
</head>
<body>
  <h1>Legend Record - {{.SubjectName}}</h1>
  <div class="meta">{{.SubjectEmail}} | status <span class="state">{{.State}}</span> | generated {{formatDate .GeneratedAt}}</div>

  {{if .Declaration}}
  <h2>Death Declaration</h2>
  <div class="section{{if .Declaration.RejectionReason}} rejected{{end}}">
    <p><span class="mono">{{.Declaration.ID}}</span> - {{.Declaration.Type}} declaration, {{.Declaration.State}}</p>
    <p>{{.Declaration.Message}}</p>
    <p class="meta">declared by {{.Declaration.DeclaredBy}}, {{ago .Declaration.CreatedAt}}</p>
    {{if .Declaration.RejectionReason}}<p>Rejected: {{.Declaration.RejectionReason}}</p>{{end}}
    {{if .Declaration.EvidenceHash}}<p class="mono">evidence {{.Declaration.EvidenceHash}}</p>{{end}}
  </div>

  {{if .Declaration.Approvals}}
  <h2>Trustee Approvals</h2>
  <table>
    <tr><th>Trustee</th><th>Vote</th><th>Voted</th></tr>
    {{range .Declaration.Approvals}}
    <tr><td class="mono">{{.TrusteeID}}</td><td>{{.Status}}</td><td>{{formatDate .VotedAt}}</td></tr>
    {{end}}
  </table>
  {{end}}

  {{with .Declaration.AutomatedReview}}
  <h2>Automated Check</h2>
  <div class="section">
    <p>{{.Outcome}} (risk {{.RiskScore}}){{if .BreachCode}}, breach {{.BreachCode}}{{end}}</p>
    {{if .Notes}}<p class="meta">{{.Notes}}</p>{{end}}
  </div>
  {{end}}

  {{with .Declaration.HumanReview}}
  <h2>Human Review</h2>
  <div class="section">
    <p>{{.Decision}} by {{.ReviewerID}}, {{formatDate .ReviewedAt}}</p>
    {{if .Notes}}<p class="meta">{{.Notes}}</p>{{end}}
  </div>
  {{end}}
  {{end}}

  {{if .Contests}}
  <h2>Contests</h2>
  <table>
    <tr><th>Raised by</th><th>Reason</th><th>Status</th><th>Decided by</th><th>Opened</th></tr>
    {{range .Contests}}
    <tr><td>{{.RaisedBy}}</td><td>{{.Reason}}</td><td>{{.Status}}</td><td>{{.DecidedBy}}</td><td>{{ago .CreatedAt}}</td></tr>
    {{end}}
  </table>
  {{end}}

  {{if .Broadcasts}}
  <h2>Broadcasts</h2>
  {{range .Broadcasts}}
  <div class="section">
    <p>{{.Scope}} broadcast - {{.State}}</p>
    <table>
      <tr><th>Recipient</th><th>Status</th><th>Attempts</th></tr>
      {{range .Recipients}}
      <tr><td>{{.Email}}</td><td>{{.Status}}</td><td>{{.Attempts}}</td></tr>
      {{end}}
    </table>
  </div>
  {{end}}
  {{end}}

  {{if .AuditTrail}}
  <h2>Audit Trail</h2>
  <table>
    <tr><th>When</th><th>Actor</th><th>Action</th><th>Entity</th><th>Transition</th></tr>
    {{range .AuditTrail}}
    <tr>
      <td>{{formatDate .CreatedAt}}</td>
      <td>{{.ActorType}}</td>
      <td class="mono">{{.Action}}</td>
      <td>{{.EntityType}}</td>
      <td>{{if .PriorState}}{{.PriorState}} &rarr; {{.NewState}}{{end}}</td>
    </tr>
    {{end}}
  </table>
  {{end}}
</body>
</html>`
