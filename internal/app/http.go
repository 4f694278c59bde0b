package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"legend/api/internal/auth"
	"legend/api/internal/death"
	"legend/api/internal/export"
	"legend/api/internal/search"
	"legend/api/internal/store"
)

// orchestrator is the slice of the death service the HTTP layer calls.
type orchestrator interface {
	SubmitDeclaration(ctx context.Context, input death.SubmitDeclarationInput) (store.DeathDeclaration, error)
	Vote(ctx context.Context, declarationID, trusteeID string, approve bool) (death.QuorumStatus, error)
	SubmitHumanReview(ctx context.Context, declarationID, reviewerID string, decision store.ReviewDecision, notes string) (store.DeathDeclaration, error)
	OverrideQuorum(ctx context.Context, declarationID, adminID, reason string) (store.DeathDeclaration, error)
	OpenContest(ctx context.Context, input death.OpenContestInput) (store.Contest, error)
	DecideContest(ctx context.Context, contestID, adminID string, uphold bool) (store.Contest, error)
	Acknowledge(ctx context.Context, declarationID, trusteeID string) error
	Status(ctx context.Context, subjectID string) (death.StatusView, error)
	SweepQuorumDeadlines(ctx context.Context) (int, error)
}

type broadcastAdmin interface {
	RetryRecipient(ctx context.Context, recipientID string) error
	MarkOpened(ctx context.Context, recipientID string) error
}

type readStore interface {
	Ping(ctx context.Context) error
	ListAudit(ctx context.Context, subjectID string, limit int) ([]store.AuditEntry, error)
	ListBroadcastsForDeclaration(ctx context.Context, declarationID string) ([]store.Broadcast, error)
	ListRecipients(ctx context.Context, broadcastID string) ([]store.BroadcastRecipient, error)
}

type auditSearcher interface {
	Search(q search.Query) search.Response
}

type exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

type HTTPServer struct {
	deaths     orchestrator
	broadcasts broadcastAdmin
	store      readStore
	search     auditSearcher
	export     exporter
	secret     []byte
	corsOrigin string
	log        zerolog.Logger
}

func NewHTTPServer(deaths orchestrator, broadcasts broadcastAdmin, reads readStore, searcher auditSearcher, exporter exporter, secret []byte, corsOrigin string, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		deaths:     deaths,
		broadcasts: broadcasts,
		store:      reads,
		search:     searcher,
		export:     exporter,
		secret:     secret,
		corsOrigin: corsOrigin,
		log:        log,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := map[string]any{"database": map[string]any{"status": "ok"}}
		statusCode := http.StatusOK
		if err := s.store.Ping(ctx); err != nil {
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{"ok": statusCode == http.StatusOK, "checks": checks})
		return
	}

	if r.URL.Path == "/api/quick-decision" && (r.Method == http.MethodPost || r.Method == http.MethodGet) {
		s.handleQuickDecision(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case len(parts) == 4 && parts[1] == "subjects" && parts[3] == "declarations" && r.Method == http.MethodPost:
		s.handleSubmitDeclaration(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "subjects" && parts[3] == "status" && r.Method == http.MethodGet:
		s.handleStatus(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "subjects" && parts[3] == "audit" && r.Method == http.MethodGet:
		s.handleAuditList(w, r, parts[2])
	case len(parts) == 5 && parts[1] == "subjects" && parts[3] == "audit" && parts[4] == "search" && r.Method == http.MethodGet:
		s.handleAuditSearch(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "subjects" && parts[3] == "export" && r.Method == http.MethodGet:
		s.handleExport(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "declarations" && parts[3] == "votes" && r.Method == http.MethodPost:
		s.handleVote(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "declarations" && parts[3] == "review" && r.Method == http.MethodPost:
		s.handleReview(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "declarations" && parts[3] == "rejection" && r.Method == http.MethodPost:
		s.handleOverrideQuorum(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "declarations" && parts[3] == "contests" && r.Method == http.MethodPost:
		s.handleOpenContest(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "declarations" && parts[3] == "acknowledgements" && r.Method == http.MethodPost:
		s.handleAcknowledge(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "declarations" && parts[3] == "broadcasts" && r.Method == http.MethodGet:
		s.handleListBroadcasts(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "contests" && parts[3] == "decision" && r.Method == http.MethodPost:
		s.handleDecideContest(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "recipients" && parts[3] == "retry" && r.Method == http.MethodPost:
		s.handleRetryRecipient(w, r, parts[2])
	case len(parts) == 4 && parts[1] == "recipients" && parts[3] == "opened" && r.Method == http.MethodPost:
		s.handleRecipientOpened(w, r, parts[2])
	case len(parts) == 3 && parts[1] == "admin" && parts[2] == "sweep" && r.Method == http.MethodPost:
		s.handleSweep(w, r)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

type evidenceBody struct {
	Hash    string `json:"hash"`
	Locator string `json:"locator"`
	Mime    string `json:"mime"`
}

func (e *evidenceBody) ref() *store.EvidenceRef {
	if e == nil {
		return nil
	}
	return &store.EvidenceRef{Hash: e.Hash, Locator: e.Locator, Mime: e.Mime}
}

func (s *HTTPServer) handleSubmitDeclaration(w http.ResponseWriter, r *http.Request, subjectID string) {
	claims, ok := s.requireActor(w, r, "trustee")
	if !ok {
		return
	}
	var body struct {
		Type     string        `json:"type"`
		Message  string        `json:"message"`
		Evidence *evidenceBody `json:"evidence"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	declType := store.DeclarationType(body.Type)
	if declType != store.DeclarationSoft && declType != store.DeclarationHard {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be soft or hard", nil)
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "message is required", nil)
		return
	}

	decl, err := s.deaths.SubmitDeclaration(r.Context(), death.SubmitDeclarationInput{
		SubjectID: subjectID,
		TrusteeID: claims.Sub,
		Type:      declType,
		Message:   body.Message,
		Evidence:  body.Evidence.ref(),
	})
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, declarationPayload(decl))
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request, subjectID string) {
	if _, ok := s.requireActor(w, r); !ok {
		return
	}
	view, err := s.deaths.Status(r.Context(), subjectID)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleVote(w http.ResponseWriter, r *http.Request, declarationID string) {
	claims, ok := s.requireActor(w, r, "trustee")
	if !ok {
		return
	}
	var body struct {
		Approve *bool `json:"approve"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Approve == nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "approve is required", nil)
		return
	}
	status, err := s.deaths.Vote(r.Context(), declarationID, claims.Sub, *body.Approve)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *HTTPServer) handleReview(w http.ResponseWriter, r *http.Request, declarationID string) {
	claims, ok := s.requireActor(w, r, "admin")
	if !ok {
		return
	}
	var body struct {
		Decision string `json:"decision"`
		Notes    string `json:"notes"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	decision := store.ReviewDecision(body.Decision)
	if decision != store.ReviewAccepted && decision != store.ReviewRejected {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "decision must be accepted or rejected", nil)
		return
	}
	decl, err := s.deaths.SubmitHumanReview(r.Context(), declarationID, claims.Sub, decision, body.Notes)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, declarationPayload(decl))
}

func (s *HTTPServer) handleOverrideQuorum(w http.ResponseWriter, r *http.Request, declarationID string) {
	claims, ok := s.requireActor(w, r, "admin")
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	decl, err := s.deaths.OverrideQuorum(r.Context(), declarationID, claims.Sub, body.Reason)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, declarationPayload(decl))
}

func (s *HTTPServer) handleOpenContest(w http.ResponseWriter, r *http.Request, declarationID string) {
	claims, ok := s.requireActor(w, r, "subject", "trustee")
	if !ok {
		return
	}
	var body struct {
		Reason          string        `json:"reason"`
		CounterEvidence *evidenceBody `json:"counterEvidence"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.Reason) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "reason is required", nil)
		return
	}
	contest, err := s.deaths.OpenContest(r.Context(), death.OpenContestInput{
		DeclarationID:   declarationID,
		RaisedByType:    claims.ActorType,
		RaisedByID:      claims.Sub,
		Reason:          body.Reason,
		CounterEvidence: body.CounterEvidence.ref(),
	})
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, contestPayload(contest))
}

func (s *HTTPServer) handleDecideContest(w http.ResponseWriter, r *http.Request, contestID string) {
	claims, ok := s.requireActor(w, r, "admin")
	if !ok {
		return
	}
	var body struct {
		Uphold *bool `json:"uphold"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Uphold == nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "uphold is required", nil)
		return
	}
	contest, err := s.deaths.DecideContest(r.Context(), contestID, claims.Sub, *body.Uphold)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contestPayload(contest))
}

func (s *HTTPServer) handleAcknowledge(w http.ResponseWriter, r *http.Request, declarationID string) {
	claims, ok := s.requireActor(w, r, "trustee")
	if !ok {
		return
	}
	if err := s.deaths.Acknowledge(r.Context(), declarationID, claims.Sub); err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListBroadcasts(w http.ResponseWriter, r *http.Request, declarationID string) {
	if _, ok := s.requireActor(w, r); !ok {
		return
	}
	broadcasts, err := s.store.ListBroadcastsForDeclaration(r.Context(), declarationID)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	payload := make([]map[string]any, 0, len(broadcasts))
	for _, b := range broadcasts {
		recipients, err := s.store.ListRecipients(r.Context(), b.ID)
		if err != nil {
			s.writeMapped(w, r, err)
			return
		}
		rows := make([]map[string]any, 0, len(recipients))
		for _, rec := range recipients {
			rows = append(rows, map[string]any{
				"id":        rec.ID,
				"email":     rec.Email,
				"status":    rec.Status,
				"attempts":  rec.Attempts,
				"lastError": rec.LastError,
			})
		}
		payload = append(payload, map[string]any{
			"id":         b.ID,
			"scope":      b.Type,
			"state":      b.State,
			"recipients": rows,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"broadcasts": payload})
}

func (s *HTTPServer) handleRetryRecipient(w http.ResponseWriter, r *http.Request, recipientID string) {
	if _, ok := s.requireActor(w, r, "admin"); !ok {
		return
	}
	if err := s.broadcasts.RetryRecipient(r.Context(), recipientID); err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleRecipientOpened is the open-tracking callback. It is unauthenticated,
// an unknown recipient id gets a 404.
func (s *HTTPServer) handleRecipientOpened(w http.ResponseWriter, r *http.Request, recipientID string) {
	if err := s.broadcasts.MarkOpened(r.Context(), recipientID); err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSweep(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireActor(w, r, "admin"); !ok {
		return
	}
	swept, err := s.deaths.SweepQuorumDeadlines(r.Context())
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"swept": swept})
}

func (s *HTTPServer) handleAuditList(w http.ResponseWriter, r *http.Request, subjectID string) {
	if _, ok := s.requireActor(w, r); !ok {
		return
	}
	limit := queryInt(r, "limit", 100)
	entries, err := s.store.ListAudit(r.Context(), subjectID, limit)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	rows := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, map[string]any{
			"id":         e.ID,
			"actorType":  e.ActorType,
			"actorId":    e.ActorID,
			"action":     e.Action,
			"entityType": e.EntityType,
			"entityId":   e.EntityID,
			"priorState": e.PriorState,
			"newState":   e.NewState,
			"detail":     e.Detail,
			"createdAt":  e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": rows})
}

func (s *HTTPServer) handleAuditSearch(w http.ResponseWriter, r *http.Request, subjectID string) {
	if _, ok := s.requireActor(w, r); !ok {
		return
	}
	query := search.Query{
		Text:             r.URL.Query().Get("q"),
		FilterSubjectID:  subjectID,
		FilterEntityType: r.URL.Query().Get("entity"),
		Limit:            queryInt(r, "limit", 20),
		Offset:           queryInt(r, "offset", 0),
	}
	writeJSON(w, http.StatusOK, s.search.Search(query))
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, subjectID string) {
	if _, ok := s.requireActor(w, r); !ok {
		return
	}
	result, err := s.export.Export(r.Context(), export.Request{
		SubjectID:    subjectID,
		IncludeAudit: r.URL.Query().Get("audit") == "true",
	})
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

// handleQuickDecision executes the single action embedded in a signed email
// link: trustee approve/retract, admin accept/reject, admin uphold/dismiss.
func (s *HTTPServer) handleQuickDecision(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		var body struct {
			Token string `json:"token"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		token = body.Token
	}
	claims, err := auth.ParseQuickToken(s.secret, token)
	if err != nil {
		s.writeMapped(w, r, err)
		return
	}

	switch claims.Action {
	case "approve", "retract":
		status, err := s.deaths.Vote(r.Context(), claims.EntityID, claims.ActorID, claims.Action == "approve")
		if err != nil {
			s.writeMapped(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"action": claims.Action, "quorum": status})
	case "accept", "reject":
		decision := store.ReviewAccepted
		if claims.Action == "reject" {
			decision = store.ReviewRejected
		}
		decl, err := s.deaths.SubmitHumanReview(r.Context(), claims.EntityID, claims.ActorID, decision, "decided via quick link")
		if err != nil {
			s.writeMapped(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"action": claims.Action, "declaration": declarationPayload(decl)})
	case "uphold", "dismiss":
		contest, err := s.deaths.DecideContest(r.Context(), claims.EntityID, claims.ActorID, claims.Action == "uphold")
		if err != nil {
			s.writeMapped(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"action": claims.Action, "contest": contestPayload(contest)})
	default:
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
}

func declarationPayload(decl store.DeathDeclaration) map[string]any {
	payload := map[string]any{
		"id":        decl.ID,
		"subjectId": decl.SubjectID,
		"type":      decl.Type,
		"state":     decl.State,
		"message":   decl.Message,
		"createdAt": decl.CreatedAt,
		"updatedAt": decl.UpdatedAt,
	}
	if decl.RejectionReason != "" {
		payload["rejectionReason"] = decl.RejectionReason
	}
	if decl.QuorumDeadline != nil {
		payload["quorumDeadline"] = decl.QuorumDeadline
	}
	return payload
}

func contestPayload(contest store.Contest) map[string]any {
	payload := map[string]any{
		"id":            contest.ID,
		"declarationId": contest.DeclarationID,
		"subjectId":     contest.SubjectID,
		"raisedByType":  contest.RaisedByType,
		"reason":        contest.Reason,
		"status":        contest.Status,
		"createdAt":     contest.CreatedAt,
	}
	if contest.DecidedAt != nil {
		payload["decidedBy"] = contest.DecidedBy
		payload["decidedAt"] = contest.DecidedAt
	}
	return payload
}

// requireActor parses the bearer token and, when actorTypes are given,
// enforces the caller's role.
func (s *HTTPServer) requireActor(w http.ResponseWriter, r *http.Request, actorTypes ...string) (auth.Claims, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return auth.Claims{}, false
	}
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return auth.Claims{}, false
	}
	if len(actorTypes) > 0 {
		allowed := false
		for _, actorType := range actorTypes {
			if claims.ActorType == actorType {
				allowed = true
				break
			}
		}
		if !allowed {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return auth.Claims{}, false
		}
	}
	return claims, true
}

func (s *HTTPServer) writeMapped(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}
