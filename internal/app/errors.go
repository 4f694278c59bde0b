package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"legend/api/internal/auth"
	"legend/api/internal/broadcast"
	"legend/api/internal/death"
	"legend/api/internal/deathlock"
	"legend/api/internal/evidence"
	"legend/api/internal/export"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError translates domain errors into the HTTP taxonomy. LockHeld is the
// one retryable error; everything else is terminal for the request.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	switch {
	case errors.Is(err, death.ErrLockHeld), errors.Is(err, deathlock.ErrLockHeld):
		return http.StatusConflict, "LOCK_HELD", "Another transition is in progress, retry shortly", map[string]any{"retryable": true}
	case errors.Is(err, death.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION", "The entity is no longer in the expected state", nil
	case errors.Is(err, death.ErrDeclarationInFlight):
		return http.StatusConflict, "DECLARATION_IN_FLIGHT", "A declaration for this subject is already in flight", nil
	case errors.Is(err, death.ErrReviewAlreadyDecided):
		return http.StatusConflict, "REVIEW_ALREADY_DECIDED", "This declaration already has a review decision", nil
	case errors.Is(err, death.ErrContestAlreadyOpen):
		return http.StatusConflict, "CONTEST_ALREADY_OPEN", "An open contest already exists for this declaration", nil
	case errors.Is(err, death.ErrQuorumTimeout):
		return http.StatusConflict, "QUORUM_TIMEOUT", "The approval window for this declaration has elapsed", nil
	case errors.Is(err, death.ErrNothingToContest):
		return http.StatusConflict, "NOTHING_TO_CONTEST", "The subject has no confirmed declaration to contest", nil
	case errors.Is(err, death.ErrContestWindowClosed):
		return http.StatusGone, "CONTEST_WINDOW_CLOSED", "The contest window for this declaration has closed", nil
	case errors.Is(err, death.ErrNotTrustee):
		return http.StatusForbidden, "NOT_TRUSTEE", "Caller is not an accepted trustee of this subject", nil
	case errors.Is(err, death.ErrInitiatorVote):
		return http.StatusForbidden, "INITIATOR_VOTE", "The declaring trustee cannot approve their own declaration", nil
	case errors.Is(err, death.ErrTypeDisabled):
		return http.StatusForbidden, "TYPE_DISABLED", "This declaration type is disabled for the subject", nil
	case errors.Is(err, death.ErrInvalidEvidence), errors.Is(err, evidence.ErrInvalidEvidence):
		return http.StatusUnprocessableEntity, "INVALID_EVIDENCE", "Evidence reference failed validation", nil
	case errors.Is(err, evidence.ErrEvidenceMissing):
		return http.StatusUnprocessableEntity, "EVIDENCE_MISSING", "Evidence object not found in storage", nil
	case errors.Is(err, broadcast.ErrRolledBack):
		return http.StatusConflict, "ROLLED_BACK", "The confirmation was rolled back, delivery is stopped", nil
	case errors.Is(err, broadcast.ErrDeliveryFailed):
		return http.StatusConflict, "DELIVERY_FAILED", "Recipient is not in a retryable state", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF rendering is not available on this host", nil
	case errors.Is(err, export.ErrRecordUnavailable):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
