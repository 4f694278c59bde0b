// Package review runs the automated plausibility and policy checks that gate
// every declaration before quorum or human review.
package review

import (
	"strings"

	"legend/api/internal/store"
)

// Breach codes recorded on flagged or failed reviews.
const (
	BreachNone           = ""
	BreachShortMessage   = "MSG_TOO_SHORT"
	BreachLongMessage    = "MSG_TOO_LONG"
	BreachBannedPhrase   = "BANNED_PHRASE"
	BreachNoEvidence     = "HARD_NO_EVIDENCE"
	BreachRepeatRejected = "REPEAT_REJECTED"
	BreachNewTrustee     = "TRUSTEE_TOO_NEW"
)

// CheckInput carries the context the checker needs beyond the declaration
// itself.
type CheckInput struct {
	RecentRejected  int  // rejected declarations for this subject in the lookback window
	TrusteeAccepted bool // declarer has completed trustee acceptance
}

type Checker struct {
	policy Policy
}

func NewChecker(policy Policy) *Checker {
	return &Checker{policy: policy}
}

// Check scores a declaration and classifies it pass, flag, or fail. The risk
// score accumulates per breach and the worst breach code is kept. The result
// is deterministic for a given declaration and input.
func (c *Checker) Check(decl store.DeathDeclaration, input CheckInput) store.AutomatedReview {
	risk := 0
	breach := BreachNone
	notes := make([]string, 0, 4)

	record := func(points int, code, note string) {
		risk += points
		if breach == BreachNone {
			breach = code
		}
		notes = append(notes, note)
	}

	message := strings.TrimSpace(decl.Message)
	if len(message) < c.policy.MinMessageLen {
		record(25, BreachShortMessage, "message below minimum length")
	}
	if len(message) > c.policy.MaxMessageLen {
		record(15, BreachLongMessage, "message above maximum length")
	}

	lowered := strings.ToLower(message)
	for _, phrase := range c.policy.BannedPhrases {
		if phrase != "" && strings.Contains(lowered, strings.ToLower(phrase)) {
			record(40, BreachBannedPhrase, "message contains banned phrase")
			break
		}
	}

	if decl.Type == store.DeclarationHard && decl.Evidence == nil {
		record(80, BreachNoEvidence, "hard declaration without evidence")
	}

	if input.RecentRejected > c.policy.MaxRecentRejected {
		record(50, BreachRepeatRejected, "subject has repeated rejected declarations")
	}

	if !input.TrusteeAccepted {
		record(35, BreachNewTrustee, "declarer has not completed trustee acceptance")
	}

	if risk > 100 {
		risk = 100
	}

	outcome := store.AutomatedPass
	switch {
	case risk >= c.policy.FailThreshold:
		outcome = store.AutomatedFail
	case risk >= c.policy.FlagThreshold:
		outcome = store.AutomatedFlag
	}

	return store.AutomatedReview{
		DeclarationID: decl.ID,
		Outcome:       outcome,
		RiskScore:     risk,
		BreachCode:    breach,
		Notes:         strings.Join(notes, "; "),
	}
}
