package death

import "errors"

// Caller-visible error taxonomy. ErrLockHeld is the only retryable one;
// callers back off and retry, everything else is terminal for that request.
var (
	ErrLockHeld             = errors.New("subject is locked, retry later")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrInvalidEvidence      = errors.New("invalid evidence")
	ErrQuorumTimeout        = errors.New("quorum deadline elapsed")
	ErrReviewAlreadyDecided = errors.New("human review already decided")
	ErrNothingToContest     = errors.New("nothing to contest")
	ErrDeclarationInFlight  = errors.New("a declaration is already in flight for this subject")
	ErrNotTrustee           = errors.New("actor is not an accepted trustee for this subject")
	ErrInitiatorVote        = errors.New("the declaring trustee cannot approve their own declaration")
	ErrTypeDisabled         = errors.New("this declaration type is disabled for the subject")
	ErrContestWindowClosed  = errors.New("the contest window has closed")
	ErrContestAlreadyOpen   = errors.New("an open contest already exists for this declaration")
)
