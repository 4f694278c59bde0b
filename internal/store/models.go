package store

import "time"

// Closed enumerations. The orchestrator switches exhaustively over these;
// values map 1:1 to the CHECK constraints in db/migrations.

type DeclarationType string

const (
	DeclarationSoft DeclarationType = "soft"
	DeclarationHard DeclarationType = "hard"
)

type DeclarationState string

const (
	DeclarationDraft         DeclarationState = "draft"
	DeclarationPendingReview DeclarationState = "pending_review"
	DeclarationPendingQuorum DeclarationState = "pending_quorum"
	DeclarationApproved      DeclarationState = "approved"
	DeclarationRejected      DeclarationState = "rejected"
)

type LifecycleState string

const (
	LifecycleAlive      LifecycleState = "alive"
	LifecyclePending    LifecycleState = "pending"
	LifecycleConfirmed  LifecycleState = "confirmed"
	LifecycleContested  LifecycleState = "contested"
	LifecycleRolledBack LifecycleState = "rolled_back"
)

type VoteStatus string

const (
	VoteApproved  VoteStatus = "approved"
	VoteRetracted VoteStatus = "retracted"
)

type AutomatedOutcome string

const (
	AutomatedPass AutomatedOutcome = "pass"
	AutomatedFlag AutomatedOutcome = "flag"
	AutomatedFail AutomatedOutcome = "fail"
)

type ReviewDecision string

const (
	ReviewAccepted ReviewDecision = "accepted"
	ReviewRejected ReviewDecision = "rejected"
)

type ContestStatus string

const (
	ContestOpen           ContestStatus = "open"
	ContestUpheldRollback ContestStatus = "upheld_rollback"
	ContestDismissed      ContestStatus = "dismissed"
)

type BroadcastType string

const (
	BroadcastNotify  BroadcastType = "notify"
	BroadcastRelease BroadcastType = "release"
)

type BroadcastState string

const (
	BroadcastPending         BroadcastState = "pending"
	BroadcastSending         BroadcastState = "sending"
	BroadcastSent            BroadcastState = "sent"
	BroadcastPartiallyFailed BroadcastState = "partially_failed"
	BroadcastFailed          BroadcastState = "failed"
)

type DeliveryStatus string

const (
	DeliveryQueued DeliveryStatus = "queued"
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
	DeliveryOpened DeliveryStatus = "opened"
)

type TrusteeStatus string

const (
	TrusteeInvited  TrusteeStatus = "invited"
	TrusteeAccepted TrusteeStatus = "accepted"
	TrusteeRejected TrusteeStatus = "rejected"
	TrusteeRemoved  TrusteeStatus = "removed"
)

// Subject is the legend owner whose life/death status is tracked.
type Subject struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

// SubjectSettings controls which declaration kinds a subject allows.
type SubjectSettings struct {
	SubjectID         string
	SoftEnabled       bool
	HardEnabled       bool
	ContestWindowDays int
}

type Contact struct {
	ID              string
	SubjectID       string
	Name            string
	Email           string
	ShareAfterDeath bool
}

// TrusteeContact pairs a trustee with their reachable email, used when
// fanning quorum requests out.
type TrusteeContact struct {
	TrusteeID string
	Email     string
}

type Trustee struct {
	ID          string
	SubjectID   string
	ContactID   string
	Status      TrusteeStatus
	InvitedAt   time.Time
	RespondedAt *time.Time
}

// EvidenceRef is the opaque content-addressable handle the core persists for a
// hard declaration. Bytes live in the external object store; only the hash,
// locator and declared mime type cross this boundary.
type EvidenceRef struct {
	Hash    string
	Locator string
	Mime    string
}

type DeathDeclaration struct {
	ID              string
	SubjectID       string
	Type            DeclarationType
	State           DeclarationState
	Message         string
	DeclaredBy      string
	Evidence        *EvidenceRef
	QuorumDeadline  *time.Time
	RejectionReason string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DeathApproval holds the current vote of one trustee on one declaration.
// Unique on (declaration_id, trustee_id); re-voting overwrites status.
type DeathApproval struct {
	DeclarationID string
	TrusteeID     string
	Status        VoteStatus
	VotedAt       time.Time
}

type AutomatedReview struct {
	DeclarationID string
	Outcome       AutomatedOutcome
	RiskScore     int
	BreachCode    string
	Notes         string
	CheckedAt     time.Time
}

type DeathReview struct {
	ID            string
	DeclarationID string
	Decision      ReviewDecision
	ReviewerID    string
	Notes         string
	ReviewedAt    time.Time
}

type LegendLifecycle struct {
	SubjectID     string
	State         LifecycleState
	DeclarationID *string
	Version       int64
	UpdatedAt     time.Time
}

type Contest struct {
	ID              string
	DeclarationID   string
	SubjectID       string
	RaisedByType    string // "subject" | "trustee"
	RaisedByID      string
	Reason          string
	CounterEvidence *EvidenceRef
	Status          ContestStatus
	DecidedBy       string
	DecidedAt       *time.Time
	CreatedAt       time.Time
}

type Broadcast struct {
	ID            string
	SubjectID     string
	DeclarationID string
	Type          BroadcastType
	State         BroadcastState
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type BroadcastRecipient struct {
	ID          string
	BroadcastID string
	ContactID   string
	Email       string
	Status      DeliveryStatus
	Attempts    int
	LastError   string
	UpdatedAt   time.Time
}

// Acknowledgement records a trustee having seen a confirmed declaration.
type Acknowledgement struct {
	DeclarationID string
	TrusteeID     string
	CreatedAt     time.Time
}

// AuditEntry is append-only. Entries are written in the same transaction as
// the transition they record and are never updated or deleted.
type AuditEntry struct {
	ID         int64
	SubjectID  string
	ActorType  string // "subject" | "trustee" | "admin" | "system"
	ActorID    string
	Action     string
	EntityType string
	EntityID   string
	PriorState string
	NewState   string
	Detail     map[string]any
	CreatedAt  time.Time
}
