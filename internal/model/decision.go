package model

import "time"

// DecisionOutcome is the verdict recorded for one analysis attempt.
type DecisionOutcome string

const (
	OutcomeApproved DecisionOutcome = "approved"
	OutcomeRejected DecisionOutcome = "rejected"
)

// ModerationDecision is an append-only audit record. A nil ModeratorID means
// the decision was automated.
type ModerationDecision struct {
	ID          string          `json:"id"`
	MediaItemID string          `json:"mediaItemId"`
	Outcome     DecisionOutcome `json:"outcome"`
	Confidence  float64         `json:"confidence"`
	Reasoning   string          `json:"reasoning"`
	Categories  []string        `json:"categories"`
	ModeratorID *string         `json:"moderatorId,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Strike is a policy violation recorded against an account.
type Strike struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	SubjectKind Kind      `json:"subjectKind"`
	SubjectID   string    `json:"subjectId"`
	Reason      string    `json:"reason"`
	DecisionID  string    `json:"decisionId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Transition describes a compare-and-swap on processingStatus. The update
// applies only when the stored status equals From and the stored attempt
// counter equals Attempt. Optional fields are written alongside the status.
type Transition struct {
	ItemID  string
	From    ProcessingStatus
	To      ProcessingStatus
	Attempt int
	// StaleBefore, when non-zero, additionally requires updatedAt < StaleBefore.
	StaleBefore time.Time

	DurableURI      *string
	CDNAssetID      *string
	ClearCDNAsset   bool
	ClearTempPath   bool
	RejectionReason *string
	FailureReason   *string
	Activate        bool
}

// Claim moves a claimable item into uploading_durable and bumps its attempt
// counter. Attempt is the counter value observed by the claimer.
type Claim struct {
	ItemID      string
	From        ProcessingStatus
	Attempt     int
	StaleBefore time.Time
}

// Rejection bundles the writes that must commit together when an item is
// rejected: the status CAS, the decision, and the strike.
type Rejection struct {
	Transition Transition
	Decision   ModerationDecision
	Strike     Strike
}
