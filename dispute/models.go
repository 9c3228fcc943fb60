package dispute

import "time"

// Outcome is the result of a closed dispute.
type Outcome string

const (
	// OutcomeAccepted settles the reward to the claimer.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeRejected reopens the task without paying the reward.
	OutcomeRejected Outcome = "rejected"
)

// CallerPolicy decides who may open a dispute on a submitted task.
type CallerPolicy string

const (
	PolicyAnyone  CallerPolicy = "anyone"
	PolicyParties CallerPolicy = "parties"
)

const DefaultForceResolveAfter = 72 * time.Hour

// Dispute is the vote held while a task is disputed. It is stored with the
// task and cleared when the vote closes.
type Dispute struct {
	VotesYes int       `json:"votes_yes"`
	VotesNo  int       `json:"votes_no"`
	Voters   []string  `json:"voters"`
	OpenedAt time.Time `json:"opened_at"`
	Active   bool      `json:"active"`
	Round    int       `json:"round"`
}

// Policy configures how votes close.
type Policy struct {
	// ForceResolveAfter is how long after opening anyone may close the vote.
	ForceResolveAfter time.Duration
	// MinQuorum is the minimum number of votes the authority needs to
	// finalize. Zero leaves finalization to the authority's discretion.
	MinQuorum int
	Callers   CallerPolicy
}

// Record is a disputed task as listed for adjudicators.
type Record struct {
	TaskID    string
	Authority string
	Claimer   string
	AssetID   string
	Quantity  int64
	Proof     string
	Dispute   Dispute
	UpdatedAt time.Time
}
