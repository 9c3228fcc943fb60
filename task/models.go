package task

import (
	"slices"
	"time"

	"bountyflow/deadline"
	"bountyflow/dispute"
	"bountyflow/escrow"
)

// Status is the lifecycle position of a task. A task holds exactly one.
type Status string

const (
	StatusOpen      Status = "open"
	StatusClaimed   Status = "claimed"
	StatusSubmitted Status = "submitted"
	StatusCompleted Status = "completed"
	StatusDisputed  Status = "disputed"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every valid status.
var Statuses = []Status{StatusOpen, StatusClaimed, StatusSubmitted, StatusCompleted, StatusDisputed, StatusCancelled}

func (s Status) Valid() bool {
	return slices.Contains(Statuses, s)
}

// Terminal reports whether no further lifecycle transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Locked reports whether a claim holds units of the task's escrow.
func (s Status) Locked() bool {
	return s == StatusClaimed || s == StatusSubmitted || s == StatusDisputed
}

// Task mirrors the tasks table.
type Task struct {
	ID           string
	Authority    string
	AssetID      string
	UnitaryPrice int64
	// Quantity is the number of units claimed. A completed task keeps the
	// quantity and claimer it settled.
	Quantity int64
	Status   Status
	Claimer  string
	Deadline time.Time
	Proof    string

	Escrow escrow.Holdings
	// LockedDeposit is the companion payment held for the current claim.
	LockedDeposit int64
	// SettlementSeq counts committed settlements and seeds idempotency keys.
	SettlementSeq int64
	Rated         bool

	Dispute       *dispute.Dispute
	DisputeRounds int
	Extension     deadline.ExtensionRound
	Cancellation  CancellationRound

	// Closed marks a task whose escrow was returned in full. It takes no
	// further funding or withdrawals.
	Closed bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so a rejected transition never leaks into the
// loaded row.
func (t Task) Clone() Task {
	cp := t
	if t.Dispute != nil {
		d := *t.Dispute
		d.Voters = slices.Clone(t.Dispute.Voters)
		cp.Dispute = &d
	}
	cp.Extension.Voters = slices.Clone(t.Extension.Voters)
	cp.Cancellation.Voters = slices.Clone(t.Cancellation.Voters)
	if t.Cancellation.ProposedAt != nil {
		at := *t.Cancellation.ProposedAt
		cp.Cancellation.ProposedAt = &at
	}
	return cp
}

// Reward is the value of the current claim.
func (t Task) Reward() int64 {
	return t.UnitaryPrice * t.Quantity
}

// Summary is the read model returned by get_task_summary.
type Summary struct {
	Status       Status
	Quantity     int64
	UnitaryPrice int64
	Claimer      string
}

func (t Task) Summary() Summary {
	return Summary{Status: t.Status, Quantity: t.Quantity, UnitaryPrice: t.UnitaryPrice, Claimer: t.Claimer}
}

// CreateParams carries the inputs of create_task.
type CreateParams struct {
	Authority          string
	AssetID            string
	UnitaryPrice       int64
	Deadline           time.Time
	Inventory          int64
	ExtensionThreshold int
}

// Filters narrow task listings.
type Filters struct {
	Authority string
	Claimer   string
	Status    Status
	Page      int
	PageSize  int
}

// Event is an immutable timeline entry written with a transition.
type Event struct {
	TaskID  string
	Type    string
	ActorID string
	Payload map[string]any
}

// Timeline event types.
const (
	EventCreated           = "TASK_CREATED"
	EventFunded            = "TASK_FUNDED"
	EventClaimed           = "TASK_CLAIMED"
	EventSubmitted         = "TASK_SUBMITTED"
	EventApproved          = "TASK_APPROVED"
	EventDisputed          = "TASK_DISPUTED"
	EventVoteCast          = "DISPUTE_VOTE_CAST"
	EventDisputeResolved   = "DISPUTE_RESOLVED"
	EventExpired           = "TASK_EXPIRED"
	EventReopened          = "TASK_REOPENED"
	EventReassigned        = "TASK_REASSIGNED"
	EventCancelled         = "TASK_CANCELLED"
	EventCancelProposed    = "CANCELLATION_PROPOSED"
	EventCancelVoteCast    = "CANCELLATION_VOTE_CAST"
	EventClosed            = "TASK_CLOSED"
	EventPenalized         = "CLAIMER_PENALIZED"
	EventAssetsWithdrawn   = "ASSETS_WITHDRAWN"
	EventPriceChanged      = "PRICE_CHANGED"
	EventDeadlineChanged   = "DEADLINE_CHANGED"
	EventExtensionVoteCast = "EXTENSION_VOTE_CAST"
	EventClaimerRated      = "CLAIMER_RATED"
	EventFeedbackLeft      = "FEEDBACK_LEFT"
)

// Operation names, used in rejections, outbox topics and metrics.
const (
	OpCreate        = "create_task"
	OpFund          = "fund"
	OpClaim         = "claim"
	OpSubmit        = "submit"
	OpApprove       = "approve"
	OpDispute       = "dispute"
	OpVote          = "vote"
	OpFinalizeVote  = "finalize_vote"
	OpForceResolve  = "force_resolve"
	OpExpire        = "expire"
	OpAutoReopen    = "auto_reopen"
	OpReassign      = "reassign"
	OpCancel        = "cancel"
	OpProposeCancel = "propose_cancellation"
	OpVoteCancel    = "vote_cancellation"
	OpClose         = "close"
	OpPenalize      = "penalize_claimer"
	OpWithdraw      = "withdraw_assets"
	OpSetPrice      = "set_price"
	OpSetDeadline   = "set_deadline"
	OpVoteExtend    = "vote_extend_deadline"
	OpRateClaimer   = "rate_claimer"
	OpLeaveFeedback = "leave_feedback"
)

// OutboxTopic returns the topic a committed operation publishes on.
func OutboxTopic(op string) string {
	return "task." + op
}
