package task

import (
	"math"
	"time"

	"bountyflow/deadline"
	"bountyflow/dispute"
	"bountyflow/escrow"
	"bountyflow/proof"
	"bountyflow/rejection"
	"bountyflow/reputation"
)

// ReputationEffect names the reputation change a transition causes.
type ReputationEffect int

const (
	RepNone ReputationEffect = iota
	RepClaim
	RepComplete
	RepBreak
	RepRate
	RepFeedback
)

// Effects is what a transition asks the service to do besides writing the
// task row: the timeline event, the settlement legs and the reputation change.
type Effects struct {
	Event   string
	Payload map[string]any
	Legs    []escrow.Leg

	Reputation ReputationEffect
	// Subject is the identity whose reputation changes.
	Subject  string
	Stars    int
	Feedback *reputation.Feedback

	Outcome dispute.Outcome
}

// Policy holds the tunable rules of the lifecycle.
type Policy struct {
	Dispute            dispute.Policy
	ExtensionInterval  time.Duration
	ExtensionThreshold int
	// CancellationThreshold is the number of votes that cancels an open task.
	CancellationThreshold int
	// RequireDeposit makes a companion payment mandatory on claim.
	RequireDeposit bool
	Reputation     reputation.Policy
}

func DefaultPolicy() Policy {
	return Policy{
		Dispute: dispute.Policy{
			ForceResolveAfter: dispute.DefaultForceResolveAfter,
			Callers:           dispute.PolicyAnyone,
		},
		ExtensionInterval:     deadline.DefaultExtensionInterval,
		ExtensionThreshold:    deadline.DefaultExtensionThreshold,
		CancellationThreshold: DefaultCancellationThreshold,
		Reputation:            reputation.DefaultPolicy(),
	}
}

// Machine evaluates transitions on an in-memory task. It never performs I/O;
// a transition either mutates the task and returns its effects or returns a
// rejection and leaves the caller to discard the task.
type Machine struct {
	policy    Policy
	validator proof.Validator
}

func NewMachine(policy Policy, validator proof.Validator) *Machine {
	if validator == nil {
		validator = proof.NewValidator(proof.DefaultRules())
	}
	return &Machine{policy: policy, validator: validator}
}

func (m *Machine) Policy() Policy {
	return m.policy
}

// NewTask validates create_task inputs and builds the open task.
func (m *Machine) NewTask(id string, params CreateParams, now time.Time) (Task, Effects, error) {
	if params.Authority == "" {
		return Task{}, Effects{}, rejection.New(rejection.Unauthorized, "", "caller identity is required")
	}
	if params.AssetID == "" {
		return Task{}, Effects{}, rejection.New(rejection.InvalidArgument, "", "asset id is required")
	}
	if params.UnitaryPrice <= 0 {
		return Task{}, Effects{}, rejection.New(rejection.InvalidArgument, "", "unitary price must be positive, got %d", params.UnitaryPrice)
	}
	if !params.Deadline.After(now) {
		return Task{}, Effects{}, rejection.New(rejection.InvalidArgument, "", "deadline %s is not in the future", params.Deadline.UTC().Format(time.RFC3339))
	}
	if params.Inventory < 0 {
		return Task{}, Effects{}, rejection.New(rejection.InvalidArgument, "", "inventory must not be negative")
	}
	threshold := params.ExtensionThreshold
	if threshold <= 0 {
		threshold = m.policy.ExtensionThreshold
	}

	t := Task{
		ID:           id,
		Authority:    params.Authority,
		AssetID:      params.AssetID,
		UnitaryPrice: params.UnitaryPrice,
		Status:       StatusOpen,
		Deadline:     params.Deadline.UTC(),
		Extension:    deadline.NewExtensionRound(threshold),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	eff := Effects{
		Event: EventCreated,
		Payload: map[string]any{
			"asset_id":      t.AssetID,
			"unitary_price": t.UnitaryPrice,
			"deadline":      t.Deadline,
			"inventory":     params.Inventory,
		},
	}
	if params.Inventory > 0 {
		eff.Legs = []escrow.Leg{{Name: escrow.LegFund, Kind: escrow.LegAsset, From: t.Authority, Amount: params.Inventory}}
	}
	return t, eff, nil
}

func (m *Machine) Fund(t *Task, caller string, amount int64) (Effects, error) {
	if t.Status.Terminal() || t.Closed {
		return Effects{}, invalid(t, "cannot fund a finished task")
	}
	if err := requireAuthority(t, caller); err != nil {
		return Effects{}, err
	}
	if amount <= 0 {
		return Effects{}, rejection.New(rejection.InvalidArgument, "", "fund amount must be positive, got %d", amount)
	}
	return Effects{
		Event:   EventFunded,
		Payload: map[string]any{"amount": amount},
		Legs:    []escrow.Leg{{Name: escrow.LegFund, Kind: escrow.LegAsset, From: t.Authority, Amount: amount}},
	}, nil
}

// Claim takes the task for caller. A companion payment in group of exactly
// unitary_price x quantity is locked as the claim deposit.
func (m *Machine) Claim(t *Task, caller string, now time.Time, quantity int64, group escrow.Group) (Effects, error) {
	if err := requireStatus(t, StatusOpen); err != nil {
		return Effects{}, err
	}
	if caller == "" {
		return Effects{}, rejection.New(rejection.Unauthorized, "", "caller identity is required")
	}
	if err := deadline.RequireOpen(now, t.Deadline); err != nil {
		return Effects{}, err
	}
	if quantity <= 0 {
		return Effects{}, rejection.New(rejection.InvalidArgument, "", "quantity must be positive, got %d", quantity)
	}
	if quantity > t.Escrow.Assets {
		return Effects{}, rejection.New(rejection.InsufficientEscrow, "", "requested %d units, escrow holds %d", quantity, t.Escrow.Assets)
	}
	if quantity > math.MaxInt64/t.UnitaryPrice {
		return Effects{}, rejection.New(rejection.InvalidArgument, "", "quantity %d overflows the reward", quantity)
	}

	want := t.UnitaryPrice * quantity
	pay, ok, err := escrow.VerifyCompanion(group, caller, t.ID, want)
	if err != nil {
		return Effects{}, err
	}
	if !ok && m.policy.RequireDeposit {
		return Effects{}, rejection.New(rejection.PaymentRejected, "", "claim requires a companion payment of %d", want)
	}

	eff := Effects{
		Event:      EventClaimed,
		Payload:    map[string]any{"quantity": quantity, "deposit": int64(0)},
		Reputation: RepClaim,
		Subject:    caller,
	}
	if t.Cancellation.Proposed() {
		eff.Payload["cancellation_dropped"] = len(t.Cancellation.Voters)
		t.Cancellation = CancellationRound{}
	}
	if ok {
		eff.Legs = []escrow.Leg{{Name: escrow.LegDeposit, Kind: escrow.LegPayment, From: caller, Amount: pay.Amount}}
		eff.Payload["deposit"] = pay.Amount
		t.LockedDeposit = pay.Amount
	}
	t.Status = StatusClaimed
	t.Claimer = caller
	t.Quantity = quantity
	t.Proof = ""
	return eff, nil
}

func (m *Machine) Submit(t *Task, caller string, now time.Time, ref string) (Effects, error) {
	if err := requireStatus(t, StatusClaimed); err != nil {
		return Effects{}, err
	}
	if caller != t.Claimer {
		return Effects{}, rejection.New(rejection.Unauthorized, "", "caller %s is not the claimer", caller)
	}
	if err := deadline.RequireOpen(now, t.Deadline); err != nil {
		return Effects{}, err
	}
	parsed, err := m.validator.Validate(ref)
	if err != nil {
		return Effects{}, rejection.Wrap(rejection.InvalidProof, "", err, "proof %q rejected", ref)
	}
	t.Status = StatusSubmitted
	t.Proof = parsed.Raw
	return Effects{
		Event:   EventSubmitted,
		Payload: map[string]any{"proof": parsed.Raw, "scheme": parsed.Scheme},
	}, nil
}

func (m *Machine) Approve(t *Task, caller string) (Effects, error) {
	if err := requireStatus(t, StatusSubmitted); err != nil {
		return Effects{}, err
	}
	if err := requireAuthority(t, caller); err != nil {
		return Effects{}, err
	}
	eff := complete(t)
	eff.Event = EventApproved
	return eff, nil
}

// OpenDispute moves a submitted task into a vote.
func (m *Machine) OpenDispute(t *Task, caller string, now time.Time) (Effects, error) {
	if err := requireStatus(t, StatusSubmitted); err != nil {
		return Effects{}, err
	}
	if !m.policy.Dispute.Callers.Allows(caller, t.Authority, t.Claimer) {
		return Effects{}, rejection.New(rejection.Unauthorized, "", "caller %s may not dispute this task", caller)
	}
	t.DisputeRounds++
	d := dispute.Open(now, t.DisputeRounds)
	t.Dispute = &d
	t.Status = StatusDisputed
	return Effects{
		Event:   EventDisputed,
		Payload: map[string]any{"round": d.Round, "opened_at": now},
	}, nil
}

func (m *Machine) Vote(t *Task, caller string, support bool) (Effects, error) {
	d, err := activeDispute(t)
	if err != nil {
		return Effects{}, err
	}
	if err := d.Vote(caller, support); err != nil {
		return Effects{}, err
	}
	return Effects{
		Event:   EventVoteCast,
		Payload: map[string]any{"support": support, "votes_yes": d.VotesYes, "votes_no": d.VotesNo, "round": d.Round},
	}, nil
}

func (m *Machine) FinalizeVote(t *Task, caller string) (Effects, error) {
	d, err := activeDispute(t)
	if err != nil {
		return Effects{}, err
	}
	if err := requireAuthority(t, caller); err != nil {
		return Effects{}, err
	}
	outcome, err := d.Finalize(m.policy.Dispute)
	if err != nil {
		return Effects{}, err
	}
	return resolve(t, *d, outcome, false), nil
}

// ForceResolve closes a stalled vote. Anyone may call it after the timeout.
func (m *Machine) ForceResolve(t *Task, now time.Time) (Effects, error) {
	d, err := activeDispute(t)
	if err != nil {
		return Effects{}, err
	}
	outcome, err := d.ForceResolve(now, m.policy.Dispute)
	if err != nil {
		return Effects{}, err
	}
	return resolve(t, *d, outcome, true), nil
}

// Expire returns a task past its deadline to open. From open it only records
// the check.
func (m *Machine) Expire(t *Task, now time.Time) (Effects, error) {
	if err := requireStatus(t, StatusOpen, StatusClaimed, StatusSubmitted); err != nil {
		return Effects{}, err
	}
	if err := deadline.RequireReached(now, t.Deadline); err != nil {
		return Effects{}, err
	}
	if t.Status == StatusOpen {
		return Effects{Event: EventExpired, Payload: map[string]any{"previous_status": StatusOpen}}, nil
	}
	eff := reopen(t)
	eff.Event = EventExpired
	return eff, nil
}

func (m *Machine) AutoReopen(t *Task, now time.Time) (Effects, error) {
	if err := requireStatus(t, StatusClaimed, StatusSubmitted); err != nil {
		return Effects{}, err
	}
	if err := deadline.RequireReached(now, t.Deadline); err != nil {
		return Effects{}, err
	}
	eff := reopen(t)
	eff.Event = EventReopened
	return eff, nil
}

// Reassign frees an expired claim that locked no deposit.
func (m *Machine) Reassign(t *Task, now time.Time) (Effects, error) {
	if err := requireStatus(t, StatusClaimed); err != nil {
		return Effects{}, err
	}
	if err := deadline.RequireReached(now, t.Deadline); err != nil {
		return Effects{}, err
	}
	if t.LockedDeposit > 0 {
		return Effects{}, invalid(t, "claim holds a deposit of %d; use auto_reopen", t.LockedDeposit)
	}
	eff := reopen(t)
	eff.Event = EventReassigned
	return eff, nil
}

func (m *Machine) Cancel(t *Task, caller string) (Effects, error) {
	if err := requireStatus(t, StatusOpen); err != nil {
		return Effects{}, err
	}
	if err := requireAuthority(t, caller); err != nil {
		return Effects{}, err
	}
	t.Status = StatusCancelled
	return Effects{Event: EventCancelled, Payload: map[string]any{"escrow_assets": t.Escrow.Assets}}, nil
}

// ProposeCancellation opens a cancellation vote on an open task and counts the
// proposer's vote.
func (m *Machine) ProposeCancellation(t *Task, caller string, now time.Time) (Effects, error) {
	if err := requireStatus(t, StatusOpen); err != nil {
		return Effects{}, err
	}
	if caller == "" {
		return Effects{}, rejection.New(rejection.Unauthorized, "", "caller identity is required")
	}
	if t.Cancellation.Proposed() {
		return Effects{}, invalid(t, "cancellation already proposed by %s", t.Cancellation.ProposedBy)
	}
	threshold := m.policy.CancellationThreshold
	if threshold <= 0 {
		threshold = DefaultCancellationThreshold
	}
	at := now
	t.Cancellation = CancellationRound{ProposedBy: caller, ProposedAt: &at, Voters: []string{caller}, Threshold: threshold}
	eff := Effects{
		Event:   EventCancelProposed,
		Payload: map[string]any{"threshold": threshold, "votes": 1},
	}
	return tallyCancellation(t, eff), nil
}

func (m *Machine) VoteCancellation(t *Task, caller string) (Effects, error) {
	if err := requireStatus(t, StatusOpen); err != nil {
		return Effects{}, err
	}
	if !t.Cancellation.Proposed() {
		return Effects{}, invalid(t, "no cancellation proposed")
	}
	if err := t.Cancellation.vote(caller); err != nil {
		return Effects{}, err
	}
	eff := Effects{
		Event:   EventCancelVoteCast,
		Payload: map[string]any{"threshold": t.Cancellation.Threshold, "votes": len(t.Cancellation.Voters)},
	}
	return tallyCancellation(t, eff), nil
}

func tallyCancellation(t *Task, eff Effects) Effects {
	if !t.Cancellation.Reached() {
		return eff
	}
	t.Status = StatusCancelled
	eff.Event = EventCancelled
	eff.Payload["reason"] = "vote"
	eff.Payload["escrow_assets"] = t.Escrow.Assets
	return eff
}

// Close retires a task that holds no live claim. Every unit and payment left
// in escrow goes back to the authority, and an open task becomes cancelled.
func (m *Machine) Close(t *Task, caller string) (Effects, error) {
	if err := requireStatus(t, StatusOpen, StatusCompleted, StatusCancelled); err != nil {
		return Effects{}, err
	}
	if err := requireAuthority(t, caller); err != nil {
		return Effects{}, err
	}
	if t.Closed {
		return Effects{}, invalid(t, "task is already closed")
	}
	eff := Effects{
		Event:   EventClosed,
		Payload: map[string]any{"assets": t.Escrow.Assets, "payments": t.Escrow.Payments, "previous_status": t.Status},
		Legs: []escrow.Leg{
			{Name: escrow.LegCloseAssets, Kind: escrow.LegAsset, To: t.Authority, Amount: t.Escrow.Assets},
			{Name: escrow.LegClosePayments, Kind: escrow.LegPayment, To: t.Authority, Amount: t.Escrow.Payments},
		},
	}
	if t.Status == StatusOpen {
		t.Status = StatusCancelled
	}
	t.Closed = true
	return eff, nil
}

// Penalize keeps amount of the claimer's deposit for the authority, returns
// the rest and reopens the task.
func (m *Machine) Penalize(t *Task, caller string, amount int64) (Effects, error) {
	if err := requireStatus(t, StatusSubmitted, StatusDisputed); err != nil {
		return Effects{}, err
	}
	if err := requireAuthority(t, caller); err != nil {
		return Effects{}, err
	}
	if amount < 0 {
		return Effects{}, rejection.New(rejection.InvalidArgument, "", "penalty must not be negative")
	}
	if amount > t.LockedDeposit {
		return Effects{}, rejection.New(rejection.PaymentRejected, "", "penalty %d exceeds locked deposit %d", amount, t.LockedDeposit)
	}
	claimer := t.Claimer
	legs := []escrow.Leg{
		{Name: escrow.LegPenalty, Kind: escrow.LegPayment, To: t.Authority, Amount: amount},
		{Name: escrow.LegDepositReturn, Kind: escrow.LegPayment, To: claimer, Amount: t.LockedDeposit - amount},
	}
	clearClaim(t)
	return Effects{
		Event:      EventPenalized,
		Payload:    map[string]any{"amount": amount, "claimer": claimer},
		Legs:       legs,
		Reputation: RepBreak,
		Subject:    claimer,
	}, nil
}

// Withdraw returns unlocked inventory to the authority.
func (m *Machine) Withdraw(t *Task, caller string, amount int64) (Effects, error) {
	if err := requireAuthority(t, caller); err != nil {
		return Effects{}, err
	}
	if t.Closed {
		return Effects{}, invalid(t, "task is closed")
	}
	if amount <= 0 {
		return Effects{}, rejection.New(rejection.InvalidArgument, "", "withdraw amount must be positive, got %d", amount)
	}
	var locked int64
	if t.Status.Locked() {
		locked = t.Quantity
	}
	if available := t.Escrow.Assets - locked; amount > available {
		return Effects{}, rejection.New(rejection.InsufficientEscrow, "", "withdraw of %d exceeds %d unlocked units (%d locked)", amount, available, locked)
	}
	return Effects{
		Event:   EventAssetsWithdrawn,
		Payload: map[string]any{"amount": amount},
		Legs:    []escrow.Leg{{Name: escrow.LegWithdraw, Kind: escrow.LegAsset, To: t.Authority, Amount: amount}},
	}, nil
}

func (m *Machine) SetPrice(t *Task, caller string, price int64) (Effects, error) {
	if err := requireStatus(t, StatusOpen); err != nil {
		return Effects{}, err
	}
	if err := requireAuthority(t, caller); err != nil {
		return Effects{}, err
	}
	if price <= 0 {
		return Effects{}, rejection.New(rejection.InvalidArgument, "", "unitary price must be positive, got %d", price)
	}
	previous := t.UnitaryPrice
	t.UnitaryPrice = price
	return Effects{Event: EventPriceChanged, Payload: map[string]any{"previous": previous, "next": price}}, nil
}

// SetDeadline moves the deadline forward. It never shortens it.
func (m *Machine) SetDeadline(t *Task, caller string, next time.Time) (Effects, error) {
	if t.Status.Terminal() {
		return Effects{}, invalid(t, "deadline of a %s task cannot change", t.Status)
	}
	if err := requireAuthority(t, caller); err != nil {
		return Effects{}, err
	}
	if err := deadline.CheckMove(t.Deadline, next); err != nil {
		return Effects{}, err
	}
	previous := t.Deadline
	t.Deadline = next.UTC()
	return Effects{Event: EventDeadlineChanged, Payload: map[string]any{"previous": previous, "next": t.Deadline, "reason": "authority"}}, nil
}

func (m *Machine) VoteExtend(t *Task, caller string, now time.Time) (Effects, error) {
	if err := requireStatus(t, StatusOpen, StatusClaimed, StatusSubmitted); err != nil {
		return Effects{}, err
	}
	previous := t.Deadline
	round := t.Extension.Round
	next, extended, err := t.Extension.Vote(caller, now, t.Deadline, m.policy.ExtensionInterval)
	if err != nil {
		return Effects{}, err
	}
	t.Deadline = next
	eff := Effects{
		Event:   EventExtensionVoteCast,
		Payload: map[string]any{"round": round, "votes": len(t.Extension.Voters), "extended": extended},
	}
	if extended {
		eff.Event = EventDeadlineChanged
		eff.Payload["previous"] = previous
		eff.Payload["next"] = next
		eff.Payload["reason"] = "extension_vote"
	}
	return eff, nil
}

func (m *Machine) Rate(t *Task, caller string, stars int) (Effects, error) {
	if err := requireStatus(t, StatusCompleted); err != nil {
		return Effects{}, err
	}
	if err := requireAuthority(t, caller); err != nil {
		return Effects{}, err
	}
	if t.Rated {
		return Effects{}, invalid(t, "claimer already rated")
	}
	if stars < 1 || stars > 5 {
		return Effects{}, rejection.New(rejection.InvalidArgument, "", "rating must be between 1 and 5, got %d", stars)
	}
	t.Rated = true
	return Effects{
		Event:      EventClaimerRated,
		Payload:    map[string]any{"stars": stars, "claimer": t.Claimer},
		Reputation: RepRate,
		Subject:    t.Claimer,
		Stars:      stars,
	}, nil
}

// LeaveFeedback lets either party of a completed task comment on the other.
func (m *Machine) LeaveFeedback(t *Task, caller, body string) (Effects, error) {
	if err := requireStatus(t, StatusCompleted); err != nil {
		return Effects{}, err
	}
	var subject string
	switch caller {
	case t.Authority:
		subject = t.Claimer
	case t.Claimer:
		subject = t.Authority
	default:
		return Effects{}, rejection.New(rejection.Unauthorized, "", "caller %s took no part in the task", caller)
	}
	text, err := reputation.ValidateFeedback(body)
	if err != nil {
		return Effects{}, err
	}
	return Effects{
		Event:      EventFeedbackLeft,
		Payload:    map[string]any{"subject": subject},
		Reputation: RepFeedback,
		Subject:    subject,
		Feedback:   &reputation.Feedback{TaskID: t.ID, Author: caller, Subject: subject, Body: text},
	}, nil
}

// complete settles the reward to the claimer and releases the deposit to the
// authority as proceeds.
func complete(t *Task) Effects {
	legs := []escrow.Leg{
		{Name: escrow.LegReward, Kind: escrow.LegAsset, To: t.Claimer, Amount: t.Quantity},
		{Name: escrow.LegProceeds, Kind: escrow.LegPayment, To: t.Authority, Amount: t.LockedDeposit},
	}
	eff := Effects{
		Payload:    map[string]any{"quantity": t.Quantity, "claimer": t.Claimer},
		Legs:       legs,
		Reputation: RepComplete,
		Subject:    t.Claimer,
	}
	t.Status = StatusCompleted
	t.LockedDeposit = 0
	t.Dispute = nil
	return eff
}

// reopen clears the claim and refunds the locked deposit to the authority.
func reopen(t *Task) Effects {
	claimer := t.Claimer
	eff := Effects{
		Payload: map[string]any{"previous_status": t.Status, "claimer": claimer, "refund": t.LockedDeposit},
		Legs: []escrow.Leg{
			{Name: escrow.LegRefund, Kind: escrow.LegPayment, To: t.Authority, Amount: t.LockedDeposit},
		},
		Reputation: RepBreak,
		Subject:    claimer,
	}
	clearClaim(t)
	return eff
}

func resolve(t *Task, d dispute.Dispute, outcome dispute.Outcome, forced bool) Effects {
	var eff Effects
	if outcome == dispute.OutcomeAccepted {
		eff = complete(t)
	} else {
		eff = reopen(t)
	}
	eff.Event = EventDisputeResolved
	eff.Outcome = outcome
	eff.Payload["outcome"] = outcome
	eff.Payload["votes_yes"] = d.VotesYes
	eff.Payload["votes_no"] = d.VotesNo
	eff.Payload["round"] = d.Round
	eff.Payload["forced"] = forced
	return eff
}

func clearClaim(t *Task) {
	t.Status = StatusOpen
	t.Claimer = ""
	t.Quantity = 0
	t.Proof = ""
	t.LockedDeposit = 0
	t.Dispute = nil
}

func activeDispute(t *Task) (*dispute.Dispute, error) {
	if err := requireStatus(t, StatusDisputed); err != nil {
		return nil, err
	}
	if t.Dispute == nil || !t.Dispute.Active {
		return nil, invalid(t, "no active dispute")
	}
	return t.Dispute, nil
}

func requireStatus(t *Task, allowed ...Status) error {
	for _, s := range allowed {
		if t.Status == s {
			return nil
		}
	}
	return invalid(t, "expected %v", allowed)
}

func requireAuthority(t *Task, caller string) error {
	if caller == "" || caller != t.Authority {
		return rejection.New(rejection.Unauthorized, "", "caller %q is not the task authority", caller)
	}
	return nil
}

func invalid(t *Task, format string, args ...any) error {
	err := rejection.New(rejection.InvalidTransition, "", format, args...)
	err.Msg = "task " + t.ID + " is " + string(t.Status) + ": " + err.Msg
	return err
}
