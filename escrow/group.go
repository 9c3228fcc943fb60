package escrow

import (
	"bountyflow/rejection"
)

// PaymentTxn is a payment submitted in the same group as a call.
type PaymentTxn struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Amount   int64  `json:"amount"`
}

// Group gives read-only access to the sibling payments of a call.
type Group interface {
	Payment(index int) (PaymentTxn, bool)
}

// StaticGroup is a Group backed by a slice.
type StaticGroup []PaymentTxn

func (g StaticGroup) Payment(index int) (PaymentTxn, bool) {
	if index < 0 || index >= len(g) {
		return PaymentTxn{}, false
	}
	return g[index], true
}

// CompanionIndex is the position of the payment accompanying a claim.
const CompanionIndex = 0

// VerifyCompanion checks that the group carries a payment from caller into the
// task's escrow account for exactly want units. A nil group or a missing
// payment yields ok=false with no error; callers decide whether one is required.
func VerifyCompanion(group Group, caller, taskID string, want int64) (PaymentTxn, bool, error) {
	if group == nil {
		return PaymentTxn{}, false, nil
	}
	p, ok := group.Payment(CompanionIndex)
	if !ok {
		return PaymentTxn{}, false, nil
	}
	if p.Sender != caller {
		return PaymentTxn{}, false, rejection.New(rejection.PaymentRejected, "", "companion payment sent by %s, caller is %s", p.Sender, caller)
	}
	if p.Receiver != AccountFor(taskID) {
		return PaymentTxn{}, false, rejection.New(rejection.PaymentRejected, "", "companion payment receiver %s is not the task escrow", p.Receiver)
	}
	if p.Amount != want {
		return PaymentTxn{}, false, rejection.New(rejection.PaymentRejected, "", "companion payment of %d, expected %d", p.Amount, want)
	}
	return p, true, nil
}
