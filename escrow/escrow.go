// Package escrow moves value held against a task: asset transfers to the
// claimer, payments to the authority, and the accounting that keeps every
// request within what the task's escrow actually holds.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotOptedIn signals the receiver cannot hold the asset.
	ErrNotOptedIn = errors.New("escrow: receiver not opted in")
	// ErrInsufficientBalance signals the sender does not hold the amount.
	ErrInsufficientBalance = errors.New("escrow: insufficient balance")
	// ErrInvalidAmount signals a negative or zero instruction amount.
	ErrInvalidAmount = errors.New("escrow: invalid amount")
)

// EscrowAccountPrefix prefixes the ledger account that holds a task's escrow.
const EscrowAccountPrefix = "escrow:"

// AccountFor returns the escrow account of a task.
func AccountFor(taskID string) string {
	return EscrowAccountPrefix + taskID
}

func IsEscrowAccount(account string) bool {
	return strings.HasPrefix(account, EscrowAccountPrefix)
}

// AssetTransfer moves Amount units of AssetID. Key identifies the instruction
// so a ledger can drop replays.
type AssetTransfer struct {
	Key     string
	AssetID string
	From    string
	To      string
	Amount  int64
}

// Payment moves Amount units of the native currency.
type Payment struct {
	Key    string
	From   string
	To     string
	Amount int64
}

// Ledger is the external network holding balances. Implementations must treat
// a repeated Key as already applied. Void undoes the instruction applied under
// key, after which the key may be applied again; voiding an unknown key is a
// no-op.
type Ledger interface {
	TransferAsset(ctx context.Context, t AssetTransfer) error
	Pay(ctx context.Context, p Payment) error
	Void(ctx context.Context, key string) error
}

// Instruction is one ledger call of a batch. Exactly one of Transfer and
// Payment is set.
type Instruction struct {
	Transfer *AssetTransfer
	Payment  *Payment
}

func (i Instruction) Key() string {
	if i.Transfer != nil {
		return i.Transfer.Key
	}
	if i.Payment != nil {
		return i.Payment.Key
	}
	return ""
}

// Checker is implemented by ledgers that can validate a whole batch against
// current balances and opt-ins without applying any of it.
type Checker interface {
	Check(ctx context.Context, batch []Instruction) error
}

// CheckError names the instruction of a batch that would fail.
type CheckError struct {
	Index int
	Key   string
	Err   error
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("escrow: instruction %d (%s): %v", e.Index, e.Key, e.Err)
}

func (e *CheckError) Unwrap() error {
	return e.Err
}

// OptInner is implemented by ledgers that require an account to register for
// an asset before it can receive it.
type OptInner interface {
	OptIn(ctx context.Context, account, assetID string) error
}

// Holdings are the units currently held by a task's escrow account.
type Holdings struct {
	Assets   int64 `json:"assets"`
	Payments int64 `json:"payments"`
}

// Key builds the idempotency key of one settlement leg. The amount is part of
// the key so a retry that moves a different amount is never taken for a replay.
func Key(taskID string, seq int64, leg string, amount int64) string {
	return fmt.Sprintf("%s/%d/%s/%d", taskID, seq, leg, amount)
}
