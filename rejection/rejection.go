// Package rejection defines the error kinds returned when an operation on a
// bounty is refused. A rejection is final for the call that produced it: no
// state was written and nothing moved.
package rejection

import (
	"errors"
	"fmt"
)

// Kind names the guard that refused an operation.
type Kind string

const (
	InvalidTransition           Kind = "invalid_transition"
	Unauthorized                Kind = "unauthorized"
	InvalidProof                Kind = "invalid_proof"
	DuplicateVote               Kind = "duplicate_vote"
	DeadlineNotReached          Kind = "deadline_not_reached"
	DeadlineAlreadyPassed       Kind = "deadline_already_passed"
	TransferRejected            Kind = "transfer_rejected"
	PaymentRejected             Kind = "payment_rejected"
	InsufficientQuorumOrTimeout Kind = "insufficient_quorum_or_timeout"
	InvalidArgument             Kind = "invalid_argument"
	InsufficientEscrow          Kind = "insufficient_escrow"
	NotFound                    Kind = "not_found"
)

// Sentinels usable with errors.Is.
var (
	ErrInvalidTransition           = &Error{Kind: InvalidTransition}
	ErrUnauthorized                = &Error{Kind: Unauthorized}
	ErrInvalidProof                = &Error{Kind: InvalidProof}
	ErrDuplicateVote               = &Error{Kind: DuplicateVote}
	ErrDeadlineNotReached          = &Error{Kind: DeadlineNotReached}
	ErrDeadlineAlreadyPassed       = &Error{Kind: DeadlineAlreadyPassed}
	ErrTransferRejected            = &Error{Kind: TransferRejected}
	ErrPaymentRejected             = &Error{Kind: PaymentRejected}
	ErrInsufficientQuorumOrTimeout = &Error{Kind: InsufficientQuorumOrTimeout}
	ErrInvalidArgument             = &Error{Kind: InvalidArgument}
	ErrInsufficientEscrow          = &Error{Kind: InsufficientEscrow}
	ErrNotFound                    = &Error{Kind: NotFound}
)

// Error is a refused operation. Op is the operation name ("claim",
// "finalize_vote", ...) and Msg the violated condition.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any rejection of the same kind, so callers compare against the
// package sentinels regardless of Op and Msg.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// New builds a rejection for op with a formatted condition.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds a rejection carrying the underlying cause, typically an error
// reported by an external ledger primitive.
func Wrap(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first rejection in err's chain, or "" when
// err is not a rejection.
func KindOf(err error) Kind {
	var rej *Error
	if errors.As(err, &rej) {
		return rej.Kind
	}
	return ""
}

// WithOp returns err with Op set when err is a rejection that has none yet.
// Engines below the task service leave Op empty and the service names it.
func WithOp(err error, op string) error {
	var rej *Error
	if !errors.As(err, &rej) || rej.Op != "" {
		return err
	}
	cp := *rej
	cp.Op = op
	return &cp
}
