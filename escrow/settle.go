package escrow

import (
	"context"
	"errors"
	"fmt"

	"bountyflow/rejection"
)

// LegKind distinguishes asset transfers from native payments.
type LegKind string

const (
	LegAsset   LegKind = "asset"
	LegPayment LegKind = "payment"
)

// Leg names. They end up in idempotency keys and the settlements table.
const (
	LegReward        = "reward"
	LegProceeds      = "proceeds"
	LegRefund        = "refund"
	LegPenalty       = "penalty"
	LegDepositReturn = "deposit_return"
	LegWithdraw      = "withdraw"
	LegFund          = "fund"
	LegDeposit       = "deposit"
	LegStreakBonus   = "streak_bonus"
	LegCloseAssets   = "close_assets"
	LegClosePayments = "close_payments"
)

// Leg is one value movement of a settlement. An empty From or To stands for
// the task's escrow account.
type Leg struct {
	Name   string
	Kind   LegKind
	From   string
	To     string
	Amount int64
}

// Record is an applied leg, as persisted with the transition that caused it.
type Record struct {
	Key     string  `json:"key"`
	Leg     string  `json:"leg"`
	Kind    LegKind `json:"kind"`
	AssetID string  `json:"asset_id,omitempty"`
	From    string  `json:"from"`
	To      string  `json:"to"`
	Amount  int64   `json:"amount"`
}

// Batch is the set of legs produced by one transition.
type Batch struct {
	TaskID  string
	AssetID string
	// Seq is the task's settlement sequence before this batch commits.
	Seq  int64
	Legs []Leg
}

// Settler applies batches against a Ledger.
type Settler struct {
	ledger Ledger
}

func NewSettler(ledger Ledger) *Settler {
	return &Settler{ledger: ledger}
}

// Ledger exposes the underlying ledger.
func (s *Settler) Ledger() Ledger {
	return s.ledger
}

// Apply checks every outgoing leg against the escrow holdings and, when the
// ledger is a Checker, the whole batch against the ledger. It then issues the
// instructions in order. If one fails, the legs already issued are reversed
// before the error is returned, so a batch moves all of its value or none.
func (s *Settler) Apply(ctx context.Context, b Batch, h Holdings) (Holdings, []Record, error) {
	escrowAcct := AccountFor(b.TaskID)

	var outAssets, outPayments int64
	for _, leg := range b.Legs {
		if leg.Amount < 0 {
			return h, nil, rejection.New(rejection.InvalidArgument, "", "leg %s has negative amount %d", leg.Name, leg.Amount)
		}
		if from(leg, escrowAcct) != escrowAcct {
			continue
		}
		switch leg.Kind {
		case LegAsset:
			outAssets += leg.Amount
		case LegPayment:
			outPayments += leg.Amount
		}
	}
	if outAssets > h.Assets {
		return h, nil, rejection.New(rejection.TransferRejected, "", "escrow holds %d units, settlement needs %d", h.Assets, outAssets)
	}
	if outPayments > h.Payments {
		return h, nil, rejection.New(rejection.PaymentRejected, "", "escrow holds %d in payments, settlement needs %d", h.Payments, outPayments)
	}

	records := make([]Record, 0, len(b.Legs))
	for _, leg := range b.Legs {
		if leg.Amount == 0 {
			continue
		}
		if leg.Kind != LegAsset && leg.Kind != LegPayment {
			return h, nil, rejection.New(rejection.InvalidArgument, "", "leg %s has unknown kind %q", leg.Name, leg.Kind)
		}
		rec := Record{
			Key:    Key(b.TaskID, b.Seq, leg.Name, leg.Amount),
			Leg:    leg.Name,
			Kind:   leg.Kind,
			From:   from(leg, escrowAcct),
			To:     to(leg, escrowAcct),
			Amount: leg.Amount,
		}
		if leg.Kind == LegAsset {
			rec.AssetID = b.AssetID
		}
		records = append(records, rec)
	}

	if checker, ok := s.ledger.(Checker); ok && len(records) > 0 {
		batch := make([]Instruction, len(records))
		for i, rec := range records {
			batch[i] = rec.instruction()
		}
		if err := checker.Check(ctx, batch); err != nil {
			var ce *CheckError
			if errors.As(err, &ce) && ce.Index >= 0 && ce.Index < len(records) {
				return h, nil, ledgerRejection(records[ce.Index], err)
			}
			return h, nil, rejection.Wrap(rejection.TransferRejected, "", err, "ledger refused the settlement")
		}
	}

	for i, rec := range records {
		if err := s.issue(ctx, rec.instruction()); err != nil {
			rej := ledgerRejection(rec, err)
			if rerr := s.Reverse(ctx, records[:i]); rerr != nil {
				return h, nil, errors.Join(rej, rerr)
			}
			return h, nil, rej
		}
		h = h.apply(rec, escrowAcct)
	}
	return h, records, nil
}

// Reverse voids applied records, newest first.
func (s *Settler) Reverse(ctx context.Context, records []Record) error {
	var errs []error
	for i := len(records) - 1; i >= 0; i-- {
		if err := s.ledger.Void(ctx, records[i].Key); err != nil {
			errs = append(errs, fmt.Errorf("void %s: %w", records[i].Key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("escrow: reverse settlement: %w", errors.Join(errs...))
	}
	return nil
}

func (s *Settler) issue(ctx context.Context, ins Instruction) error {
	if ins.Transfer != nil {
		return s.ledger.TransferAsset(ctx, *ins.Transfer)
	}
	return s.ledger.Pay(ctx, *ins.Payment)
}

func (rec Record) instruction() Instruction {
	if rec.Kind == LegAsset {
		return Instruction{Transfer: &AssetTransfer{Key: rec.Key, AssetID: rec.AssetID, From: rec.From, To: rec.To, Amount: rec.Amount}}
	}
	return Instruction{Payment: &Payment{Key: rec.Key, From: rec.From, To: rec.To, Amount: rec.Amount}}
}

func (h Holdings) apply(rec Record, escrowAcct string) Holdings {
	delta := int64(0)
	if rec.From == escrowAcct {
		delta -= rec.Amount
	}
	if rec.To == escrowAcct {
		delta += rec.Amount
	}
	if rec.Kind == LegAsset {
		h.Assets += delta
	} else {
		h.Payments += delta
	}
	return h
}

func ledgerRejection(rec Record, err error) error {
	kind := rejection.TransferRejected
	if rec.Kind == LegPayment {
		kind = rejection.PaymentRejected
	}
	var rej *rejection.Error
	if errors.As(err, &rej) {
		return err
	}
	return rejection.Wrap(kind, "", err, "%s of %d from %s to %s", rec.Leg, rec.Amount, rec.From, rec.To)
}

func from(leg Leg, escrowAcct string) string {
	if leg.From == "" {
		return escrowAcct
	}
	return leg.From
}

func to(leg Leg, escrowAcct string) string {
	if leg.To == "" {
		return escrowAcct
	}
	return leg.To
}
