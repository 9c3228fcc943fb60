package escrow

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemoryLedger is an in-process Ledger. It tracks opt-ins, asset and native
// balances, and drops instructions whose key was already applied. It can
// check a batch up front.
type MemoryLedger struct {
	mu        sync.Mutex
	autoOptIn bool
	minting   bool

	optIns  map[string]map[string]bool
	assets  map[string]map[string]int64
	native  map[string]int64
	applied map[string]Instruction

	transfers []AssetTransfer
	payments  []Payment
}

type MemoryOption func(*MemoryLedger)

// WithAutoOptIn treats every account as opted in to every asset.
func WithAutoOptIn() MemoryOption {
	return func(l *MemoryLedger) { l.autoOptIn = true }
}

// WithMinting lets accounts outside escrow send without holding a balance.
// Escrow accounts are always balance checked.
func WithMinting() MemoryOption {
	return func(l *MemoryLedger) { l.minting = true }
}

func NewMemoryLedger(opts ...MemoryOption) *MemoryLedger {
	l := &MemoryLedger{
		optIns:  make(map[string]map[string]bool),
		assets:  make(map[string]map[string]int64),
		native:  make(map[string]int64),
		applied: make(map[string]Instruction),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var (
	_ Ledger   = (*MemoryLedger)(nil)
	_ OptInner = (*MemoryLedger)(nil)
	_ Checker  = (*MemoryLedger)(nil)
)

func (l *MemoryLedger) OptIn(_ context.Context, account, assetID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.optIns[account] == nil {
		l.optIns[account] = make(map[string]bool)
	}
	l.optIns[account][assetID] = true
	return nil
}

// CreditAsset adds units of an asset to an account outside any instruction.
func (l *MemoryLedger) CreditAsset(account, assetID string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.creditAsset(account, assetID, amount)
}

// CreditNative adds native currency to an account outside any instruction.
func (l *MemoryLedger) CreditNative(account string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.native[account] += amount
}

func (l *MemoryLedger) AssetBalance(account, assetID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.assets[account][assetID]
}

func (l *MemoryLedger) NativeBalance(account string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.native[account]
}

// Transfers returns the applied asset transfers in order.
func (l *MemoryLedger) Transfers() []AssetTransfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]AssetTransfer(nil), l.transfers...)
}

// Payments returns the applied payments in order.
func (l *MemoryLedger) Payments() []Payment {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Payment(nil), l.payments...)
}

func (l *MemoryLedger) TransferAsset(_ context.Context, t AssetTransfer) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyInstruction(Instruction{Transfer: &t})
}

func (l *MemoryLedger) Pay(_ context.Context, p Payment) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyInstruction(Instruction{Payment: &p})
}

// Check validates batch in order against current balances as if each earlier
// instruction had applied. Nothing is applied.
func (l *MemoryLedger) Check(_ context.Context, batch []Instruction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	v := newPending(l)
	for i, ins := range batch {
		if _, done := l.applied[ins.Key()]; done && ins.Key() != "" {
			continue
		}
		if err := v.validate(ins); err != nil {
			return &CheckError{Index: i, Key: ins.Key(), Err: err}
		}
		v.record(ins)
	}
	return nil
}

// Void undoes the instruction applied under key and forgets the key. Voiding
// an unknown key is a no-op.
func (l *MemoryLedger) Void(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ins, ok := l.applied[key]
	if !ok {
		return nil
	}
	switch {
	case ins.Transfer != nil:
		t := *ins.Transfer
		if l.checked(t.To) && l.assets[t.To][t.AssetID] < t.Amount {
			return fmt.Errorf("%w: %s no longer holds %d of %s", ErrInsufficientBalance, t.To, t.Amount, t.AssetID)
		}
		l.creditAsset(t.To, t.AssetID, -t.Amount)
		if l.checked(t.From) {
			l.creditAsset(t.From, t.AssetID, t.Amount)
		}
		l.transfers = slices.DeleteFunc(l.transfers, func(x AssetTransfer) bool { return x.Key == key })
	case ins.Payment != nil:
		p := *ins.Payment
		if l.checked(p.To) && l.native[p.To] < p.Amount {
			return fmt.Errorf("%w: %s no longer holds %d", ErrInsufficientBalance, p.To, p.Amount)
		}
		l.native[p.To] -= p.Amount
		if l.checked(p.From) {
			l.native[p.From] += p.Amount
		}
		l.payments = slices.DeleteFunc(l.payments, func(x Payment) bool { return x.Key == key })
	}
	delete(l.applied, key)
	return nil
}

// applyInstruction must be called with mu held.
func (l *MemoryLedger) applyInstruction(ins Instruction) error {
	key := ins.Key()
	if key != "" {
		if _, done := l.applied[key]; done {
			return nil
		}
	}
	if err := newPending(l).validate(ins); err != nil {
		return err
	}
	switch {
	case ins.Transfer != nil:
		t := *ins.Transfer
		if l.checked(t.From) {
			l.creditAsset(t.From, t.AssetID, -t.Amount)
		}
		l.creditAsset(t.To, t.AssetID, t.Amount)
		l.transfers = append(l.transfers, t)
	case ins.Payment != nil:
		p := *ins.Payment
		if l.checked(p.From) {
			l.native[p.From] -= p.Amount
		}
		l.native[p.To] += p.Amount
		l.payments = append(l.payments, p)
	}
	if key != "" {
		l.applied[key] = ins
	}
	return nil
}

func (l *MemoryLedger) checked(from string) bool {
	return !l.minting || IsEscrowAccount(from)
}

func (l *MemoryLedger) creditAsset(account, assetID string, amount int64) {
	if l.assets[account] == nil {
		l.assets[account] = make(map[string]int64)
	}
	l.assets[account][assetID] += amount
}

// pending layers uncommitted balance changes over the ledger so a batch can be
// validated instruction by instruction.
type pending struct {
	l      *MemoryLedger
	assets map[string]int64
	native map[string]int64
}

func newPending(l *MemoryLedger) *pending {
	return &pending{l: l, assets: make(map[string]int64), native: make(map[string]int64)}
}

func (v *pending) validate(ins Instruction) error {
	switch {
	case ins.Transfer != nil:
		t := ins.Transfer
		if t.Amount <= 0 {
			return fmt.Errorf("%w: %d", ErrInvalidAmount, t.Amount)
		}
		if !v.l.autoOptIn && !v.l.optIns[t.To][t.AssetID] {
			return fmt.Errorf("%w: %s for asset %s", ErrNotOptedIn, t.To, t.AssetID)
		}
		if v.l.checked(t.From) {
			if have := v.l.assets[t.From][t.AssetID] + v.assets[t.From+"|"+t.AssetID]; have < t.Amount {
				return fmt.Errorf("%w: %s holds %d of %s, needs %d", ErrInsufficientBalance, t.From, have, t.AssetID, t.Amount)
			}
		}
	case ins.Payment != nil:
		p := ins.Payment
		if p.Amount <= 0 {
			return fmt.Errorf("%w: %d", ErrInvalidAmount, p.Amount)
		}
		if v.l.checked(p.From) {
			if have := v.l.native[p.From] + v.native[p.From]; have < p.Amount {
				return fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientBalance, p.From, have, p.Amount)
			}
		}
	default:
		return fmt.Errorf("%w: empty instruction", ErrInvalidAmount)
	}
	return nil
}

func (v *pending) record(ins Instruction) {
	switch {
	case ins.Transfer != nil:
		t := ins.Transfer
		v.assets[t.From+"|"+t.AssetID] -= t.Amount
		v.assets[t.To+"|"+t.AssetID] += t.Amount
	case ins.Payment != nil:
		p := ins.Payment
		v.native[p.From] -= p.Amount
		v.native[p.To] += p.Amount
	}
}
