package task

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bountyflow/escrow"
	"bountyflow/rejection"
)

// plainLedger hides the batch check, so every leg reaches the ledger and a
// failure part way through has to be voided.
type plainLedger struct {
	escrow.Ledger
}

func TestApprove_UnfundedStreakBonusMovesNothing(t *testing.T) {
	cases := map[string]func(*escrow.MemoryLedger) escrow.Ledger{
		"checked batch": func(l *escrow.MemoryLedger) escrow.Ledger { return l },
		"reversed legs": func(l *escrow.MemoryLedger) escrow.Ledger { return plainLedger{l} },
	}
	for name, wrap := range cases {
		t.Run(name, func(t *testing.T) {
			policy := DefaultPolicy()
			policy.Reputation.StreakLength = 1
			policy.Reputation.StreakBonus = 500

			ledger := escrow.NewMemoryLedger(escrow.WithAutoOptIn())
			ledger.CreditAsset(requester, assetID, 5)
			h := newHarnessOver(t, policy, ledger, wrap(ledger))
			ctx := context.Background()

			tk := h.create(t, 10, 5)
			_, err := h.svc.Claim(ctx, tk.ID, worker, 5, nil)
			require.NoError(t, err)
			_, err = h.svc.Submit(ctx, tk.ID, worker, proofRef)
			require.NoError(t, err)

			_, err = h.svc.Approve(ctx, tk.ID, requester)
			require.ErrorIs(t, err, rejection.ErrPaymentRejected)

			stored := h.store.task(tk.ID)
			assert.Equal(t, StatusSubmitted, stored.Status)
			assert.Equal(t, int64(5), stored.Escrow.Assets)
			assert.Zero(t, h.store.reputation(worker).Completions)

			assert.Zero(t, ledger.AssetBalance(worker, assetID))
			assert.Equal(t, int64(5), ledger.AssetBalance(escrow.AccountFor(tk.ID), assetID))
			assert.Zero(t, ledger.NativeBalance(worker))

			// once the treasury can pay, the same approval settles in full
			ledger.CreditNative(policy.Reputation.Treasury, 500)
			done, err := h.svc.Approve(ctx, tk.ID, requester)
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, done.Status)
			assert.Equal(t, int64(5), ledger.AssetBalance(worker, assetID))
			assert.Equal(t, int64(500), ledger.NativeBalance(worker))
			assert.Zero(t, ledger.AssetBalance(escrow.AccountFor(tk.ID), assetID))
		})
	}
}

func TestPenalize_FailedDepositReturnKeepsPenalty(t *testing.T) {
	cases := map[string]func(*escrow.MemoryLedger) escrow.Ledger{
		"checked batch": func(l *escrow.MemoryLedger) escrow.Ledger { return l },
		"reversed legs": func(l *escrow.MemoryLedger) escrow.Ledger { return plainLedger{l} },
	}
	for name, wrap := range cases {
		t.Run(name, func(t *testing.T) {
			ledger := escrow.NewMemoryLedger(escrow.WithAutoOptIn())
			ledger.CreditAsset(requester, assetID, 5)
			ledger.CreditNative(worker, 30)
			h := newHarnessOver(t, DefaultPolicy(), ledger, wrap(ledger))
			ctx := context.Background()

			tk := h.create(t, 10, 5)
			group := escrow.StaticGroup{{Sender: worker, Receiver: escrow.AccountFor(tk.ID), Amount: 30}}
			_, err := h.svc.Claim(ctx, tk.ID, worker, 3, group)
			require.NoError(t, err)
			_, err = h.svc.Submit(ctx, tk.ID, worker, proofRef)
			require.NoError(t, err)

			// the escrow account lost most of the deposit outside the service
			ledger.CreditNative(escrow.AccountFor(tk.ID), -25)

			_, err = h.svc.PenalizeClaimer(ctx, tk.ID, requester, 5)
			require.ErrorIs(t, err, rejection.ErrPaymentRejected)

			assert.Zero(t, ledger.NativeBalance(requester))
			assert.Equal(t, int64(5), ledger.NativeBalance(escrow.AccountFor(tk.ID)))
			stored := h.store.task(tk.ID)
			assert.Equal(t, StatusSubmitted, stored.Status)
			assert.Equal(t, int64(30), stored.LockedDeposit)
			assert.Equal(t, int64(30), stored.Escrow.Payments)
		})
	}
}

func TestCreate_InsertFailureMovesNothing(t *testing.T) {
	ledger := escrow.NewMemoryLedger(escrow.WithAutoOptIn())
	ledger.CreditAsset(requester, assetID, 5)
	h := newHarnessWithLedger(t, DefaultPolicy(), ledger)
	h.store.failNext(errors.New("insert refused"), nil)

	_, err := h.svc.Create(context.Background(), CreateParams{
		Authority:    requester,
		AssetID:      assetID,
		UnitaryPrice: 10,
		Deadline:     h.clock.Now().Add(time.Hour),
		Inventory:    5,
	})
	require.Error(t, err)
	assert.Empty(t, rejection.KindOf(err))
	assert.Empty(t, ledger.Transfers())
	assert.Equal(t, int64(5), ledger.AssetBalance(requester, assetID))
	assert.False(t, h.store.has("task-1"))
}

func TestCreate_CommitFailureReversesFunding(t *testing.T) {
	ledger := escrow.NewMemoryLedger(escrow.WithAutoOptIn())
	ledger.CreditAsset(requester, assetID, 5)
	h := newHarnessWithLedger(t, DefaultPolicy(), ledger)
	ctx := context.Background()
	params := CreateParams{
		Authority:    requester,
		AssetID:      assetID,
		UnitaryPrice: 10,
		Deadline:     h.clock.Now().Add(time.Hour),
		Inventory:    5,
	}

	h.store.failNext(nil, errors.New("connection reset"))
	_, err := h.svc.Create(ctx, params)
	require.Error(t, err)
	assert.False(t, h.store.has("task-1"))
	assert.Equal(t, int64(5), ledger.AssetBalance(requester, assetID))
	assert.Zero(t, ledger.AssetBalance(escrow.AccountFor("task-1"), assetID))
	assert.Empty(t, ledger.Transfers())

	h.store.failNext(nil, nil)
	created, err := h.svc.Create(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, "task-2", created.ID)
	assert.Equal(t, int64(5), created.Escrow.Assets)
	assert.Zero(t, ledger.AssetBalance(requester, assetID))
	assert.Equal(t, int64(5), ledger.AssetBalance(escrow.AccountFor(created.ID), assetID))
}

func TestWithdraw_RetryAfterFailedCommitMovesNewAmount(t *testing.T) {
	ledger := escrow.NewMemoryLedger(escrow.WithAutoOptIn())
	ledger.CreditAsset(requester, assetID, 5)
	h := newHarnessWithLedger(t, DefaultPolicy(), ledger)
	ctx := context.Background()
	tk := h.create(t, 10, 5)

	h.store.failNext(nil, errors.New("connection reset"))
	_, err := h.svc.WithdrawAssets(ctx, tk.ID, requester, 3)
	require.Error(t, err)
	assert.Zero(t, ledger.AssetBalance(requester, assetID))
	assert.Equal(t, int64(5), ledger.AssetBalance(escrow.AccountFor(tk.ID), assetID))
	assert.Equal(t, int64(5), h.store.task(tk.ID).Escrow.Assets)

	h.store.failNext(nil, nil)
	after, err := h.svc.WithdrawAssets(ctx, tk.ID, requester, 5)
	require.NoError(t, err)
	assert.Zero(t, after.Escrow.Assets)
	assert.Equal(t, int64(5), ledger.AssetBalance(requester, assetID))
	assert.Zero(t, ledger.AssetBalance(escrow.AccountFor(tk.ID), assetID))

	var keys []string
	for _, rec := range h.store.settlements {
		if rec.Leg == escrow.LegWithdraw {
			keys = append(keys, rec.Key)
		}
	}
	require.Len(t, keys, 1)
	assert.True(t, strings.HasSuffix(keys[0], "/withdraw/5"), keys[0])
}
