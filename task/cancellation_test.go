package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bountyflow/escrow"
	"bountyflow/rejection"
)

func TestCancellationVote(t *testing.T) {
	policy := DefaultPolicy()
	policy.CancellationThreshold = 2
	h := newHarness(t, policy)
	ctx := context.Background()
	tk := h.create(t, 10, 5)

	_, err := h.svc.VoteCancellation(ctx, tk.ID, "v1")
	assert.ErrorIs(t, err, rejection.ErrInvalidTransition)

	proposed, err := h.svc.ProposeCancellation(ctx, tk.ID, "v1")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, proposed.Status)
	assert.Equal(t, []string{"v1"}, proposed.Cancellation.Voters)
	assert.Equal(t, 2, proposed.Cancellation.Threshold)
	require.NotNil(t, proposed.Cancellation.ProposedAt)

	_, err = h.svc.ProposeCancellation(ctx, tk.ID, "v2")
	assert.ErrorIs(t, err, rejection.ErrInvalidTransition)
	_, err = h.svc.VoteCancellation(ctx, tk.ID, "v1")
	assert.ErrorIs(t, err, rejection.ErrDuplicateVote)

	cancelled, err := h.svc.VoteCancellation(ctx, tk.ID, "v2")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t,
		[]string{EventCreated, EventCancelProposed, EventCancelled},
		h.store.eventTypes(tk.ID))

	_, err = h.svc.VoteCancellation(ctx, tk.ID, "v3")
	assert.ErrorIs(t, err, rejection.ErrInvalidTransition)
}

func TestCancellationVote_SingleVoteThreshold(t *testing.T) {
	policy := DefaultPolicy()
	policy.CancellationThreshold = 1
	h := newHarness(t, policy)
	tk := h.create(t, 10, 5)

	cancelled, err := h.svc.ProposeCancellation(context.Background(), tk.ID, "v1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
}

func TestCancellationVote_DroppedByClaim(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	ctx := context.Background()
	tk := h.create(t, 10, 5)

	_, err := h.svc.ProposeCancellation(ctx, tk.ID, "v1")
	require.NoError(t, err)
	claimed, err := h.svc.Claim(ctx, tk.ID, worker, 1, nil)
	require.NoError(t, err)
	assert.False(t, claimed.Cancellation.Proposed())

	_, err = h.svc.VoteCancellation(ctx, tk.ID, "v2")
	assert.ErrorIs(t, err, rejection.ErrInvalidTransition)
}

func TestClose_OpenTaskReturnsEscrow(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	ctx := context.Background()
	tk := h.create(t, 10, 5)

	_, err := h.svc.Close(ctx, tk.ID, worker)
	assert.ErrorIs(t, err, rejection.ErrUnauthorized)

	closed, err := h.svc.Close(ctx, tk.ID, requester)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, closed.Status)
	assert.True(t, closed.Closed)
	assert.Equal(t, escrow.Holdings{}, closed.Escrow)
	assert.Equal(t, int64(5), h.ledger.AssetBalance(requester, assetID))
	assert.Zero(t, h.ledger.AssetBalance(escrow.AccountFor(tk.ID), assetID))

	_, err = h.svc.Close(ctx, tk.ID, requester)
	assert.ErrorIs(t, err, rejection.ErrInvalidTransition)
	_, err = h.svc.WithdrawAssets(ctx, tk.ID, requester, 1)
	assert.ErrorIs(t, err, rejection.ErrInvalidTransition)
	_, err = h.svc.Fund(ctx, tk.ID, requester, 1)
	assert.ErrorIs(t, err, rejection.ErrInvalidTransition)
}

func TestClose_RefusesLiveClaimAndKeepsCompletedStatus(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	ctx := context.Background()
	tk := h.create(t, 10, 5)

	_, err := h.svc.Claim(ctx, tk.ID, worker, 2, nil)
	require.NoError(t, err)
	_, err = h.svc.Close(ctx, tk.ID, requester)
	assert.ErrorIs(t, err, rejection.ErrInvalidTransition)

	_, err = h.svc.Submit(ctx, tk.ID, worker, proofRef)
	require.NoError(t, err)
	_, err = h.svc.Approve(ctx, tk.ID, requester)
	require.NoError(t, err)

	closed, err := h.svc.Close(ctx, tk.ID, requester)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, closed.Status)
	assert.Equal(t, worker, closed.Claimer)
	assert.True(t, closed.Closed)
	assert.Zero(t, closed.Escrow.Assets)
	assert.Equal(t, int64(3), h.ledger.AssetBalance(requester, assetID))

	// rating still works on a closed completed task
	_, err = h.svc.RateClaimer(ctx, tk.ID, requester, 5)
	require.NoError(t, err)
}

func TestFund_RejectedOnFinishedTasks(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	ctx := context.Background()
	tk := h.create(t, 10, 2)
	_, err := h.svc.Claim(ctx, tk.ID, worker, 1, nil)
	require.NoError(t, err)

	// funding a live claim is fine
	funded, err := h.svc.Fund(ctx, tk.ID, requester, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), funded.Escrow.Assets)

	_, err = h.svc.Submit(ctx, tk.ID, worker, proofRef)
	require.NoError(t, err)
	_, err = h.svc.Approve(ctx, tk.ID, requester)
	require.NoError(t, err)

	_, err = h.svc.Fund(ctx, tk.ID, requester, 1)
	assert.ErrorIs(t, err, rejection.ErrInvalidTransition)
	assert.Equal(t, int64(4), h.store.task(tk.ID).Escrow.Assets)
}
