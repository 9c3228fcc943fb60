package rejection

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesKindSentinel(t *testing.T) {
	err := New(DuplicateVote, "vote", "voter %s already voted", "alice")

	assert.ErrorIs(t, err, ErrDuplicateVote)
	assert.NotErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, "vote: duplicate_vote: voter alice already voted", err.Error())
}

func TestError_IsThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("task: apply: %w", New(Unauthorized, "approve", "caller bob is not the authority"))

	assert.ErrorIs(t, wrapped, ErrUnauthorized)
	assert.Equal(t, Unauthorized, KindOf(wrapped))
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := errors.New("receiver not opted in")
	err := Wrap(TransferRejected, "approve", cause, "transfer of %d units", 5)

	assert.ErrorIs(t, err, ErrTransferRejected)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "receiver not opted in")
}

func TestKindOf_NonRejection(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestWithOp(t *testing.T) {
	err := WithOp(New(DuplicateVote, "", "already voted"), "vote")
	assert.Equal(t, "vote: duplicate_vote: already voted", err.Error())

	named := New(InvalidTransition, "claim", "task is claimed")
	assert.Same(t, named, WithOp(named, "other"))

	plain := errors.New("boom")
	assert.Same(t, plain, WithOp(plain, "vote"))
}
