package task

import (
	"slices"
	"time"

	"bountyflow/rejection"
)

const DefaultCancellationThreshold = 3

// CancellationRound is a vote to cancel an open task. The proposer casts the
// first vote; the task is cancelled once Threshold distinct identities agree.
// A claim drops the round.
type CancellationRound struct {
	ProposedBy string     `json:"proposed_by,omitempty"`
	ProposedAt *time.Time `json:"proposed_at,omitempty"`
	Voters     []string   `json:"voters,omitempty"`
	Threshold  int        `json:"threshold,omitempty"`
}

func (r CancellationRound) Proposed() bool {
	return r.ProposedBy != ""
}

func (r CancellationRound) Reached() bool {
	return r.Proposed() && len(r.Voters) >= r.Threshold
}

func (r *CancellationRound) vote(voter string) error {
	if voter == "" {
		return rejection.New(rejection.InvalidArgument, "", "voter is required")
	}
	if slices.Contains(r.Voters, voter) {
		return rejection.New(rejection.DuplicateVote, "", "%s already voted to cancel", voter)
	}
	r.Voters = append(r.Voters, voter)
	return nil
}
