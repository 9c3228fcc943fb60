package dispute

import (
	"slices"
	"time"

	"bountyflow/rejection"
)

// Open starts a dispute at now. round numbers successive disputes on a task.
func Open(now time.Time, round int) Dispute {
	return Dispute{OpenedAt: now, Active: true, Round: round}
}

// Allows reports whether caller may open a dispute under the policy.
func (p CallerPolicy) Allows(caller, authority, claimer string) bool {
	if p == PolicyParties {
		return caller == authority || caller == claimer
	}
	return caller != ""
}

func (d Dispute) HasVoted(voter string) bool {
	return slices.Contains(d.Voters, voter)
}

func (d Dispute) Total() int {
	return d.VotesYes + d.VotesNo
}

// Vote records one vote per voter.
func (d *Dispute) Vote(voter string, support bool) error {
	if !d.Active {
		return rejection.New(rejection.InvalidTransition, "", "no active dispute")
	}
	if voter == "" {
		return rejection.New(rejection.InvalidArgument, "", "voter is required")
	}
	if d.HasVoted(voter) {
		return rejection.New(rejection.DuplicateVote, "", "%s already voted in dispute round %d", voter, d.Round)
	}
	if support {
		d.VotesYes++
	} else {
		d.VotesNo++
	}
	d.Voters = append(d.Voters, voter)
	return nil
}

// Outcome accepts on a strict yes majority. Ties reject.
func (d Dispute) Outcome() Outcome {
	if d.VotesYes > d.VotesNo {
		return OutcomeAccepted
	}
	return OutcomeRejected
}

// Finalize closes the vote on the authority's request. The caller check is
// done by the task machine.
func (d *Dispute) Finalize(p Policy) (Outcome, error) {
	if !d.Active {
		return "", rejection.New(rejection.InvalidTransition, "", "no active dispute")
	}
	if p.MinQuorum > 0 && d.Total() < p.MinQuorum {
		return "", rejection.New(rejection.InsufficientQuorumOrTimeout, "", "%d votes cast, quorum is %d", d.Total(), p.MinQuorum)
	}
	d.Active = false
	return d.Outcome(), nil
}

// ForceResolve closes a stalled vote once the timeout has elapsed.
func (d *Dispute) ForceResolve(now time.Time, p Policy) (Outcome, error) {
	if !d.Active {
		return "", rejection.New(rejection.InvalidTransition, "", "no active dispute")
	}
	if !now.After(d.ResolvableAt(p)) {
		return "", rejection.New(rejection.InsufficientQuorumOrTimeout, "", "dispute opened at %s cannot be forced before %s",
			d.OpenedAt.UTC().Format(time.RFC3339), d.ResolvableAt(p).UTC().Format(time.RFC3339))
	}
	d.Active = false
	return d.Outcome(), nil
}

// ResolvableAt is the instant after which anyone may force the outcome.
func (d Dispute) ResolvableAt(p Policy) time.Time {
	after := p.ForceResolveAfter
	if after <= 0 {
		after = DefaultForceResolveAfter
	}
	return d.OpenedAt.Add(after)
}
