package dispute

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"bountyflow/rejection"
)

var opened = time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)

func TestVote_OnePerVoter(t *testing.T) {
	d := Open(opened, 1)

	require.NoError(t, d.Vote("carol", true))
	err := d.Vote("carol", false)
	require.ErrorIs(t, err, rejection.ErrDuplicateVote)

	assert.Equal(t, 1, d.VotesYes)
	assert.Equal(t, 0, d.VotesNo)
	assert.Equal(t, []string{"carol"}, d.Voters)
}

func TestVote_InactiveDispute(t *testing.T) {
	var d Dispute
	assert.ErrorIs(t, d.Vote("carol", true), rejection.ErrInvalidTransition)
}

func TestOutcome_TieRejects(t *testing.T) {
	d := Open(opened, 1)
	require.NoError(t, d.Vote("a", true))
	require.NoError(t, d.Vote("b", false))
	assert.Equal(t, OutcomeRejected, d.Outcome())

	require.NoError(t, d.Vote("c", true))
	assert.Equal(t, OutcomeAccepted, d.Outcome())
}

func TestFinalize_Quorum(t *testing.T) {
	d := Open(opened, 1)
	require.NoError(t, d.Vote("a", true))

	_, err := d.Finalize(Policy{MinQuorum: 2})
	require.ErrorIs(t, err, rejection.ErrInsufficientQuorumOrTimeout)
	assert.True(t, d.Active)

	out, err := d.Finalize(Policy{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, out)
	assert.False(t, d.Active)

	_, err = d.Finalize(Policy{})
	assert.ErrorIs(t, err, rejection.ErrInvalidTransition)
}

func TestForceResolve_Timeout(t *testing.T) {
	d := Open(opened, 1)
	p := Policy{ForceResolveAfter: 72 * time.Hour}

	_, err := d.ForceResolve(opened.Add(72*time.Hour), p)
	require.ErrorIs(t, err, rejection.ErrInsufficientQuorumOrTimeout)

	out, err := d.ForceResolve(opened.Add(72*time.Hour+time.Second), p)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, out)
	assert.False(t, d.Active)
}

func TestCallerPolicy(t *testing.T) {
	assert.True(t, PolicyAnyone.Allows("stranger", "alice", "bob"))
	assert.False(t, PolicyParties.Allows("stranger", "alice", "bob"))
	assert.True(t, PolicyParties.Allows("alice", "alice", "bob"))
	assert.True(t, PolicyParties.Allows("bob", "alice", "bob"))
}

func TestProperty_TallyMatchesVoters(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		d := Open(opened, 1)
		type ballot struct {
			voter   string
			support bool
		}
		ballots := rapid.SliceOf(rapid.Custom(func(t *rapid.T) ballot {
			return ballot{
				voter:   rapid.SampledFrom([]string{"a", "b", "c", "d", "e"}).Draw(t, "voter"),
				support: rapid.Bool().Draw(t, "support"),
			}
		})).Draw(t, "ballots")

		for _, b := range ballots {
			before := d
			err := d.Vote(b.voter, b.support)
			if err != nil && (d.VotesYes != before.VotesYes || d.VotesNo != before.VotesNo) {
				t.Fatalf("rejected vote changed the tally")
			}
		}
		if d.Total() != len(d.Voters) {
			t.Fatalf("tally %d, voters %d", d.Total(), len(d.Voters))
		}
		seen := map[string]bool{}
		for _, v := range d.Voters {
			if seen[v] {
				t.Fatalf("voter %s counted twice", v)
			}
			seen[v] = true
		}
	})
}
