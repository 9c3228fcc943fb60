// Package deadline holds the time-gated rules of a task: expiry, monotonic
// deadline changes and the extension vote.
package deadline

import (
	"slices"
	"time"

	"bountyflow/rejection"
)

const (
	DefaultExtensionInterval  = 24 * time.Hour
	DefaultExtensionThreshold = 3
)

// IsExpired reports whether now is strictly past the deadline.
func IsExpired(now, deadline time.Time) bool {
	return now.After(deadline)
}

// RequireReached fails with DeadlineNotReached unless the deadline has passed.
func RequireReached(now, deadline time.Time) error {
	if !IsExpired(now, deadline) {
		return rejection.New(rejection.DeadlineNotReached, "", "deadline %s not reached at %s", deadline.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}
	return nil
}

// RequireOpen fails with DeadlineAlreadyPassed once the deadline has passed.
func RequireOpen(now, deadline time.Time) error {
	if IsExpired(now, deadline) {
		return rejection.New(rejection.DeadlineAlreadyPassed, "", "deadline %s passed at %s", deadline.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}
	return nil
}

// CheckMove rejects a new deadline that does not move strictly forward.
func CheckMove(current, next time.Time) error {
	if !next.After(current) {
		return rejection.New(rejection.InvalidArgument, "", "new deadline %s must be after %s", next.UTC().Format(time.RFC3339), current.UTC().Format(time.RFC3339))
	}
	return nil
}

// ExtensionRound collects the votes to push a deadline back. A round closes
// as soon as the threshold is met; its voters are then cleared.
type ExtensionRound struct {
	Voters    []string `json:"voters"`
	Threshold int      `json:"threshold"`
	Round     int      `json:"round"`
}

func NewExtensionRound(threshold int) ExtensionRound {
	if threshold <= 0 {
		threshold = DefaultExtensionThreshold
	}
	return ExtensionRound{Threshold: threshold}
}

func (r ExtensionRound) HasVoted(voter string) bool {
	return slices.Contains(r.Voters, voter)
}

// Vote records voter in the current round. When the threshold is reached the
// returned deadline is moved by interval and the round advances.
func (r *ExtensionRound) Vote(voter string, now, current time.Time, interval time.Duration) (time.Time, bool, error) {
	if voter == "" {
		return current, false, rejection.New(rejection.InvalidArgument, "", "voter is required")
	}
	if err := RequireOpen(now, current); err != nil {
		return current, false, err
	}
	if r.HasVoted(voter) {
		return current, false, rejection.New(rejection.DuplicateVote, "", "%s already voted in extension round %d", voter, r.Round)
	}
	if interval <= 0 {
		interval = DefaultExtensionInterval
	}
	threshold := r.Threshold
	if threshold <= 0 {
		threshold = DefaultExtensionThreshold
	}

	r.Voters = append(r.Voters, voter)
	if len(r.Voters) < threshold {
		return current, false, nil
	}
	r.Voters = nil
	r.Round++
	return current.Add(interval), true, nil
}
