// Package reputation keeps per-identity ratings, claim counts and completion
// streaks.
package reputation

import (
	"strings"

	"bountyflow/rejection"
)

const MaxFeedbackLength = 2000

// OnClaim counts a successful claim.
func (r *Record) OnClaim() {
	r.Claims++
}

// OnCompletion extends the streak. It reports whether the completion earned
// the streak bonus, in which case the streak starts over.
func (r *Record) OnCompletion(p Policy) bool {
	r.Completions++
	r.Streak++
	length := p.StreakLength
	if length <= 0 {
		length = DefaultStreakLength
	}
	if r.Streak < length || p.StreakBonus <= 0 {
		return false
	}
	r.Streak = 0
	r.Bonuses++
	return true
}

// BreakStreak resets the streak after a claim that ended without completion.
func (r *Record) BreakStreak() {
	r.Streak = 0
}

// AddRating appends a 1 to 5 star rating.
func (r *Record) AddRating(stars int) error {
	if stars < 1 || stars > 5 {
		return rejection.New(rejection.InvalidArgument, "", "rating must be between 1 and 5, got %d", stars)
	}
	r.Ratings = append(r.Ratings, stars)
	return nil
}

// Average returns the mean rating, or 0 without ratings.
func (r Record) Average() float64 {
	if len(r.Ratings) == 0 {
		return 0
	}
	sum := 0
	for _, s := range r.Ratings {
		sum += s
	}
	return float64(sum) / float64(len(r.Ratings))
}

// ValidateFeedback trims and bounds feedback text.
func ValidateFeedback(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", rejection.New(rejection.InvalidArgument, "", "feedback is empty")
	}
	if len(body) > MaxFeedbackLength {
		return "", rejection.New(rejection.InvalidArgument, "", "feedback longer than %d bytes", MaxFeedbackLength)
	}
	return body, nil
}
