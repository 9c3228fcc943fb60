package reputation

import "time"

const (
	DefaultStreakLength = 5
	DefaultStreakBonus  = int64(100000)
	DefaultTreasury     = "treasury"
)

// Record is the reputation of one identity across all tasks.
type Record struct {
	Identity    string
	Ratings     []int
	Streak      int
	Claims      int
	Completions int
	Bonuses     int
	UpdatedAt   time.Time
}

// Feedback is free text left by a participant of a completed task.
type Feedback struct {
	TaskID    string
	Author    string
	Subject   string
	Body      string
	CreatedAt time.Time
}

// Policy configures the completion streak bonus.
type Policy struct {
	StreakLength int
	StreakBonus  int64
	// Treasury is the account the bonus is paid from.
	Treasury string
}

func DefaultPolicy() Policy {
	return Policy{
		StreakLength: DefaultStreakLength,
		StreakBonus:  DefaultStreakBonus,
		Treasury:     DefaultTreasury,
	}
}
