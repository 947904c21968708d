package model

import "time"

// JobStatus is a state of the batch job state machine.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusParsing   JobStatus = "parsing"
	StatusMatching  JobStatus = "matching"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusParsing:
		return 1
	case StatusMatching:
		return 2
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 3
	}
	return -1
}

// Terminal reports whether no further transition may leave s.
func (s JobStatus) Terminal() bool { return s.rank() == 3 }

// CanTransition allows forward moves and same-state progress updates.
// Nothing leaves a terminal state.
func CanTransition(from, to JobStatus) bool {
	if from.Terminal() || to.rank() < 0 {
		return false
	}
	if to == StatusCompleted && from != StatusMatching {
		return false
	}
	return to.rank() >= from.rank()
}

// JobState is the persisted view of a job.
type JobState struct {
	ID              string     `json:"id"`
	UserID          string     `json:"userId,omitempty"`
	Method          Method     `json:"method"`
	Status          JobStatus  `json:"status"`
	Progress        int        `json:"progress"`
	ProgressMessage string     `json:"progressMessage"`
	TotalRows       int        `json:"totalRows"`
	ItemCount       int        `json:"itemCount"` // rows with a quantity
	ProcessedCount  int        `json:"processedCount"`
	MatchedCount    int        `json:"matchedCount"`
	ErrorCount      int        `json:"errorCount"`
	Errors          []string   `json:"errors,omitempty"`
	StartedAt       time.Time  `json:"startedAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
}
