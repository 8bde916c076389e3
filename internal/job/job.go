package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindPublishAssignment Kind = "publish_assignment"
	KindGenerateQuestions Kind = "generate_questions"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further status transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Job struct {
	ID           uuid.UUID       `json:"id"`
	Kind         Kind            `json:"kind"`
	AssignmentID uuid.UUID       `json:"assignment_id"`
	RequesterID  uuid.UUID       `json:"requester_id,omitempty"`
	Status       Status          `json:"status"`
	Progress     string          `json:"progress,omitempty"`
	Percentage   int             `json:"percentage"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// StatusEvent is one update delivered to a stream subscriber. Result is set
// on partial payloads and on the terminal completed event; Done marks the
// last event a subscriber will observe for a job.
type StatusEvent struct {
	Status     Status          `json:"status"`
	Progress   string          `json:"progress,omitempty"`
	Percentage int             `json:"percentage"`
	Result     json.RawMessage `json:"result,omitempty"`
	Done       bool            `json:"done"`
}

// Event builds the StatusEvent matching the job's current record.
func (j *Job) Event() StatusEvent {
	return StatusEvent{
		Status:     j.Status,
		Progress:   j.Progress,
		Percentage: j.Percentage,
		Result:     j.Result,
		Done:       j.Status.Terminal(),
	}
}
