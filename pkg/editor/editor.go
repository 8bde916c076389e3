// Package editor holds the client-side editable question list and the
// rules for folding streamed generation results into it without losing
// local edits made while a job was running.
package editor

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

type RubricCriterion struct {
	ID          string `json:"id,omitempty"`
	Description string `json:"description"`
	Points      int    `json:"points"`
}

type Question struct {
	ID        string            `json:"id"`
	Position  int               `json:"position"`
	Prompt    string            `json:"prompt"`
	Type      string            `json:"type"`
	Points    int               `json:"points"`
	Choices   []string          `json:"choices,omitempty"`
	Rubric    []RubricCriterion `json:"rubric,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// State is the working copy of one assignment's question list.
type State struct {
	AssignmentID string
	Questions    []Question

	jobStartedAt time.Time
}

func NewState(assignmentID string, questions []Question) *State {
	return &State{
		AssignmentID: assignmentID,
		Questions:    questions,
	}
}

// BeginJob records the moment a generation job was started. Local edits
// stamped after this moment survive the merge of that job's result.
func (s *State) BeginJob(at time.Time) {
	s.jobStartedAt = at
}

// Edit applies fn to the question with the given id and stamps it as a
// fresh local edit. Returns false if the id is unknown.
func (s *State) Edit(id string, fn func(*Question)) bool {
	for i := range s.Questions {
		if s.Questions[i].ID == id {
			fn(&s.Questions[i])
			s.Questions[i].UpdatedAt = time.Now()
			return true
		}
	}
	return false
}

// MergeStreamedResult folds a streamed result payload (a full question
// list) into the working copy. The server payload is authoritative for
// everything the job produced; last-write-wins keyed by UpdatedAt decides
// conflicts with local edits made after the job started. The merge is
// all-or-nothing: an unparseable payload leaves the state untouched.
func (s *State) MergeStreamedResult(raw json.RawMessage) error {
	var incoming []Question
	if err := json.Unmarshal(raw, &incoming); err != nil {
		return fmt.Errorf("editor: unparseable result payload: %w", err)
	}
	for i, q := range incoming {
		if q.ID == "" {
			return fmt.Errorf("editor: result question %d has no id", i)
		}
	}

	locallyEdited := make(map[string]Question)
	for _, q := range s.Questions {
		if !s.jobStartedAt.IsZero() && q.UpdatedAt.After(s.jobStartedAt) {
			locallyEdited[q.ID] = q
		}
	}

	merged := make([]Question, 0, len(incoming)+len(locallyEdited))
	seen := make(map[string]bool, len(incoming))
	for _, q := range incoming {
		seen[q.ID] = true
		if local, ok := locallyEdited[q.ID]; ok && local.UpdatedAt.After(q.UpdatedAt) {
			merged = append(merged, local)
			continue
		}
		merged = append(merged, q)
	}

	// Questions the user added or touched mid-job that the server result
	// does not know about are kept, after the server's list.
	var extras []Question
	for _, q := range s.Questions {
		if _, ok := locallyEdited[q.ID]; ok && !seen[q.ID] {
			extras = append(extras, q)
		}
	}
	sort.SliceStable(extras, func(i, j int) bool { return extras[i].Position < extras[j].Position })
	merged = append(merged, extras...)

	for i := range merged {
		merged[i].Position = i + 1
	}

	s.Questions = merged
	return nil
}
