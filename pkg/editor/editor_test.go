package editor

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func q(id, prompt string, pos int, updatedAt time.Time) Question {
	return Question{ID: id, Prompt: prompt, Position: pos, Type: "open_ended", Points: 10, UpdatedAt: updatedAt}
}

func payload(t *testing.T, questions []Question) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(questions)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func TestMerge_ServerResultReplacesUntouchedList(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	s := NewState("a1", []Question{
		q("q1", "old prompt", 1, base),
		q("q2", "stale", 2, base),
	})
	s.BeginJob(time.Now())

	incoming := []Question{
		q("q1", "fresh prompt", 1, time.Now()),
		q("q3", "new question", 2, time.Now()),
	}
	if err := s.MergeStreamedResult(payload(t, incoming)); err != nil {
		t.Fatalf("merge: %v", err)
	}

	if len(s.Questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(s.Questions))
	}
	if s.Questions[0].Prompt != "fresh prompt" || s.Questions[1].ID != "q3" {
		t.Fatalf("server result did not replace untouched list: %+v", s.Questions)
	}
}

func TestMerge_LocalEditDuringJobWins(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	s := NewState("a1", []Question{q("q1", "original", 1, base)})

	jobStart := time.Now().Add(-time.Minute)
	s.BeginJob(jobStart)
	if !s.Edit("q1", func(qq *Question) { qq.Prompt = "edited by hand" }) {
		t.Fatalf("Edit missed q1")
	}

	// Server result carries an older stamp than the local edit.
	incoming := []Question{q("q1", "machine generated", 1, jobStart.Add(time.Second))}
	if err := s.MergeStreamedResult(payload(t, incoming)); err != nil {
		t.Fatalf("merge: %v", err)
	}

	if s.Questions[0].Prompt != "edited by hand" {
		t.Fatalf("local edit lost: %+v", s.Questions[0])
	}
}

func TestMerge_EditBeforeJobDoesNotWin(t *testing.T) {
	edited := time.Now().Add(-time.Hour)
	s := NewState("a1", []Question{q("q1", "pre-job edit", 1, edited)})
	s.BeginJob(time.Now().Add(-time.Minute))

	incoming := []Question{q("q1", "machine generated", 1, time.Now())}
	if err := s.MergeStreamedResult(payload(t, incoming)); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if s.Questions[0].Prompt != "machine generated" {
		t.Fatalf("pre-job edit should not survive: %+v", s.Questions[0])
	}
}

func TestMerge_LocalAdditionsAppendedAndRenumbered(t *testing.T) {
	s := NewState("a1", nil)
	s.BeginJob(time.Now().Add(-time.Minute))
	s.Questions = append(s.Questions,
		q("local-b", "added second", 5, time.Now()),
		q("local-a", "added first", 3, time.Now()),
	)

	incoming := []Question{
		q("q1", "generated 1", 1, time.Now()),
		q("q2", "generated 2", 2, time.Now()),
	}
	if err := s.MergeStreamedResult(payload(t, incoming)); err != nil {
		t.Fatalf("merge: %v", err)
	}

	ids := make([]string, 0, len(s.Questions))
	for _, qq := range s.Questions {
		ids = append(ids, qq.ID)
	}
	want := []string{"q1", "q2", "local-a", "local-b"}
	if len(ids) != len(want) {
		t.Fatalf("unexpected merged list: %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("unexpected order %v, want %v", ids, want)
		}
	}
	for i, qq := range s.Questions {
		if qq.Position != i+1 {
			t.Fatalf("positions not renumbered: %+v", s.Questions)
		}
	}
}

func TestMerge_UnparseablePayloadLeavesStateUntouched(t *testing.T) {
	s := NewState("a1", []Question{q("q1", "keep me", 1, time.Now())})
	s.BeginJob(time.Now())

	if err := s.MergeStreamedResult(json.RawMessage(`{broken`)); err == nil {
		t.Fatalf("expected error on unparseable payload")
	}
	if err := s.MergeStreamedResult(payload(t, []Question{{Prompt: "no id"}})); err == nil ||
		!strings.Contains(err.Error(), "no id") {
		t.Fatalf("expected missing-id error, got %v", err)
	}

	if len(s.Questions) != 1 || s.Questions[0].Prompt != "keep me" {
		t.Fatalf("failed merge mutated the state: %+v", s.Questions)
	}
}
