package jobstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/avoronova/coursecraft/internal/common"
	"github.com/avoronova/coursecraft/internal/job"
	"github.com/google/uuid"
)

// subscriber channels hold this many undelivered events before older
// progress updates start getting coalesced away.
const subscriberBuffer = 32

// Store is the single shared record of all tracked jobs. The job runner is
// the only writer for a given job id; stream handlers only read and
// subscribe. Terminal entries are kept for the retention window so that
// late pollers still see the final state, then reaped.
type Store struct {
	retention time.Duration

	mu   sync.RWMutex
	jobs map[uuid.UUID]*job.Job
	subs map[uuid.UUID]map[chan job.StatusEvent]struct{}
}

func New(retention time.Duration) *Store {
	return &Store{
		retention: retention,
		jobs:      make(map[uuid.UUID]*job.Job),
		subs:      make(map[uuid.UUID]map[chan job.StatusEvent]struct{}),
	}
}

// Create registers a new pending job and returns a snapshot of it.
func (s *Store) Create(kind job.Kind, assignmentID, requesterID uuid.UUID) job.Job {
	now := time.Now()
	j := &job.Job{
		ID:           uuid.New(),
		Kind:         kind,
		AssignmentID: assignmentID,
		RequesterID:  requesterID,
		Status:       job.StatusPending,
		Percentage:   0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	s.jobs[j.ID] = j
	s.mu.Unlock()

	return *j
}

// Get returns a snapshot of the job record.
func (s *Store) Get(id uuid.UUID) (job.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, false
	}
	return *j, true
}

// SetProgress moves a job to in_progress and records a progress update.
// Percentage never regresses: a lower value than the current one is clamped
// to the current value. Updates against a terminal job are rejected.
func (s *Store) SetProgress(id uuid.UUID, pct int, msg string) error {
	return s.update(id, func(j *job.Job) {
		j.Status = job.StatusInProgress
		if pct > j.Percentage {
			j.Percentage = min(pct, 100)
		}
		if msg != "" {
			j.Progress = msg
		}
	})
}

// SetPartialResult attaches an intermediate payload without changing the
// terminal state, so stream subscribers can render progressively.
func (s *Store) SetPartialResult(id uuid.UUID, result json.RawMessage) error {
	return s.update(id, func(j *job.Job) {
		j.Status = job.StatusInProgress
		j.Result = result
	})
}

// Complete marks the job completed with its final payload.
func (s *Store) Complete(id uuid.UUID, result json.RawMessage) error {
	return s.update(id, func(j *job.Job) {
		j.Status = job.StatusCompleted
		j.Percentage = 100
		j.Progress = "done"
		j.Result = result
	})
}

// Fail marks the job failed. The message lands in the progress field so
// pollers and subscribers see a human-readable cause.
func (s *Store) Fail(id uuid.UUID, msg string) error {
	return s.update(id, func(j *job.Job) {
		j.Status = job.StatusFailed
		j.Progress = msg
	})
}

func (s *Store) update(id uuid.UUID, fn func(*job.Job)) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return common.ErrJobNotFound
	}
	if j.Status.Terminal() {
		s.mu.Unlock()
		return common.ErrJobTerminal
	}
	fn(j)
	j.UpdatedAt = time.Now()
	ev := j.Event()
	subs := s.subs[id]
	if ev.Done {
		// Terminal event is the last one out; detach subscribers so the
		// closed channel tells each of them the stream is over.
		delete(s.subs, id)
	}
	// Deliver while still holding the lock: sends are non-blocking, a
	// concurrent cancel mutates this map, and serialized delivery keeps
	// events in record order and keeps a close from racing a send.
	for ch := range subs {
		send(ch, ev)
		if ev.Done {
			close(ch)
		}
	}
	s.mu.Unlock()
	return nil
}

// send delivers without blocking the writer. When a slow subscriber's
// buffer is full the oldest queued update is dropped; per-event coalescing
// is safe because every event carries the full snapshot.
func send(ch chan job.StatusEvent, ev job.StatusEvent) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

// Subscribe attaches a consumer to a job's event feed. The current snapshot
// is always the first event delivered, so a subscriber joining after the
// terminal transition still observes exactly one done event. The returned
// cancel func is idempotent and must be called when the consumer goes away.
func (s *Store) Subscribe(id uuid.UUID) (<-chan job.StatusEvent, func(), error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, nil, common.ErrJobNotFound
	}

	ch := make(chan job.StatusEvent, subscriberBuffer)
	ev := j.Event()
	ch <- ev

	if ev.Done {
		close(ch)
		s.mu.Unlock()
		return ch, func() {}, nil
	}

	if s.subs[id] == nil {
		s.subs[id] = make(map[chan job.StatusEvent]struct{})
	}
	s.subs[id][ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			if set, ok := s.subs[id]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(s.subs, id)
				}
			}
			s.mu.Unlock()
		})
	}
	return ch, cancel, nil
}

// Len reports the number of tracked jobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// StartReaper periodically drops terminal jobs older than the retention
// window. Entries with attached subscribers are never reaped; the terminal
// broadcast detaches subscribers, so by the time a job is eligible nobody
// is still listening.
func (s *Store) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.reap(time.Now())
			}
		}
	}()
}

func (s *Store) reap(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, j := range s.jobs {
		if !j.Status.Terminal() {
			continue
		}
		if _, attached := s.subs[id]; attached {
			continue
		}
		if now.Sub(j.UpdatedAt) >= s.retention {
			delete(s.jobs, id)
			slog.Debug("reaped terminal job", "id", id, "status", j.Status)
		}
	}
}
