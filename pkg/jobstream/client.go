// Package jobstream consumes the server's job status stream. A Subscribe
// call settles exactly once no matter how many events, timeouts or
// cancellations race against each other.
package jobstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound          = errors.New("jobstream: job not found")
	ErrBadHandshake      = errors.New("jobstream: unexpected handshake response")
	ErrConnectTimeout    = errors.New("jobstream: connection timeout")
	ErrProcessingTimeout = errors.New("jobstream: processing timeout")
	ErrStreamClosed      = errors.New("jobstream: stream closed before terminal event")
)

const (
	DefaultConnectTimeout    = 30 * time.Second
	DefaultProcessingTimeout = 300 * time.Second
)

// StatusEvent mirrors the wire shape of one stream event.
type StatusEvent struct {
	Status     string          `json:"status"`
	Progress   string          `json:"progress,omitempty"`
	Percentage int             `json:"percentage"`
	Result     json.RawMessage `json:"result,omitempty"`
	Done       bool            `json:"done"`
}

// Outcome is the terminal result of a subscription. Success is false when
// the job itself failed; transport-level problems surface as errors from
// Subscribe instead.
type Outcome struct {
	Success    bool
	Status     string
	Progress   string
	Percentage int
	Result     json.RawMessage
}

type Options struct {
	// OnProgress fires for every non-terminal event, before any further
	// processing of the stream.
	OnProgress func(pct int, msg string)
	// OnResult fires for every event carrying a result payload, including
	// partial payloads ahead of the terminal event.
	OnResult func(result json.RawMessage)

	ConnectTimeout    time.Duration
	ProcessingTimeout time.Duration
	HTTPClient        *http.Client
	// Token, when set, is sent as a bearer Authorization header.
	Token string
}

// Subscribe opens the status stream for jobID and blocks until the job
// reaches a terminal state, a timeout fires, the transport breaks, or ctx
// is canceled. Canceling ctx deterministically closes the stream and
// guarantees no further callback invocations.
func Subscribe(ctx context.Context, baseURL, jobID string, opts Options) (Outcome, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ProcessingTimeout <= 0 {
		opts.ProcessingTimeout = DefaultProcessingTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	reqCtx, cancelReq := context.WithCancel(ctx)
	sub := newSubscription(cancelReq)

	// Caller-initiated cancellation is just another settlement path; the
	// first settler wins and the rest are no-ops.
	go func() {
		select {
		case <-ctx.Done():
			sub.settle(Outcome{}, ctx.Err())
		case <-sub.done:
		}
	}()

	go sub.run(reqCtx, client, baseURL, jobID, opts)

	<-sub.done
	return sub.outcome, sub.err
}

type subscription struct {
	mu      sync.Mutex
	settled bool
	outcome Outcome
	err     error
	done    chan struct{}

	cleanup     func()
	cleanupOnce sync.Once
}

func newSubscription(cleanup func()) *subscription {
	return &subscription{
		done:    make(chan struct{}),
		cleanup: cleanup,
	}
}

// settle records the outcome exactly once. Later calls are no-ops, so a
// terminal event, a timeout and a cancellation can race freely.
func (s *subscription) settle(o Outcome, err error) bool {
	s.mu.Lock()
	if s.settled {
		s.mu.Unlock()
		return false
	}
	s.settled = true
	s.outcome = o
	s.err = err
	s.mu.Unlock()

	s.release()
	close(s.done)
	return true
}

// release closes the underlying stream; it runs exactly once per
// subscription regardless of which party triggers it.
func (s *subscription) release() {
	s.cleanupOnce.Do(s.cleanup)
}

// invoke runs a callback only if the subscription is still live. The lock
// is held across the callback so a settlement can never interleave with a
// running callback.
func (s *subscription) invoke(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settled {
		return
	}
	fn()
}

func (s *subscription) isSettled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settled
}

func (s *subscription) run(ctx context.Context, client *http.Client, baseURL, jobID string, opts Options) {
	url := fmt.Sprintf("%s/v1/jobs/%s/stream", strings.TrimRight(baseURL, "/"), jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		s.settle(Outcome{}, fmt.Errorf("jobstream: build request: %w", err))
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	if opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.Token)
	}

	// The connect timer guards the handshake only; firing it cancels the
	// in-flight request via the cleanup func.
	connectTimer := time.AfterFunc(opts.ConnectTimeout, func() {
		s.settle(Outcome{}, ErrConnectTimeout)
	})

	resp, err := client.Do(req)
	if err != nil {
		connectTimer.Stop()
		if !s.isSettled() {
			s.settle(Outcome{}, fmt.Errorf("jobstream: connect: %w", err))
		}
		return
	}
	defer resp.Body.Close()

	if !connectTimer.Stop() {
		// Timer already fired and settled; nothing more to do.
		return
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		s.settle(Outcome{}, ErrNotFound)
		return
	case resp.StatusCode != http.StatusOK:
		s.settle(Outcome{}, fmt.Errorf("%w: status %d", ErrBadHandshake, resp.StatusCode))
		return
	}

	// Handshake done; from here the processing timeout bounds a job that
	// never terminates.
	processTimer := time.AfterFunc(opts.ProcessingTimeout, func() {
		s.settle(Outcome{}, ErrProcessingTimeout)
	})
	defer processTimer.Stop()

	s.consume(resp.Body, opts)
}

func (s *subscription) consume(body io.Reader, opts Options) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var eventName string
	var data bytes.Buffer

	flush := func() bool {
		defer func() {
			eventName = ""
			data.Reset()
		}()
		if eventName == "" && data.Len() == 0 {
			return true
		}
		return s.dispatch(eventName, data.Bytes(), opts)
	}

scan:
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !flush() {
				break scan
			}
		case strings.HasPrefix(line, ":"):
			// comment/heartbeat
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	// Stream ended. A clean close only happens after settlement; anything
	// else is a broken transport.
	if !s.isSettled() {
		s.settle(Outcome{}, ErrStreamClosed)
	}
}

// dispatch handles one complete stream event. Returns false once the
// subscription is settled and reading should stop.
func (s *subscription) dispatch(name string, data []byte, opts Options) bool {
	if s.isSettled() {
		return false
	}

	switch name {
	case "update":
		var ev StatusEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			// An isolated malformed update is not fatal.
			return true
		}
		s.invoke(func() {
			if opts.OnProgress != nil {
				opts.OnProgress(ev.Percentage, ev.Progress)
			}
			if opts.OnResult != nil && len(ev.Result) > 0 {
				opts.OnResult(ev.Result)
			}
		})
		return true

	case "finalize":
		var ev StatusEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			// A malformed terminal event must still settle the call.
			s.settle(Outcome{}, fmt.Errorf("jobstream: malformed terminal event: %w", err))
			return false
		}
		s.invoke(func() {
			if opts.OnResult != nil && len(ev.Result) > 0 {
				opts.OnResult(ev.Result)
			}
		})
		s.settle(Outcome{
			Success:    ev.Status == "completed",
			Status:     ev.Status,
			Progress:   ev.Progress,
			Percentage: ev.Percentage,
			Result:     ev.Result,
		}, nil)
		return false

	case "close":
		// Explicit end-of-stream marker; finalize already settled us.
		return false

	default:
		return true
	}
}
