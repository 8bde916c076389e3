package jobstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// sseServer serves a fixed sequence of frames on the job stream path and
// then closes the connection. Each frame is "event\n\tdata".
func sseServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/stream") {
			http.NotFound(w, r)
			return
		}
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for _, f := range frames {
			name, data, _ := strings.Cut(f, "\t")
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSubscribe_SuccessDeliversProgressAndResult(t *testing.T) {
	srv := sseServer(t, []string{
		`update	{"status":"in_progress","progress":"step 1","percentage":30,"done":false}`,
		`update	{"status":"in_progress","progress":"step 2","percentage":70,"done":false}`,
		`finalize	{"status":"completed","progress":"done","percentage":100,"result":[{"prompt":"q1"}],"done":true}`,
		`close	{}`,
	})

	var progress []int
	var results []string
	out, err := Subscribe(context.Background(), srv.URL, "job-1", Options{
		OnProgress: func(pct int, msg string) { progress = append(progress, pct) },
		OnResult:   func(result json.RawMessage) { results = append(results, string(result)) },
	})
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	if !out.Success || out.Status != "completed" || out.Percentage != 100 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if !strings.Contains(string(out.Result), "q1") {
		t.Fatalf("outcome missing result payload: %s", out.Result)
	}
	if len(progress) != 2 || progress[0] != 30 || progress[1] != 70 {
		t.Fatalf("unexpected progress sequence: %v", progress)
	}
	if len(results) != 1 || !strings.Contains(results[0], "q1") {
		t.Fatalf("expected exactly one result callback, got %v", results)
	}
}

func TestSubscribe_FailedJobIsNotATransportError(t *testing.T) {
	srv := sseServer(t, []string{
		`finalize	{"status":"failed","progress":"quota exceeded","percentage":40,"done":true}`,
		`close	{}`,
	})

	out, err := Subscribe(context.Background(), srv.URL, "job-1", Options{})
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	if out.Success {
		t.Fatalf("failed job reported as success: %+v", out)
	}
	if out.Status != "failed" || out.Progress != "quota exceeded" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestSubscribe_EventsAfterFinalizeIgnored(t *testing.T) {
	srv := sseServer(t, []string{
		`finalize	{"status":"completed","percentage":100,"done":true}`,
		`update	{"status":"in_progress","progress":"ghost","percentage":10,"done":false}`,
	})

	var progress []int
	out, err := Subscribe(context.Background(), srv.URL, "job-1", Options{
		OnProgress: func(pct int, msg string) { progress = append(progress, pct) },
	})
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	if !out.Success {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(progress) != 0 {
		t.Fatalf("callbacks fired after settlement: %v", progress)
	}
}

func TestSubscribe_MalformedFinalizeStillSettles(t *testing.T) {
	srv := sseServer(t, []string{
		`update	{"status":"in_progress","percentage":10,"done":false}`,
		`finalize	{not json`,
	})

	done := make(chan struct{})
	var err error
	go func() {
		_, err = Subscribe(context.Background(), srv.URL, "job-1", Options{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Subscribe hung on malformed terminal event")
	}
	if err == nil || !strings.Contains(err.Error(), "malformed terminal event") {
		t.Fatalf("expected malformed terminal error, got %v", err)
	}
}

func TestSubscribe_StreamClosedBeforeTerminal(t *testing.T) {
	srv := sseServer(t, []string{
		`update	{"status":"in_progress","percentage":10,"done":false}`,
	})

	_, err := Subscribe(context.Background(), srv.URL, "job-1", Options{})
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
}

func TestSubscribe_CloseWithoutFinalize(t *testing.T) {
	srv := sseServer(t, []string{
		`update	{"status":"in_progress","percentage":10,"done":false}`,
		`close	{}`,
	})

	_, err := Subscribe(context.Background(), srv.URL, "job-1", Options{})
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
}

func TestSubscribe_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := Subscribe(context.Background(), srv.URL, "missing", Options{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubscribe_BadHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := Subscribe(context.Background(), srv.URL, "job-1", Options{})
	if !errors.Is(err, ErrBadHandshake) {
		t.Fatalf("expected ErrBadHandshake, got %v", err)
	}
}

func TestSubscribe_ConnectTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	start := time.Now()
	_, err := Subscribe(context.Background(), srv.URL, "job-1", Options{
		ConnectTimeout: 100 * time.Millisecond,
	})
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("expected ErrConnectTimeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("connect timeout did not cut the request short")
	}
}

func TestSubscribe_ProcessingTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: update\ndata: {\"status\":\"in_progress\",\"percentage\":5,\"done\":false}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	_, err := Subscribe(context.Background(), srv.URL, "job-1", Options{
		ProcessingTimeout: 100 * time.Millisecond,
	})
	if !errors.Is(err, ErrProcessingTimeout) {
		t.Fatalf("expected ErrProcessingTimeout, got %v", err)
	}
}

func TestSettle_CleanupRunsOnceAcrossOverlappingTriggers(t *testing.T) {
	var releases atomic.Int32
	s := newSubscription(func() { releases.Add(1) })

	// A terminal event, a caller cancellation and a timeout all racing to
	// settle; exactly one wins and the stream is torn down exactly once.
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				s.settle(Outcome{Success: true, Status: "completed"}, nil)
			case 1:
				s.settle(Outcome{}, context.Canceled)
			default:
				s.settle(Outcome{}, ErrProcessingTimeout)
			}
		}(i)
	}
	wg.Wait()

	// The reader goroutine's own teardown path runs after settlement too.
	s.release()
	s.release()

	if got := releases.Load(); got != 1 {
		t.Fatalf("cleanup ran %d times, want exactly once", got)
	}
	select {
	case <-s.done:
	default:
		t.Fatalf("done channel not closed after settlement")
	}
}

func TestSubscribe_CancelAfterCompletionKeepsOutcome(t *testing.T) {
	srv := sseServer(t, []string{
		`finalize	{"status":"completed","percentage":100,"result":[{"prompt":"q1"}],"done":true}`,
		`close	{}`,
	})

	ctx, cancel := context.WithCancel(context.Background())
	out, err := Subscribe(ctx, srv.URL, "job-1", Options{})
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	// Cancellation arriving after the natural completion must not disturb
	// the settled outcome or double-release anything.
	cancel()
	cancel()

	if !out.Success || out.Status != "completed" {
		t.Fatalf("outcome disturbed by late cancellation: %+v", out)
	}
	if !strings.Contains(string(out.Result), "q1") {
		t.Fatalf("result lost: %s", out.Result)
	}
}

func TestSubscribe_ContextCancelSettlesOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: update\ndata: {\"status\":\"in_progress\",\"percentage\":5,\"done\":false}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	sawProgress := make(chan struct{}, 1)
	var afterCancel int

	out := make(chan error, 1)
	go func() {
		_, err := Subscribe(ctx, srv.URL, "job-1", Options{
			OnProgress: func(pct int, msg string) {
				mu.Lock()
				defer mu.Unlock()
				select {
				case sawProgress <- struct{}{}:
				default:
					afterCancel++
				}
			},
		})
		out <- err
	}()

	select {
	case <-sawProgress:
	case <-time.After(2 * time.Second):
		t.Fatalf("never saw first progress event")
	}
	cancel()
	cancel() // canceling again must be harmless

	select {
	case err := <-out:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Subscribe did not return after cancellation")
	}
	mu.Lock()
	defer mu.Unlock()
	if afterCancel != 0 {
		t.Fatalf("callbacks fired after cancellation: %d", afterCancel)
	}
}
