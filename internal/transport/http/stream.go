package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/avoronova/coursecraft/internal/job"
	"github.com/avoronova/coursecraft/internal/metrics"
)

// streamJob pushes a job's status events to the client as server-sent
// events. Non-terminal updates arrive as "update", the terminal snapshot as
// "finalize", followed by an explicit "close" marker; the server always
// ends the stream itself after the terminal event. Each subscriber gets an
// independent feed, and its store registration is released exactly once no
// matter which side closes first.
func (h *Handlers) streamJob(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}

	// Unknown job ids fail fast instead of holding an idle stream open.
	events, cancel, err := h.Jobs.Subscribe(id)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.StreamOpened()
	defer metrics.StreamClosed()

	for {
		select {
		case <-r.Context().Done():
			slog.Debug("stream client disconnected", "job_id", id)
			return
		case ev, open := <-events:
			if !open {
				// Terminal event already delivered; send the explicit
				// end-of-stream marker and stop.
				writeSSE(w, flusher, "close", []byte(`{}`))
				return
			}
			name := "update"
			if ev.Done {
				name = "finalize"
			}
			if err := writeEvent(w, flusher, name, ev); err != nil {
				slog.Debug("stream write failed", "job_id", id, "error", err)
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, name string, ev job.StatusEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return writeSSE(w, flusher, name, data)
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, name string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
