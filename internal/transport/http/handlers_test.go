package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/avoronova/coursecraft/internal/job"
	"github.com/avoronova/coursecraft/internal/jobstore"
	"github.com/avoronova/coursecraft/internal/storage"
)

func newJobServer(t *testing.T, jobs *jobstore.Store) *httptest.Server {
	t.Helper()
	h := &Handlers{Jobs: jobs}
	r := chi.NewRouter()
	r.Get("/v1/jobs/{id}", h.getJob)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func getJobStatus(t *testing.T, srv *httptest.Server, id string) (int, map[string]json.RawMessage) {
	t.Helper()
	resp, err := http.Get(srv.URL + "/v1/jobs/" + id)
	if err != nil {
		t.Fatalf("GET job: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]json.RawMessage
	json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body
}

func TestGetJob_Snapshot(t *testing.T) {
	jobs := jobstore.New(time.Minute)
	srv := newJobServer(t, jobs)

	j := jobs.Create(job.KindGenerateQuestions, uuid.New(), uuid.New())

	code, body := getJobStatus(t, srv, j.ID.String())
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var status string
	json.Unmarshal(body["status"], &status)
	if status != string(job.StatusPending) {
		t.Fatalf("expected pending, got %s", status)
	}
	if _, ok := body["questions"]; ok {
		t.Fatalf("pending job must not expose questions")
	}

	jobs.SetProgress(j.ID, 42, "working")
	code, body = getJobStatus(t, srv, j.ID.String())
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var pct int
	json.Unmarshal(body["percentage"], &pct)
	if pct != 42 {
		t.Fatalf("expected percentage 42, got %d", pct)
	}

	jobs.Complete(j.ID, json.RawMessage(`[{"prompt":"q1"}]`))
	code, body = getJobStatus(t, srv, j.ID.String())
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	json.Unmarshal(body["status"], &status)
	if status != string(job.StatusCompleted) {
		t.Fatalf("expected completed, got %s", status)
	}
	if _, ok := body["questions"]; !ok {
		t.Fatalf("completed job must expose questions")
	}
}

func TestGetJob_FailedHidesResult(t *testing.T) {
	jobs := jobstore.New(time.Minute)
	srv := newJobServer(t, jobs)

	j := jobs.Create(job.KindPublishAssignment, uuid.New(), uuid.New())
	jobs.Fail(j.ID, "quota exceeded")

	code, body := getJobStatus(t, srv, j.ID.String())
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var progress string
	json.Unmarshal(body["progress"], &progress)
	if progress != "quota exceeded" {
		t.Fatalf("failure cause missing: %s", progress)
	}
	if _, ok := body["questions"]; ok {
		t.Fatalf("failed job must not expose questions")
	}
}

func TestServeFiles_StreamsThroughStorage(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir(), "http://localhost:8080/files")
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}

	content := "plain text attachment body"
	res, err := store.UploadFile(context.Background(), "notes.txt", strings.NewReader(content), "text/plain")
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}

	h := &Handlers{Storage: store}
	r := chi.NewRouter()
	r.Get("/files/*", h.serveFiles)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/files/" + res.Key)
	if err != nil {
		t.Fatalf("GET file: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("expected sniffed text/plain content type, got %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != content {
		t.Fatalf("unexpected body: %q", body)
	}

	resp, err = http.Get(srv.URL + "/files/2099/01/missing.txt")
	if err != nil {
		t.Fatalf("GET missing file: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown key, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/files/..%2Fescape")
	if err != nil {
		t.Fatalf("GET traversal path: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for traversal path, got %d", resp.StatusCode)
	}
}

func TestGetJob_Misses(t *testing.T) {
	srv := newJobServer(t, jobstore.New(time.Minute))

	if code, _ := getJobStatus(t, srv, uuid.NewString()); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", code)
	}
	if code, _ := getJobStatus(t, srv, "not-a-uuid"); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", code)
	}
}
