package aibridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"signoff/hub/internal/store"
)

type fakeJobStore struct {
	mu       sync.Mutex
	queue    []*store.Job
	finished map[string]string
	reasons  map[string]string
	swept    int
}

func newFakeJobStore(jobs ...*store.Job) *fakeJobStore {
	return &fakeJobStore{
		queue:    jobs,
		finished: make(map[string]string),
		reasons:  make(map[string]string),
	}
}

func (f *fakeJobStore) ClaimQueuedJob(context.Context) (*store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, nil
	}
	job := f.queue[0]
	f.queue = f.queue[1:]
	job.Status = store.JobRunning
	return job, nil
}

func (f *fakeJobStore) FinishJob(_ context.Context, jobID, status string, _ json.RawMessage, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished[jobID] = status
	f.reasons[jobID] = reason
	return nil
}

func (f *fakeJobStore) FailExpiredJobs(context.Context, int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swept++
	return 0, nil
}

func (f *fakeJobStore) statusOf(jobID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished[jobID]
}

type fakeDocs struct {
	content []byte
	err     error
}

func (f *fakeDocs) FetchVersion(context.Context, int64, int) ([]byte, error) {
	return f.content, f.err
}

type fakeAnalyzer struct {
	result json.RawMessage
	err    error
}

func (f *fakeAnalyzer) Analyze(context.Context, []byte) (json.RawMessage, error) {
	return f.result, f.err
}

func waitForStatus(t *testing.T, st *fakeJobStore, jobID, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for st.statusOf(jobID) != want {
		select {
		case <-deadline:
			t.Fatalf("job %s never reached %s, got %q", jobID, want, st.statusOf(jobID))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestWorkerRunsQueuedJobToSuccess(t *testing.T) {
	st := newFakeJobStore(&store.Job{ID: "job_1", JobKey: "document:12/version:3", DocumentID: 12, Version: 3})
	worker := NewWorker(st, &fakeDocs{content: []byte("contract text")}, &fakeAnalyzer{result: json.RawMessage(`{"score":0.9}`)}, Options{PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	waitForStatus(t, st, "job_1", store.JobSucceeded)
}

func TestWorkerFailsJobWhenDocumentMissing(t *testing.T) {
	st := newFakeJobStore(&store.Job{ID: "job_1", DocumentID: 12, Version: 3})
	worker := NewWorker(st, &fakeDocs{err: errors.New("no such object")}, &fakeAnalyzer{}, Options{PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	waitForStatus(t, st, "job_1", store.JobFailed)
	st.mu.Lock()
	reason := st.reasons["job_1"]
	st.mu.Unlock()
	if reason == "" {
		t.Error("failure should carry a reason")
	}
}

func TestWorkerFailsJobOnAnalyzerError(t *testing.T) {
	st := newFakeJobStore(&store.Job{ID: "job_1", DocumentID: 12, Version: 3})
	worker := NewWorker(st, &fakeDocs{content: []byte("x")}, &fakeAnalyzer{err: errors.New("model overloaded")}, Options{PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	waitForStatus(t, st, "job_1", store.JobFailed)
}

func TestWorkerDrainsTheWholeQueue(t *testing.T) {
	st := newFakeJobStore(
		&store.Job{ID: "job_1", DocumentID: 1, Version: 1},
		&store.Job{ID: "job_2", DocumentID: 2, Version: 1},
		&store.Job{ID: "job_3", DocumentID: 3, Version: 1},
	)
	worker := NewWorker(st, &fakeDocs{content: []byte("x")}, &fakeAnalyzer{result: json.RawMessage(`{}`)}, Options{PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	for _, id := range []string{"job_1", "job_2", "job_3"} {
		waitForStatus(t, st, id, store.JobSucceeded)
	}
}

func TestHTTPAnalyzerPostsContent(t *testing.T) {
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"summary":"looks fine"}`))
	}))
	defer server.Close()

	analyzer := &HTTPAnalyzer{URL: server.URL}
	result, err := analyzer.Analyze(context.Background(), []byte("contract text"))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if string(gotBody) != "contract text" {
		t.Errorf("unexpected request body %q", gotBody)
	}
	var verdict struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(result, &verdict); err != nil || verdict.Summary != "looks fine" {
		t.Errorf("unexpected result %s", result)
	}
}

func TestHTTPAnalyzerRejectsErrorsAndGarbage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("mode") == "garbage" {
			w.Write([]byte("not json"))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	analyzer := &HTTPAnalyzer{URL: server.URL}
	if _, err := analyzer.Analyze(context.Background(), nil); err == nil {
		t.Error("5xx should be an error")
	}

	analyzer.URL = server.URL + "?mode=garbage"
	if _, err := analyzer.Analyze(context.Background(), nil); err == nil {
		t.Error("non-JSON body should be an error")
	}
}
