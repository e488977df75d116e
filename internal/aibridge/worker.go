// Package aibridge executes queued analysis jobs: it pulls the document
// version from object storage, runs it through the external AI service, and
// records the outcome.
package aibridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"signoff/hub/internal/store"
)

// jobStore is the slice of the persistence layer the worker needs.
type jobStore interface {
	ClaimQueuedJob(ctx context.Context) (*store.Job, error)
	FinishJob(ctx context.Context, jobID, status string, result json.RawMessage, reason string) error
	FailExpiredJobs(ctx context.Context, maxAgeSeconds int) (int64, error)
}

// documentSource hands out document version content. *docstore.Store
// satisfies it.
type documentSource interface {
	FetchVersion(ctx context.Context, documentID int64, version int) ([]byte, error)
}

// Analyzer runs the actual analysis.
type Analyzer interface {
	Analyze(ctx context.Context, content []byte) (json.RawMessage, error)
}

// HTTPAnalyzer posts document content to the AI service and returns its JSON
// verdict.
type HTTPAnalyzer struct {
	URL    string
	Client *http.Client
}

func (a *HTTPAnalyzer) Analyze(ctx context.Context, content []byte) (json.RawMessage, error) {
	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("build analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call ai service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read ai response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("ai service returned %d", resp.StatusCode)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("ai service returned non-JSON body")
	}
	return json.RawMessage(body), nil
}

// Options tunes the worker loop.
type Options struct {
	PollInterval time.Duration // how often to look for queued jobs
	JobDeadline  time.Duration // RUNNING jobs older than this are failed
}

// Worker drains the analysis job queue. Multiple workers may run against the
// same database; the claim query hands each job to exactly one of them.
type Worker struct {
	store    jobStore
	docs     documentSource
	analyzer Analyzer
	interval time.Duration
	deadline time.Duration
}

func NewWorker(store jobStore, docs documentSource, analyzer Analyzer, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.JobDeadline <= 0 {
		opts.JobDeadline = 5 * time.Minute
	}
	return &Worker{
		store:    store,
		docs:     docs,
		analyzer: analyzer,
		interval: opts.PollInterval,
		deadline: opts.JobDeadline,
	}
}

// Run processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
			// Drain everything that is queued before sleeping again.
			for w.processOne(ctx) {
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	n, err := w.store.FailExpiredJobs(ctx, int(w.deadline.Seconds()))
	if err != nil {
		log.Printf("aibridge: expiry sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("aibridge: failed %d jobs past the deadline", n)
	}
}

// processOne claims and runs a single job. It reports whether a job was
// found, so the caller knows to keep draining.
func (w *Worker) processOne(ctx context.Context) bool {
	job, err := w.store.ClaimQueuedJob(ctx)
	if err != nil {
		log.Printf("aibridge: claim failed: %v", err)
		return false
	}
	if job == nil {
		return false
	}

	log.Printf("aibridge: running job %s (%s)", job.ID, job.JobKey)
	jobCtx, cancel := context.WithTimeout(ctx, w.deadline)
	result, err := w.execute(jobCtx, job)
	cancel()

	if err != nil {
		w.finish(ctx, job.ID, store.JobFailed, nil, err.Error())
		return true
	}
	w.finish(ctx, job.ID, store.JobSucceeded, result, "")
	return true
}

func (w *Worker) execute(ctx context.Context, job *store.Job) (json.RawMessage, error) {
	content, err := w.docs.FetchVersion(ctx, job.DocumentID, job.Version)
	if err != nil {
		return nil, fmt.Errorf("fetch document %d v%d: %w", job.DocumentID, job.Version, err)
	}
	return w.analyzer.Analyze(ctx, content)
}

func (w *Worker) finish(ctx context.Context, jobID, status string, result json.RawMessage, reason string) {
	if err := w.store.FinishJob(ctx, jobID, status, result, reason); err != nil {
		// ErrConflict means the job was cancelled underneath us; that
		// outcome stands.
		log.Printf("aibridge: finish job %s as %s: %v", jobID, status, err)
	}
}
