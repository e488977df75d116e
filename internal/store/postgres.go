package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrConflict is returned when a guarded update finds the row no longer in
// the expected state (someone else claimed or decided the task first).
var ErrConflict = errors.New("row changed since it was read")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertMessage persists a chat message and returns it with its permanent id
// and server timestamp filled in.
func (s *PostgresStore) InsertMessage(ctx context.Context, m Message) (Message, error) {
	const q = `
		INSERT INTO chat_messages (channel_id, sender_id, sender_name, assistant, content)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, sent_at
	`
	err := s.db.QueryRowContext(ctx, q, m.ChannelID, m.SenderID, m.SenderName, m.Assistant, m.Content).
		Scan(&m.ID, &m.SentAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// ListChannelMessages returns the most recent messages for a channel in
// ascending send order.
func (s *PostgresStore) ListChannelMessages(ctx context.Context, channelID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
		SELECT id, channel_id, sender_id, sender_name, assistant, content, sent_at
		FROM (
			SELECT id, channel_id, sender_id, sender_name, assistant, content, sent_at
			FROM chat_messages
			WHERE channel_id = $1
			ORDER BY id DESC
			LIMIT $2
		) recent
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, q, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var items []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.SenderName, &m.Assistant, &m.Content, &m.SentAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ListWorkflowTasks(ctx context.Context, workflowID int64) ([]Task, error) {
	const q = `
		SELECT id, workflow_id, title, status, required_role_level, assignee_id, updated_at
		FROM tasks
		WHERE workflow_id = $1
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, q, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var items []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.WorkflowID, &t.Title, &t.Status, &t.RequiredRoleLevel, &t.AssigneeID, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID int64) (Task, error) {
	const q = `
		SELECT id, workflow_id, title, status, required_role_level, assignee_id, updated_at
		FROM tasks
		WHERE id = $1
	`
	var t Task
	err := s.db.QueryRowContext(ctx, q, taskID).
		Scan(&t.ID, &t.WorkflowID, &t.Title, &t.Status, &t.RequiredRoleLevel, &t.AssigneeID, &t.UpdatedAt)
	if err != nil {
		return Task{}, err
	}
	return t, nil
}

// TransitionTask moves a task from fromStatus to toStatus, optionally setting
// the assignee (a claim). The status guard makes the transition atomic:
// ErrConflict means a concurrent actor won.
func (s *PostgresStore) TransitionTask(ctx context.Context, taskID int64, fromStatus, toStatus string, assigneeID *int64) (Task, error) {
	const q = `
		UPDATE tasks
		SET status = $3, assignee_id = COALESCE($4, assignee_id), updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING id, workflow_id, title, status, required_role_level, assignee_id, updated_at
	`
	var t Task
	err := s.db.QueryRowContext(ctx, q, taskID, fromStatus, toStatus, assigneeID).
		Scan(&t.ID, &t.WorkflowID, &t.Title, &t.Status, &t.RequiredRoleLevel, &t.AssigneeID, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrConflict
	}
	if err != nil {
		return Task{}, fmt.Errorf("transition task: %w", err)
	}
	return t, nil
}

// CancelActiveJobs supersedes any queued or running job for the same job key
// and returns how many rows it cancelled.
func (s *PostgresStore) CancelActiveJobs(ctx context.Context, jobKey string) (int64, error) {
	const q = `
		UPDATE analysis_jobs
		SET status = $2, reason = 'superseded by a newer run', finished_at = NOW()
		WHERE job_key = $1 AND status IN ($3, $4)
	`
	res, err := s.db.ExecContext(ctx, q, jobKey, JobCancelled, JobQueued, JobRunning)
	if err != nil {
		return 0, fmt.Errorf("cancel active jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *PostgresStore) InsertJob(ctx context.Context, job Job) error {
	const q = `
		INSERT INTO analysis_jobs (id, job_key, document_id, version, status)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.db.ExecContext(ctx, q, job.ID, job.JobKey, job.DocumentID, job.Version, JobQueued); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (Job, error) {
	const q = `
		SELECT id, job_key, document_id, version, status, result, COALESCE(reason, ''),
		       created_at, started_at, finished_at
		FROM analysis_jobs
		WHERE id = $1
	`
	var job Job
	var result []byte
	err := s.db.QueryRowContext(ctx, q, jobID).
		Scan(&job.ID, &job.JobKey, &job.DocumentID, &job.Version, &job.Status, &result,
			&job.Reason, &job.CreatedAt, &job.StartedAt, &job.FinishedAt)
	if err != nil {
		return Job{}, err
	}
	if len(result) > 0 {
		job.Result = json.RawMessage(result)
	}
	return job, nil
}

// ClaimQueuedJob atomically takes the oldest queued job and marks it RUNNING.
// Returns nil when the queue is empty. SKIP LOCKED keeps multiple bridge
// workers from claiming the same row.
func (s *PostgresStore) ClaimQueuedJob(ctx context.Context) (*Job, error) {
	const q = `
		UPDATE analysis_jobs
		SET status = $1, started_at = NOW()
		WHERE id = (
			SELECT id FROM analysis_jobs
			WHERE status = $2
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, job_key, document_id, version, status, created_at, started_at
	`
	var job Job
	err := s.db.QueryRowContext(ctx, q, JobRunning, JobQueued).
		Scan(&job.ID, &job.JobKey, &job.DocumentID, &job.Version, &job.Status, &job.CreatedAt, &job.StartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim queued job: %w", err)
	}
	return &job, nil
}

// FinishJob records a terminal status. The RUNNING guard keeps a slow worker
// from overwriting a job that was cancelled underneath it.
func (s *PostgresStore) FinishJob(ctx context.Context, jobID, status string, result json.RawMessage, reason string) error {
	const q = `
		UPDATE analysis_jobs
		SET status = $2, result = $3, reason = NULLIF($4, ''), finished_at = NOW()
		WHERE id = $1 AND status = $5
	`
	res, err := s.db.ExecContext(ctx, q, jobID, status, []byte(result), reason, JobRunning)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// FailExpiredJobs fails every RUNNING job that started more than maxAge ago.
func (s *PostgresStore) FailExpiredJobs(ctx context.Context, maxAgeSeconds int) (int64, error) {
	const q = `
		UPDATE analysis_jobs
		SET status = $1, reason = 'analysis deadline exceeded', finished_at = NOW()
		WHERE status = $2 AND started_at < NOW() - make_interval(secs => $3)
	`
	res, err := s.db.ExecContext(ctx, q, JobFailed, JobRunning, maxAgeSeconds)
	if err != nil {
		return 0, fmt.Errorf("fail expired jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
