package store

import (
	"encoding/json"
	"time"
)

// Message is a persisted chat message. IDs are bigserial so the hub's
// permanent ids stay well below the client's wall-clock temporary ids.
type Message struct {
	ID         int64
	ChannelID  int64
	SenderID   int64
	SenderName string
	Assistant  bool
	Content    string
	SentAt     time.Time
}

// Task is a workflow task row as shown on the board.
type Task struct {
	ID                int64
	WorkflowID        int64
	Title             string
	Status            string
	RequiredRoleLevel int
	AssigneeID        *int64
	UpdatedAt         time.Time
}

// Job statuses as stored. The client poller treats SUCCEEDED and FAILED as
// terminal; QUEUED and RUNNING keep it polling.
const (
	JobQueued    = "QUEUED"
	JobRunning   = "RUNNING"
	JobSucceeded = "SUCCEEDED"
	JobFailed    = "FAILED"
	JobCancelled = "CANCELLED"
)

// Job is one AI analysis run over a document version.
type Job struct {
	ID         string
	JobKey     string
	DocumentID int64
	Version    int
	Status     string
	Result     json.RawMessage
	Reason     string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}
