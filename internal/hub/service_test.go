package hub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"signoff/hub/internal/protocol"
	"signoff/hub/internal/store"
)

type fakeStore struct {
	insertMessageFn       func(context.Context, store.Message) (store.Message, error)
	listChannelMessagesFn func(context.Context, int64, int) ([]store.Message, error)
	listWorkflowTasksFn   func(context.Context, int64) ([]store.Task, error)
	getTaskFn             func(context.Context, int64) (store.Task, error)
	transitionTaskFn      func(context.Context, int64, string, string, *int64) (store.Task, error)
	cancelActiveJobsFn    func(context.Context, string) (int64, error)
	insertJobFn           func(context.Context, store.Job) error
	getJobFn              func(context.Context, string) (store.Job, error)
}

func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) InsertMessage(ctx context.Context, m store.Message) (store.Message, error) {
	if f.insertMessageFn != nil {
		return f.insertMessageFn(ctx, m)
	}
	m.ID = 1
	m.SentAt = time.Now()
	return m, nil
}
func (f *fakeStore) ListChannelMessages(ctx context.Context, channelID int64, limit int) ([]store.Message, error) {
	if f.listChannelMessagesFn != nil {
		return f.listChannelMessagesFn(ctx, channelID, limit)
	}
	return nil, nil
}
func (f *fakeStore) ListWorkflowTasks(ctx context.Context, workflowID int64) ([]store.Task, error) {
	if f.listWorkflowTasksFn != nil {
		return f.listWorkflowTasksFn(ctx, workflowID)
	}
	return nil, nil
}
func (f *fakeStore) GetTask(ctx context.Context, taskID int64) (store.Task, error) {
	if f.getTaskFn != nil {
		return f.getTaskFn(ctx, taskID)
	}
	return store.Task{}, sql.ErrNoRows
}
func (f *fakeStore) TransitionTask(ctx context.Context, taskID int64, fromStatus, toStatus string, assigneeID *int64) (store.Task, error) {
	if f.transitionTaskFn != nil {
		return f.transitionTaskFn(ctx, taskID, fromStatus, toStatus, assigneeID)
	}
	return store.Task{ID: taskID, Status: toStatus, AssigneeID: assigneeID}, nil
}
func (f *fakeStore) CancelActiveJobs(ctx context.Context, jobKey string) (int64, error) {
	if f.cancelActiveJobsFn != nil {
		return f.cancelActiveJobsFn(ctx, jobKey)
	}
	return 0, nil
}
func (f *fakeStore) InsertJob(ctx context.Context, job store.Job) error {
	if f.insertJobFn != nil {
		return f.insertJobFn(ctx, job)
	}
	return nil
}
func (f *fakeStore) GetJob(ctx context.Context, jobID string) (store.Job, error) {
	if f.getJobFn != nil {
		return f.getJobFn(ctx, jobID)
	}
	return store.Job{}, sql.ErrNoRows
}

type fakePublisher struct {
	frames []protocol.Frame
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, frame protocol.Frame) error {
	p.frames = append(p.frames, frame)
	return p.err
}

func int64Ptr(v int64) *int64 { return &v }

func TestPublishChatPersistsThenBroadcasts(t *testing.T) {
	events := &fakePublisher{}
	svc := NewService(&fakeStore{
		insertMessageFn: func(_ context.Context, m store.Message) (store.Message, error) {
			m.ID = 42
			m.SentAt = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
			return m, nil
		},
	}, events)

	out, err := svc.PublishChat(context.Background(), protocol.ChatMessage{
		ChannelID: 5, SenderID: 7, SenderName: "dana", Content: "approve the draft",
	})
	if err != nil {
		t.Fatalf("PublishChat failed: %v", err)
	}
	if out.ID != 42 {
		t.Errorf("expected permanent id 42, got %d", out.ID)
	}
	if len(events.frames) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(events.frames))
	}
	frame := events.frames[0]
	if frame.Topic != "chat:5" || frame.Event != protocol.EventChatMessage {
		t.Errorf("unexpected frame: topic=%s event=%s", frame.Topic, frame.Event)
	}
	var msg protocol.ChatMessage
	if err := json.Unmarshal(frame.Payload, &msg); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if msg.ID != 42 || msg.Content != "approve the draft" {
		t.Errorf("unexpected payload: %+v", msg)
	}
}

func TestPublishChatRejectsEmptyContent(t *testing.T) {
	svc := NewService(&fakeStore{}, &fakePublisher{})

	_, err := svc.PublishChat(context.Background(), protocol.ChatMessage{ChannelID: 5, Content: "   "})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "EMPTY_MESSAGE" {
		t.Errorf("expected EMPTY_MESSAGE, got %v", err)
	}
}

func TestPublishChatSurvivesBroadcastFailure(t *testing.T) {
	events := &fakePublisher{err: errors.New("redis down")}
	svc := NewService(&fakeStore{}, events)

	out, err := svc.PublishChat(context.Background(), protocol.ChatMessage{ChannelID: 5, SenderID: 7, Content: "hi"})
	if err != nil {
		t.Fatalf("a failed broadcast must not fail the send: %v", err)
	}
	if out.ID == 0 {
		t.Error("message should still be persisted")
	}
}

func TestTransitionClaimAssignsActor(t *testing.T) {
	events := &fakePublisher{}
	var gotAssignee *int64
	svc := NewService(&fakeStore{
		getTaskFn: func(context.Context, int64) (store.Task, error) {
			return store.Task{ID: 11, WorkflowID: 3, Title: "Legal review", Status: "PENDING", RequiredRoleLevel: 60}, nil
		},
		transitionTaskFn: func(_ context.Context, taskID int64, from, to string, assignee *int64) (store.Task, error) {
			gotAssignee = assignee
			return store.Task{ID: taskID, WorkflowID: 3, Title: "Legal review", Status: to, AssigneeID: assignee}, nil
		},
	}, events)

	task, err := svc.TransitionTask(context.Background(), 11, Actor{UserID: 7, RoleLevel: 60}, "IN_PROGRESS")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if task.Status != "IN_PROGRESS" {
		t.Errorf("expected IN_PROGRESS, got %s", task.Status)
	}
	if gotAssignee == nil || *gotAssignee != 7 {
		t.Errorf("claim should assign the actor, got %v", gotAssignee)
	}
	if len(events.frames) == 0 || events.frames[0].Topic != "workflow:3" || events.frames[0].Event != protocol.EventTaskUpdated {
		t.Errorf("expected task.updated on workflow:3, got %+v", events.frames)
	}
}

func TestTransitionDeniedForWrongRoleLevel(t *testing.T) {
	svc := NewService(&fakeStore{
		getTaskFn: func(context.Context, int64) (store.Task, error) {
			return store.Task{ID: 11, Status: "PENDING", RequiredRoleLevel: 60}, nil
		},
	}, &fakePublisher{})

	for _, level := range []int{50, 90} {
		_, err := svc.TransitionTask(context.Background(), 11, Actor{UserID: 7, RoleLevel: level}, "IN_PROGRESS")
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "TRANSITION_DENIED" {
			t.Errorf("role level %d: expected TRANSITION_DENIED, got %v", level, err)
		}
	}
}

func TestTransitionDecisionRequiresAssignee(t *testing.T) {
	svc := NewService(&fakeStore{
		getTaskFn: func(context.Context, int64) (store.Task, error) {
			return store.Task{ID: 11, Status: "IN_PROGRESS", RequiredRoleLevel: 60, AssigneeID: int64Ptr(7)}, nil
		},
	}, &fakePublisher{})

	if _, err := svc.TransitionTask(context.Background(), 11, Actor{UserID: 9, RoleLevel: 60}, "APPROVED"); err == nil {
		t.Error("a non-assignee must not decide the task")
	}
	if _, err := svc.TransitionTask(context.Background(), 11, Actor{UserID: 7, RoleLevel: 60}, "APPROVED"); err != nil {
		t.Errorf("assignee approval failed: %v", err)
	}
}

func TestTransitionConflictSurfacesAs409(t *testing.T) {
	svc := NewService(&fakeStore{
		getTaskFn: func(context.Context, int64) (store.Task, error) {
			return store.Task{ID: 11, Status: "PENDING", RequiredRoleLevel: 60}, nil
		},
		transitionTaskFn: func(context.Context, int64, string, string, *int64) (store.Task, error) {
			return store.Task{}, store.ErrConflict
		},
	}, &fakePublisher{})

	_, err := svc.TransitionTask(context.Background(), 11, Actor{UserID: 7, RoleLevel: 60}, "IN_PROGRESS")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 409 {
		t.Errorf("expected 409 conflict, got %v", err)
	}
}

func TestNoSelfNotificationOnOwnMove(t *testing.T) {
	events := &fakePublisher{}
	svc := NewService(&fakeStore{
		getTaskFn: func(context.Context, int64) (store.Task, error) {
			return store.Task{ID: 11, WorkflowID: 3, Status: "IN_PROGRESS", AssigneeID: int64Ptr(7)}, nil
		},
		transitionTaskFn: func(_ context.Context, taskID int64, _, to string, _ *int64) (store.Task, error) {
			return store.Task{ID: taskID, WorkflowID: 3, Title: "Legal review", Status: to, AssigneeID: int64Ptr(7)}, nil
		},
	}, events)

	// The assignee approves their own task: a workflow event goes out but no
	// self-notification.
	if _, err := svc.TransitionTask(context.Background(), 11, Actor{UserID: 7, RoleLevel: 60}, "APPROVED"); err != nil {
		t.Fatalf("approval failed: %v", err)
	}
	for _, frame := range events.frames {
		if frame.Event == protocol.EventNotification {
			t.Errorf("actor should not be notified about their own move: %+v", frame)
		}
	}
}

func TestStartAnalysisSupersedesAndQueues(t *testing.T) {
	var cancelledKey string
	var inserted store.Job
	svc := NewService(&fakeStore{
		cancelActiveJobsFn: func(_ context.Context, jobKey string) (int64, error) {
			cancelledKey = jobKey
			return 1, nil
		},
		insertJobFn: func(_ context.Context, job store.Job) error {
			inserted = job
			return nil
		},
	}, &fakePublisher{})

	job, err := svc.StartAnalysis(context.Background(), 12, 3)
	if err != nil {
		t.Fatalf("StartAnalysis failed: %v", err)
	}
	if cancelledKey != "document:12/version:3" {
		t.Errorf("active jobs for the key should be superseded first, got %q", cancelledKey)
	}
	if inserted.JobKey != "document:12/version:3" || inserted.Status != store.JobQueued {
		t.Errorf("unexpected queued job: %+v", inserted)
	}
	if !strings.HasPrefix(job.ID, "job_") {
		t.Errorf("job id should carry the job prefix, got %q", job.ID)
	}
}

func TestStartAnalysisValidatesTarget(t *testing.T) {
	svc := NewService(&fakeStore{}, &fakePublisher{})
	if _, err := svc.StartAnalysis(context.Background(), 0, 1); err == nil {
		t.Error("document id 0 should be rejected")
	}
	if _, err := svc.StartAnalysis(context.Background(), 1, 0); err == nil {
		t.Error("version 0 should be rejected")
	}
}
