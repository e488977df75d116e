// Package hub is the server side of the sync layer: it persists chat and
// task state, enforces transition rules, and broadcasts events to every
// connected client through the Redis bridge.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"signoff/hub/internal/protocol"
	"signoff/hub/internal/store"
	"signoff/hub/internal/taskboard"
	"signoff/hub/internal/util"
)

// dataStore is the persistence surface the service needs. *store.PostgresStore
// satisfies it; tests swap in a fake.
type dataStore interface {
	Ping(ctx context.Context) error
	InsertMessage(ctx context.Context, m store.Message) (store.Message, error)
	ListChannelMessages(ctx context.Context, channelID int64, limit int) ([]store.Message, error)
	ListWorkflowTasks(ctx context.Context, workflowID int64) ([]store.Task, error)
	GetTask(ctx context.Context, taskID int64) (store.Task, error)
	TransitionTask(ctx context.Context, taskID int64, fromStatus, toStatus string, assigneeID *int64) (store.Task, error)
	CancelActiveJobs(ctx context.Context, jobKey string) (int64, error)
	InsertJob(ctx context.Context, job store.Job) error
	GetJob(ctx context.Context, jobID string) (store.Job, error)
}

// publisher fans an event frame out to every hub instance.
type publisher interface {
	Publish(ctx context.Context, frame protocol.Frame) error
}

// Actor identifies who is performing an operation. The API shell in front of
// the hub authenticates users; the hub trusts the identity it forwards.
type Actor struct {
	UserID    int64  `json:"userId"`
	UserName  string `json:"userName"`
	RoleLevel int    `json:"roleLevel"`
}

type Service struct {
	store  dataStore
	events publisher
}

func NewService(store dataStore, events publisher) *Service {
	return &Service{store: store, events: events}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PublishChat persists one chat message and broadcasts the authoritative
// copy, with its permanent id and server timestamp, to the channel topic.
func (s *Service) PublishChat(ctx context.Context, msg protocol.ChatMessage) (protocol.ChatMessage, error) {
	if strings.TrimSpace(msg.Content) == "" {
		return protocol.ChatMessage{}, badRequest("EMPTY_MESSAGE", "Message content is required")
	}
	if msg.ChannelID <= 0 {
		return protocol.ChatMessage{}, badRequest("INVALID_CHANNEL", "Channel id is required")
	}

	saved, err := s.store.InsertMessage(ctx, store.Message{
		ChannelID:  msg.ChannelID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Assistant:  msg.Assistant,
		Content:    msg.Content,
	})
	if err != nil {
		return protocol.ChatMessage{}, fmt.Errorf("persist chat message: %w", err)
	}

	out := chatMessageFromStore(saved)
	frame, err := protocol.EventFrame(protocol.ChatTopic(out.ChannelID), protocol.EventChatMessage, out)
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	if err := s.events.Publish(ctx, frame); err != nil {
		// The message is durable; clients that miss the broadcast pick it up
		// on their next history fetch.
		log.Printf("hub: broadcast of message %d failed: %v", out.ID, err)
	}
	return out, nil
}

// ChannelHistory returns the most recent messages of a channel in send order.
func (s *Service) ChannelHistory(ctx context.Context, channelID int64, limit int) ([]protocol.ChatMessage, error) {
	messages, err := s.store.ListChannelMessages(ctx, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("load channel history: %w", err)
	}
	out := make([]protocol.ChatMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, chatMessageFromStore(m))
	}
	return out, nil
}

// WorkflowTasks lists the tasks of one workflow.
func (s *Service) WorkflowTasks(ctx context.Context, workflowID int64) ([]store.Task, error) {
	tasks, err := s.store.ListWorkflowTasks(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list workflow tasks: %w", err)
	}
	return tasks, nil
}

// TransitionTask applies one status transition on behalf of an actor. The
// same rules the board UI uses to gate buttons are enforced here, so a
// hand-crafted request gets the same denial as a disabled button.
func (s *Service) TransitionTask(ctx context.Context, taskID int64, actor Actor, target string) (store.Task, error) {
	current, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}

	to := taskboard.Normalize(target)
	if string(to) != target {
		return store.Task{}, badRequest("INVALID_STATUS", "Unknown target status")
	}

	policyTask := taskboard.Task{
		ID:                current.ID,
		WorkflowID:        current.WorkflowID,
		Status:            taskboard.Normalize(current.Status),
		RequiredRoleLevel: current.RequiredRoleLevel,
		AssigneeID:        current.AssigneeID,
	}
	user := taskboard.User{ID: actor.UserID, RoleLevel: actor.RoleLevel}
	if !taskboard.CanTransition(policyTask, user, to) {
		return store.Task{}, forbidden("TRANSITION_DENIED", "You may not move this task there")
	}

	// Claiming takes assignment; approval and rejection keep it.
	var assignee *int64
	if to == taskboard.StatusInProgress {
		id := actor.UserID
		assignee = &id
	}

	updated, err := s.store.TransitionTask(ctx, taskID, current.Status, string(to), assignee)
	if errors.Is(err, store.ErrConflict) {
		return store.Task{}, conflict("TASK_CONFLICT", "Task changed before the transition applied")
	}
	if err != nil {
		return store.Task{}, err
	}

	s.announceTaskUpdate(ctx, updated, actor)
	return updated, nil
}

// announceTaskUpdate broadcasts a transition on the workflow topic and drops
// a notification on the assignee's personal queue.
func (s *Service) announceTaskUpdate(ctx context.Context, task store.Task, actor Actor) {
	update := protocol.TaskUpdate{
		TaskID:     task.ID,
		WorkflowID: task.WorkflowID,
		Status:     task.Status,
		AssigneeID: task.AssigneeID,
		ActorID:    actor.UserID,
	}
	frame, err := protocol.EventFrame(protocol.WorkflowTopic(task.WorkflowID), protocol.EventTaskUpdated, update)
	if err == nil {
		if err := s.events.Publish(ctx, frame); err != nil {
			log.Printf("hub: broadcast of task %d update failed: %v", task.ID, err)
		}
	}

	if task.AssigneeID == nil || *task.AssigneeID == actor.UserID {
		return
	}
	note := protocol.Notification{
		Title: fmt.Sprintf("Task %q is now %s", task.Title, task.Status),
		Topic: protocol.WorkflowTopic(task.WorkflowID).String(),
	}
	frame, err = protocol.EventFrame(protocol.UserTopic(*task.AssigneeID), protocol.EventNotification, note)
	if err == nil {
		if err := s.events.Publish(ctx, frame); err != nil {
			log.Printf("hub: notification for user %d failed: %v", *task.AssigneeID, err)
		}
	}
}

// StartAnalysis queues an AI analysis run for a document version. Any active
// run for the same document version is cancelled first, so the newest
// request always wins.
func (s *Service) StartAnalysis(ctx context.Context, documentID int64, version int) (store.Job, error) {
	if documentID <= 0 || version <= 0 {
		return store.Job{}, badRequest("INVALID_TARGET", "Document id and version are required")
	}

	jobKey := AnalysisJobKey(documentID, version)
	if _, err := s.store.CancelActiveJobs(ctx, jobKey); err != nil {
		return store.Job{}, fmt.Errorf("supersede active jobs: %w", err)
	}

	job := store.Job{
		ID:         util.NewID("job"),
		JobKey:     jobKey,
		DocumentID: documentID,
		Version:    version,
		Status:     store.JobQueued,
	}
	if err := s.store.InsertJob(ctx, job); err != nil {
		return store.Job{}, fmt.Errorf("queue analysis job: %w", err)
	}
	return job, nil
}

// JobStatus returns the current state of one analysis job.
func (s *Service) JobStatus(ctx context.Context, jobID string) (store.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// AnalysisJobKey is the logical identity of analysis work for one document
// version. Re-running analysis on the same version reuses the key.
func AnalysisJobKey(documentID int64, version int) string {
	return fmt.Sprintf("document:%d/version:%d", documentID, version)
}

func chatMessageFromStore(m store.Message) protocol.ChatMessage {
	return protocol.ChatMessage{
		ID:         m.ID,
		ChannelID:  m.ChannelID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Assistant:  m.Assistant,
		Content:    m.Content,
		SentAt:     m.SentAt,
	}
}
