// Package protocol defines the frame envelope and topic addressing shared by
// the hub and the client sync core.
//
// Topic naming convention:
//
//	chat:<id>      — messages for one chat channel
//	workflow:<id>  — task transitions within one workflow instance
//	user:<id>      — personal notification queue for one user
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type TopicKind string

const (
	TopicChat     TopicKind = "chat"
	TopicWorkflow TopicKind = "workflow"
	TopicUser     TopicKind = "user"
)

// Topic is a logical subscribable address.
type Topic struct {
	Kind TopicKind
	ID   int64
}

func ChatTopic(channelID int64) Topic { return Topic{Kind: TopicChat, ID: channelID} }
func WorkflowTopic(id int64) Topic    { return Topic{Kind: TopicWorkflow, ID: id} }
func UserTopic(userID int64) Topic    { return Topic{Kind: TopicUser, ID: userID} }

func (t Topic) String() string {
	return string(t.Kind) + ":" + strconv.FormatInt(t.ID, 10)
}

func (t Topic) IsZero() bool { return t.Kind == "" }

// ParseTopic parses "kind:id" back into a Topic.
func ParseTopic(raw string) (Topic, error) {
	kind, idPart, ok := strings.Cut(raw, ":")
	if !ok {
		return Topic{}, fmt.Errorf("malformed topic %q", raw)
	}
	switch TopicKind(kind) {
	case TopicChat, TopicWorkflow, TopicUser:
	default:
		return Topic{}, fmt.Errorf("unknown topic kind %q", kind)
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return Topic{}, fmt.Errorf("malformed topic id %q: %w", idPart, err)
	}
	return Topic{Kind: TopicKind(kind), ID: id}, nil
}

// FrameKind identifies the purpose of a frame on the multiplexed channel.
type FrameKind string

const (
	// Client → hub.
	FrameSubscribe   FrameKind = "subscribe"
	FrameUnsubscribe FrameKind = "unsubscribe"
	FramePublish     FrameKind = "publish"

	// Hub → client.
	FrameEvent FrameKind = "event"
	FrameError FrameKind = "error"
)

// Event types carried inside an event frame's payload envelope.
const (
	EventChatMessage  = "chat.message"
	EventChatError    = "chat.error"
	EventTaskUpdated  = "task.updated"
	EventNotification = "notification"
)

// Frame is the envelope for every message on the websocket channel.
//
// JSON example:
//
//	{"kind":"event","topic":"chat:5","event":"chat.message","payload":{...}}
type Frame struct {
	Kind       FrameKind       `json:"kind"`
	Topic      string          `json:"topic,omitempty"`
	Event      string          `json:"event,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ServerTime time.Time       `json:"serverTime"`
	Error      string          `json:"error,omitempty"`
}

// ChatMessage is the payload of a chat.message event and of a chat publish.
// ID is zero on the way up (the hub assigns it) and set on the way down.
type ChatMessage struct {
	ID         int64     `json:"id,omitempty"`
	ChannelID  int64     `json:"channelId"`
	SenderID   int64     `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	Assistant  bool      `json:"assistant,omitempty"`
	Content    string    `json:"content"`
	SentAt     time.Time `json:"sentAt"`
}

// ChatError is the payload of a chat.error event. It marks the most recent
// unconfirmed message of the logical turn as failed rather than adding a
// separate error bubble.
type ChatError struct {
	ChannelID int64  `json:"channelId"`
	Reason    string `json:"reason,omitempty"`
}

// TaskUpdate is the payload of a task.updated event.
type TaskUpdate struct {
	TaskID     int64  `json:"taskId"`
	WorkflowID int64  `json:"workflowId"`
	Status     string `json:"status"`
	AssigneeID *int64 `json:"assigneeId,omitempty"`
	ActorID    int64  `json:"actorId"`
}

// Notification is the payload of a notification event on a user queue.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Topic string `json:"topic,omitempty"`
}

// EventFrame assembles an event frame, marshalling payload into the envelope.
func EventFrame(topic Topic, event string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Frame{
		Kind:       FrameEvent,
		Topic:      topic.String(),
		Event:      event,
		Payload:    raw,
		ServerTime: time.Now().UTC(),
	}, nil
}
