package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"signoff/hub/internal/chat"
	"signoff/hub/internal/jobs"
	"signoff/hub/internal/protocol"
)

// Identity is the user this client acts as.
type Identity struct {
	UserID   int64
	UserName string
}

// ClientOptions tunes a Client. Zero values pick the defaults.
type ClientOptions struct {
	Manager ManagerOptions
	Chat    chat.Options
}

// Client is the app-facing facade over the sync core: one hub connection,
// topic subscriptions, reconciled chat channels, and job polling.
type Client struct {
	identity Identity
	manager  *Manager
	registry *Registry
	poller   *jobs.Poller
	chatOpts chat.Options

	mu       sync.Mutex
	channels map[int64]*Channel
}

func NewClient(transport Transport, identity Identity, opts ClientOptions) *Client {
	manager := NewManager(transport, opts.Manager)
	c := &Client{
		identity: identity,
		manager:  manager,
		registry: NewRegistry(manager),
		poller:   jobs.NewPoller(),
		chatOpts: opts.Chat,
		channels: make(map[int64]*Channel),
	}
	return c
}

func (c *Client) Connect() { c.manager.Connect() }

func (c *Client) IsConnected() bool { return c.manager.IsConnected() }

func (c *Client) State() ConnState { return c.manager.State() }

func (c *Client) Registry() *Registry { return c.registry }

func (c *Client) Poller() *jobs.Poller { return c.poller }

func (c *Client) OnStateChange(fn func(ConnState)) {
	c.manager.OnStateChange(fn)
}

// Disconnect tears everything down: active channels, topic registrations,
// in-flight job polls, and the connection itself.
func (c *Client) Disconnect() {
	c.mu.Lock()
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.channels = make(map[int64]*Channel)
	c.mu.Unlock()

	for _, ch := range channels {
		ch.closeTimeline()
	}
	c.poller.CancelAll()
	c.registry.Clear()
	c.manager.Disconnect()
}

// WatchWorkflow subscribes to task transitions within one workflow.
func (c *Client) WatchWorkflow(workflowID int64, fn func(protocol.TaskUpdate)) *Subscription {
	return c.registry.Subscribe(protocol.WorkflowTopic(workflowID), func(evt Event) {
		if evt.Event != protocol.EventTaskUpdated {
			return
		}
		var update protocol.TaskUpdate
		if err := json.Unmarshal(evt.Payload, &update); err != nil {
			log.Printf("realtime: bad task update on %s: %v", evt.Topic.String(), err)
			return
		}
		fn(update)
	})
}

// WatchNotifications subscribes to this user's personal queue.
func (c *Client) WatchNotifications(fn func(protocol.Notification)) *Subscription {
	return c.registry.Subscribe(protocol.UserTopic(c.identity.UserID), func(evt Event) {
		if evt.Event != protocol.EventNotification {
			return
		}
		var note protocol.Notification
		if err := json.Unmarshal(evt.Payload, &note); err != nil {
			log.Printf("realtime: bad notification on %s: %v", evt.Topic.String(), err)
			return
		}
		fn(note)
	})
}

// Unwatch removes a subscription created by one of the Watch helpers.
func (c *Client) Unwatch(sub *Subscription) {
	c.registry.Unsubscribe(sub)
}

// StartJob begins polling a job, superseding any active poll for the same
// key.
func (c *Client) StartJob(jobKey string, fetch jobs.FetchFunc, opts jobs.Options, onUpdate func(jobs.Update)) *jobs.Handle {
	return c.poller.Start(jobKey, fetch, opts, onUpdate)
}

// OpenChannel attaches to one chat channel: subscribes to its topic and
// returns a handle whose timeline reconciles optimistic sends with hub
// broadcasts. Opening an already open channel returns the existing handle.
func (c *Client) OpenChannel(channelID int64, onChange func([]chat.Entry)) *Channel {
	c.mu.Lock()
	if existing, ok := c.channels[channelID]; ok {
		c.mu.Unlock()
		return existing
	}
	c.mu.Unlock()

	ch := &Channel{client: c, id: channelID}
	opts := c.chatOpts
	opts.OnChange = onChange
	ch.timeline = chat.NewTimeline(channelID, ch.publish, opts)
	ch.sub = c.registry.Subscribe(protocol.ChatTopic(channelID), ch.handle)

	c.mu.Lock()
	if existing, ok := c.channels[channelID]; ok {
		// Lost the race; fold back into the winner.
		c.mu.Unlock()
		c.registry.Unsubscribe(ch.sub)
		ch.timeline.Close()
		return existing
	}
	c.channels[channelID] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) closeChannel(ch *Channel) {
	c.mu.Lock()
	if c.channels[ch.id] == ch {
		delete(c.channels, ch.id)
	}
	c.mu.Unlock()
	c.registry.Unsubscribe(ch.sub)
	ch.closeTimeline()
}

// Channel is an open chat channel bound to its reconciling timeline.
type Channel struct {
	client   *Client
	id       int64
	timeline *chat.Timeline
	sub      *Subscription
}

func (ch *Channel) ID() int64 { return ch.id }

// Send fires a message at the hub and returns the provisional id of the
// optimistic entry. Delivery problems surface on the timeline, not here.
func (ch *Channel) Send(content string) int64 {
	return ch.timeline.Send(ch.client.identity.UserID, ch.client.identity.UserName, content)
}

// Resend retries a failed entry.
func (ch *Channel) Resend(tempID int64) (int64, error) {
	return ch.timeline.Resend(tempID)
}

// Entries returns a snapshot of the reconciled timeline.
func (ch *Channel) Entries() []chat.Entry {
	return ch.timeline.Entries()
}

// Reset replaces the confirmed portion of the timeline with an
// authoritative history refetch.
func (ch *Channel) Reset(history []protocol.ChatMessage) {
	ch.timeline.Reset(history)
}

// Close detaches from the channel and stops its pending deadline timers.
func (ch *Channel) Close() {
	ch.client.closeChannel(ch)
}

func (ch *Channel) closeTimeline() {
	ch.timeline.Close()
}

// publish pushes one outgoing message over the live connection.
func (ch *Channel) publish(msg protocol.ChatMessage) error {
	conn := ch.client.manager.Conn()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Publish(ctx, protocol.ChatTopic(ch.id), protocol.EventChatMessage, msg)
}

// handle routes inbound chat events into the timeline.
func (ch *Channel) handle(evt Event) {
	switch evt.Event {
	case protocol.EventChatMessage:
		var msg protocol.ChatMessage
		if err := json.Unmarshal(evt.Payload, &msg); err != nil {
			log.Printf("realtime: bad chat message on %s: %v", evt.Topic.String(), err)
			return
		}
		ch.timeline.Apply(msg)
	case protocol.EventChatError:
		var chatErr protocol.ChatError
		if err := json.Unmarshal(evt.Payload, &chatErr); err != nil {
			log.Printf("realtime: bad chat error on %s: %v", evt.Topic.String(), err)
			return
		}
		ch.timeline.ApplyError(chatErr.Reason)
	}
}
