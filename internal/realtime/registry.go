package realtime

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"signoff/hub/internal/protocol"
)

// Event is what topic handlers receive: a decoded frame scoped to the topic
// the handler subscribed to.
type Event struct {
	Topic      protocol.Topic
	Event      string
	Payload    json.RawMessage
	ServerTime time.Time
}

// Handler consumes events for one topic. A panicking handler is isolated;
// it never affects other handlers on the same topic.
type Handler func(Event)

// Subscription identifies one registered handler so it can be removed later.
type Subscription struct {
	topic   protocol.Topic
	handler Handler
}

func (s *Subscription) Topic() protocol.Topic { return s.topic }

// Registry fans inbound events out to topic handlers. Multiple handlers may
// share a topic; the transport-level subscription is created when the first
// handler registers and torn down when the last one leaves. After a
// reconnect every known topic is re-established on the new connection.
type Registry struct {
	manager *Manager

	mu     sync.Mutex
	topics map[string][]*Subscription
}

func NewRegistry(manager *Manager) *Registry {
	r := &Registry{
		manager: manager,
		topics:  make(map[string][]*Subscription),
	}
	manager.OnFrame(r.dispatch)
	manager.OnConnected(r.resubscribe)
	return r
}

// Subscribe registers a handler for a topic. The hub-side subscription is
// established at most once per topic; failures are logged and retried
// implicitly on the next reconnect.
func (r *Registry) Subscribe(topic protocol.Topic, handler Handler) *Subscription {
	sub := &Subscription{topic: topic, handler: handler}

	r.mu.Lock()
	key := topic.String()
	first := len(r.topics[key]) == 0
	r.topics[key] = append(r.topics[key], sub)
	r.mu.Unlock()

	if first {
		if conn := r.manager.Conn(); conn != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := conn.Subscribe(ctx, topic); err != nil {
				log.Printf("realtime: subscribe %s: %v", key, err)
			}
			cancel()
		}
	}
	return sub
}

// Unsubscribe removes a previously registered handler. Removing the last
// handler for a topic tears down the hub-side subscription. After Unsubscribe
// returns no new invocation of the handler starts, not even from a dispatch
// already in flight; an invocation that is mid-execution runs to completion.
func (r *Registry) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	r.mu.Lock()
	key := sub.topic.String()
	subs := r.topics[key]
	for i, existing := range subs {
		if existing == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(r.topics, key)
	} else {
		r.topics[key] = subs
	}
	last := len(subs) == 0
	r.mu.Unlock()

	if last {
		if conn := r.manager.Conn(); conn != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := conn.Unsubscribe(ctx, sub.topic); err != nil {
				log.Printf("realtime: unsubscribe %s: %v", key, err)
			}
			cancel()
		}
	}
}

// Clear drops every registration without touching the connection. Used on
// explicit disconnect, where the connection is going away anyway.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = make(map[string][]*Subscription)
}

// ActiveTopics returns the topics that currently have at least one handler.
func (r *Registry) ActiveTopics() []protocol.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	var topics []protocol.Topic
	for _, subs := range r.topics {
		if len(subs) > 0 {
			topics = append(topics, subs[0].topic)
		}
	}
	return topics
}

// dispatch routes one inbound frame to the handlers of its topic, in
// registration order, over a snapshot taken up front. Handlers registered or
// removed while dispatching take effect from the next frame on.
func (r *Registry) dispatch(frame protocol.Frame) {
	if frame.Kind != protocol.FrameEvent {
		if frame.Kind == protocol.FrameError {
			log.Printf("realtime: hub error on %s: %s", frame.Topic, frame.Error)
		}
		return
	}
	topic, err := protocol.ParseTopic(frame.Topic)
	if err != nil {
		log.Printf("realtime: dropping frame with bad topic: %v", err)
		return
	}

	r.mu.Lock()
	subs := r.topics[frame.Topic]
	snapshot := make([]*Subscription, len(subs))
	copy(snapshot, subs)
	r.mu.Unlock()

	evt := Event{
		Topic:      topic,
		Event:      frame.Event,
		Payload:    frame.Payload,
		ServerTime: frame.ServerTime,
	}
	for _, sub := range snapshot {
		// Re-check membership so a handler unsubscribed during this
		// dispatch, possibly by an earlier handler, is skipped.
		if !r.registered(sub) {
			continue
		}
		invoke(sub.handler, evt)
	}
}

func (r *Registry) registered(sub *Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.topics[sub.topic.String()] {
		if existing == sub {
			return true
		}
	}
	return false
}

func invoke(handler Handler, evt Event) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("realtime: handler for %s panicked: %v", evt.Topic.String(), rec)
		}
	}()
	handler(evt)
}

// resubscribe replays every active topic onto a fresh connection.
func (r *Registry) resubscribe(conn Conn) {
	topics := r.ActiveTopics()
	if len(topics) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, topic := range topics {
		if err := conn.Subscribe(ctx, topic); err != nil {
			log.Printf("realtime: resubscribe %s: %v", topic.String(), err)
		}
	}
}
