package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"signoff/hub/internal/protocol"
)

// Options tunes the websocket layer. ClientDeadAfter is how long a client
// may keep failing heartbeat pings before it is evicted.
type Options struct {
	HeartbeatInterval time.Duration
	ClientDeadAfter   time.Duration
	OriginPatterns    []string
}

// Hub owns the websocket clients of one instance. Frames published by any
// instance arrive through Fanout and are forwarded to the local clients
// subscribed to their topic.
type Hub struct {
	service   *Service
	heartbeat time.Duration
	deadAfter time.Duration
	origins   []string

	mu      sync.RWMutex
	clients map[*client]struct{}
}

func NewHub(service *Service, opts Options) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 25 * time.Second
	}
	if opts.ClientDeadAfter <= 0 {
		opts.ClientDeadAfter = 75 * time.Second
	}
	return &Hub{
		service:   service,
		heartbeat: opts.HeartbeatInterval,
		deadAfter: opts.ClientDeadAfter,
		origins:   opts.OriginPatterns,
		clients:   make(map[*client]struct{}),
	}
}

type client struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex

	topicsMu sync.Mutex
	topics   map[string]struct{}
}

func (c *client) write(ctx context.Context, frame protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, c.conn, frame)
}

func (c *client) subscribed(topic string) bool {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

// HandleWS upgrades one request and serves its frames until the client goes
// away.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		log.Printf("hub: websocket accept failed: %v", err)
		return
	}

	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		topics: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	log.Printf("hub: client %s connected (%d online)", c.id, count)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.heartbeatLoop(ctx, c)

	h.serve(ctx, c)

	h.mu.Lock()
	delete(h.clients, c)
	count = len(h.clients)
	h.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "")
	log.Printf("hub: client %s disconnected (%d online)", c.id, count)
}

func (h *Hub) serve(ctx context.Context, c *client) {
	for {
		var frame protocol.Frame
		if err := wsjson.Read(ctx, c.conn, &frame); err != nil {
			return
		}
		h.handleFrame(ctx, c, frame)
	}
}

func (h *Hub) handleFrame(ctx context.Context, c *client, frame protocol.Frame) {
	switch frame.Kind {
	case protocol.FrameSubscribe:
		topic, err := protocol.ParseTopic(frame.Topic)
		if err != nil {
			h.sendError(ctx, c, frame.Topic, "INVALID_TOPIC")
			return
		}
		c.topicsMu.Lock()
		c.topics[topic.String()] = struct{}{}
		c.topicsMu.Unlock()

	case protocol.FrameUnsubscribe:
		c.topicsMu.Lock()
		delete(c.topics, frame.Topic)
		c.topicsMu.Unlock()

	case protocol.FramePublish:
		h.handlePublish(ctx, c, frame)

	default:
		h.sendError(ctx, c, frame.Topic, "UNSUPPORTED_FRAME")
	}
}

// handlePublish accepts client-originated chat messages. Anything else a
// client tries to publish is rejected; all other events originate on the
// server side.
func (h *Hub) handlePublish(ctx context.Context, c *client, frame protocol.Frame) {
	topic, err := protocol.ParseTopic(frame.Topic)
	if err != nil || topic.Kind != protocol.TopicChat || frame.Event != protocol.EventChatMessage {
		h.sendError(ctx, c, frame.Topic, "UNSUPPORTED_PUBLISH")
		return
	}

	var msg protocol.ChatMessage
	if err := json.Unmarshal(frame.Payload, &msg); err != nil {
		h.sendError(ctx, c, frame.Topic, "INVALID_PAYLOAD")
		return
	}
	msg.ChannelID = topic.ID

	if _, err := h.service.PublishChat(ctx, msg); err != nil {
		log.Printf("hub: client %s publish to %s failed: %v", c.id, frame.Topic, err)
		// The sender alone learns about the failure; its pending bubble
		// flips to an error state instead of a new bubble appearing.
		h.sendChatError(ctx, c, topic, err)
	}
}

func (h *Hub) sendError(ctx context.Context, c *client, topic, code string) {
	frame := protocol.Frame{Kind: protocol.FrameError, Topic: topic, Error: code, ServerTime: time.Now().UTC()}
	if err := c.write(ctx, frame); err != nil {
		log.Printf("hub: error frame to client %s failed: %v", c.id, err)
	}
}

func (h *Hub) sendChatError(ctx context.Context, c *client, topic protocol.Topic, cause error) {
	reason := "message could not be delivered"
	var domainErr *DomainError
	if errors.As(cause, &domainErr) {
		reason = domainErr.Message
	}
	frame, err := protocol.EventFrame(topic, protocol.EventChatError, protocol.ChatError{
		ChannelID: topic.ID,
		Reason:    reason,
	})
	if err != nil {
		return
	}
	if err := c.write(ctx, frame); err != nil {
		log.Printf("hub: chat error frame to client %s failed: %v", c.id, err)
	}
}

// Fanout forwards one frame, received from the Redis bridge, to every local
// client subscribed to its topic. It is the handler passed to pubsub.Run.
func (h *Hub) Fanout(frame protocol.Frame) {
	if frame.Kind != protocol.FrameEvent || frame.Topic == "" {
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c.subscribed(frame.Topic) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	ctx := context.Background()
	for _, c := range targets {
		if err := c.write(ctx, frame); err != nil {
			log.Printf("hub: fanout to client %s failed: %v", c.id, err)
		}
	}
}

// heartbeatLoop pings one client on an interval. Individual missed pings are
// logged; a client that stays silent past deadAfter is evicted.
func (h *Hub) heartbeatLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	pingTimeout := 5 * time.Second
	if h.deadAfter < pingTimeout {
		pingTimeout = h.deadAfter
	}
	lastSeen := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err == nil {
				lastSeen = time.Now()
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if time.Since(lastSeen) >= h.deadAfter {
				log.Printf("hub: client %s silent for %s, evicting", c.id, time.Since(lastSeen).Round(time.Second))
				c.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			log.Printf("hub: client %s missed heartbeat: %v", c.id, err)
		}
	}
}

// ClientCount reports how many clients this instance is serving.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
