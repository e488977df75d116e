package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"signoff/hub/internal/protocol"
)

// Transport produces connections to the hub. The Manager owns exactly one
// live Conn at a time and re-dials through the same Transport after a drop.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one established multiplexed channel. Read blocks until a frame
// arrives or the connection fails; everything else returns promptly.
type Conn interface {
	Subscribe(ctx context.Context, topic protocol.Topic) error
	Unsubscribe(ctx context.Context, topic protocol.Topic) error
	Publish(ctx context.Context, topic protocol.Topic, event string, payload any) error
	Read(ctx context.Context) (protocol.Frame, error)
	Ping(ctx context.Context) error
	Close() error
}

// WebsocketTransport dials the hub's /ws endpoint with a bearer token.
type WebsocketTransport struct {
	URL   string
	Token string
}

func (t *WebsocketTransport) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if t.Token != "" {
		header.Set("Authorization", "Bearer "+t.Token)
	}
	conn, _, err := websocket.Dial(ctx, t.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.URL, err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) write(ctx context.Context, frame protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.conn, frame)
}

func (c *wsConn) Subscribe(ctx context.Context, topic protocol.Topic) error {
	return c.write(ctx, protocol.Frame{Kind: protocol.FrameSubscribe, Topic: topic.String()})
}

func (c *wsConn) Unsubscribe(ctx context.Context, topic protocol.Topic) error {
	return c.write(ctx, protocol.Frame{Kind: protocol.FrameUnsubscribe, Topic: topic.String()})
}

func (c *wsConn) Publish(ctx context.Context, topic protocol.Topic, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return c.write(ctx, protocol.Frame{
		Kind:    protocol.FramePublish,
		Topic:   topic.String(),
		Event:   event,
		Payload: raw,
	})
}

func (c *wsConn) Read(ctx context.Context) (protocol.Frame, error) {
	var frame protocol.Frame
	if err := wsjson.Read(ctx, c.conn, &frame); err != nil {
		return protocol.Frame{}, err
	}
	return frame, nil
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
