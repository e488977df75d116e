package realtime

import (
	"context"
	"log"
	"sync"
	"time"

	"signoff/hub/internal/protocol"
)

// ConnState describes the manager's view of the hub connection.
type ConnState string

const (
	StateDisconnected ConnState = "DISCONNECTED"
	StateConnecting   ConnState = "CONNECTING"
	StateConnected    ConnState = "CONNECTED"
)

const (
	defaultRetryDelay        = 5 * time.Second
	defaultHeartbeatInterval = 25 * time.Second
	dialTimeout              = 10 * time.Second
)

// ManagerOptions tunes the reconnect loop. Zero values pick the defaults.
type ManagerOptions struct {
	RetryDelay        time.Duration
	HeartbeatInterval time.Duration
}

// Manager keeps one connection to the hub alive. After a drop it retries
// forever at a fixed delay without surfacing errors to callers; consumers
// observe progress only through state change callbacks.
type Manager struct {
	transport Transport
	retry     time.Duration
	heartbeat time.Duration

	mu      sync.Mutex
	state   ConnState
	conn    Conn
	cancel  context.CancelFunc
	running bool

	onFrame     func(protocol.Frame)
	onConnected func(Conn)
	onState     []func(ConnState)
}

func NewManager(transport Transport, opts ManagerOptions) *Manager {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &Manager{
		transport: transport,
		retry:     opts.RetryDelay,
		heartbeat: opts.HeartbeatInterval,
		state:     StateDisconnected,
	}
}

// OnFrame registers the single consumer for inbound frames. Must be called
// before Connect.
func (m *Manager) OnFrame(fn func(protocol.Frame)) {
	m.onFrame = fn
}

// OnConnected registers a hook invoked with the fresh Conn every time a
// connection is established, before any frames are read from it. Must be
// called before Connect.
func (m *Manager) OnConnected(fn func(Conn)) {
	m.onConnected = fn
}

// OnStateChange registers a callback for connection state transitions.
func (m *Manager) OnStateChange(fn func(ConnState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = append(m.onState, fn)
}

// Connect starts the connect loop. Calling it while already running is a
// no-op.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.run(ctx)
}

// Disconnect stops the loop and closes the current connection. No further
// reconnect attempts are made until Connect is called again.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.setState(StateDisconnected)
}

// Conn returns the live connection, or nil while disconnected.
func (m *Manager) Conn() Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

func (m *Manager) setState(next ConnState) {
	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	callbacks := make([]func(ConnState), len(m.onState))
	copy(callbacks, m.onState)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(next)
	}
}

func (m *Manager) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		m.setState(StateConnecting)

		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		conn, err := m.transport.Dial(dialCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("realtime: connect failed: %v; retrying in %s", err, m.retry)
			m.setState(StateDisconnected)
			if !m.sleep(ctx) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()

		// Replay subscriptions before announcing CONNECTED so no frame can
		// arrive for a topic the registry has not re-established yet.
		if m.onConnected != nil {
			m.onConnected(conn)
		}
		m.setState(StateConnected)

		hbCtx, stopHeartbeat := context.WithCancel(ctx)
		go m.heartbeatLoop(hbCtx, conn)

		err = m.readLoop(ctx, conn)
		stopHeartbeat()
		conn.Close()

		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		m.setState(StateDisconnected)

		if ctx.Err() != nil {
			return
		}
		log.Printf("realtime: connection lost: %v; retrying in %s", err, m.retry)
		if !m.sleep(ctx) {
			return
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) error {
	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if m.onFrame != nil {
			m.onFrame(frame)
		}
	}
}

// heartbeatLoop pings on an interval. A failed ping closes the connection,
// which unblocks the read loop and triggers the normal reconnect path.
func (m *Manager) heartbeatLoop(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("realtime: heartbeat failed: %v", err)
				}
				conn.Close()
				return
			}
		}
	}
}

func (m *Manager) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(m.retry):
		return true
	}
}
