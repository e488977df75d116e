// Package jobs tracks long-running server-side work by polling its status
// until a terminal outcome, a timeout, or an explicit cancel.
package jobs

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// State of a tracked job as seen by the client.
type State string

const (
	StateRunning   State = "RUNNING"
	StateSuccess   State = "SUCCESS"
	StateError     State = "ERROR"
	StateCancelled State = "CANCELLED"
)

// Outcome is what one status fetch reports. State stays RUNNING while the
// server is still working and switches to a terminal value when done.
type Outcome struct {
	State  State
	Reason string
	Result json.RawMessage
}

// FetchFunc retrieves the current status of a job from the server.
type FetchFunc func(ctx context.Context) (Outcome, error)

// Update is delivered to the caller at most once, when the job reaches a
// terminal state. A locally cancelled run delivers no update.
type Update struct {
	State  State
	Reason string
	Result json.RawMessage
}

// Options tunes one polling run. Zero values pick the defaults.
type Options struct {
	Interval time.Duration // delay between status fetches
	Timeout  time.Duration // hard ceiling on the whole run
}

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Minute

	timeoutReason = "timed out waiting for completion"
)

// Handle tracks one polling run. The first transition out of RUNNING wins;
// every later one is ignored, so a cancel racing a success stays a cancel.
type Handle struct {
	key    string
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	state  State
	reason string
}

// Key returns the identity this run was started under.
func (h *Handle) Key() string { return h.key }

// State returns the run's current state and, for failed runs, the reason.
func (h *Handle) State() (State, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, h.reason
}

// Done is closed when the polling goroutine has fully stopped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel stops polling immediately. Safe to call repeatedly and after the
// job already finished; a terminal state is never overwritten.
func (h *Handle) Cancel() {
	if h.transition(StateCancelled, "") {
		h.cancel()
	}
}

// transition moves RUNNING to a terminal state. It reports false when the
// handle already left RUNNING, which makes every terminal path race-safe.
func (h *Handle) transition(to State, reason string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateRunning {
		return false
	}
	h.state = to
	h.reason = reason
	return true
}

// Poller runs at most one polling loop per job key. Starting a run for a
// key that is already being polled cancels the old run first, so a rapid
// re-trigger never leaves two loops fighting over the same job.
type Poller struct {
	mu     sync.Mutex
	active map[string]*Handle
}

func NewPoller() *Poller {
	return &Poller{active: make(map[string]*Handle)}
}

// Start begins polling. The first fetch happens immediately, then every
// interval until a terminal outcome, the timeout, or Cancel. onUpdate fires
// at most once, from the polling goroutine.
func (p *Poller) Start(jobKey string, fetch FetchFunc, opts Options, onUpdate func(Update)) *Handle {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		key:    jobKey,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateRunning,
	}

	p.mu.Lock()
	if prev := p.active[jobKey]; prev != nil {
		prev.Cancel()
	}
	p.active[jobKey] = h
	p.mu.Unlock()

	go p.run(ctx, h, fetch, opts, onUpdate)
	return h
}

// Active returns the live handle for a key, or nil.
func (p *Poller) Active(jobKey string) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[jobKey]
}

// Cancel stops the active run for a key, if any.
func (p *Poller) Cancel(jobKey string) {
	if h := p.Active(jobKey); h != nil {
		h.Cancel()
	}
}

// CancelAll stops every active run.
func (p *Poller) CancelAll() {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.active))
	for _, h := range p.active {
		handles = append(handles, h)
	}
	p.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}
}

func (p *Poller) run(ctx context.Context, h *Handle, fetch FetchFunc, opts Options, onUpdate func(Update)) {
	defer close(h.done)
	defer p.remove(h)

	finish := func(to State, reason string, result json.RawMessage) {
		if h.transition(to, reason) && onUpdate != nil {
			onUpdate(Update{State: to, Reason: reason, Result: result})
		}
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()

	attempt := func() (stop bool) {
		out, err := fetch(ctx)
		if ctx.Err() != nil {
			return true
		}
		if err != nil {
			// Transient fetch failures do not end the run; the next tick
			// tries again and the deadline still bounds the whole thing.
			log.Printf("jobs: status fetch for %s failed: %v", h.key, err)
			return false
		}
		switch out.State {
		case StateSuccess:
			finish(StateSuccess, out.Reason, out.Result)
			return true
		case StateError:
			finish(StateError, out.Reason, out.Result)
			return true
		case StateCancelled:
			// Superseded or cancelled on the server side.
			finish(StateCancelled, out.Reason, nil)
			return true
		default:
			return false
		}
	}

	if attempt() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			finish(StateError, timeoutReason, nil)
			return
		case <-ticker.C:
			if attempt() {
				return
			}
		}
	}
}

func (p *Poller) remove(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active[h.key] == h {
		delete(p.active, h.key)
	}
}
