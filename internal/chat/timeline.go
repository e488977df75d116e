// Package chat keeps a per-channel message timeline consistent while sends
// are in flight. Outgoing messages appear immediately with a provisional id
// and are later merged with the authoritative copy broadcast by the hub, so
// the same message never shows up twice.
package chat

import (
	"fmt"
	"sync"
	"time"

	"signoff/hub/internal/protocol"
)

// Status of a timeline entry.
type Status string

const (
	StatusSent      Status = "SENT"      // optimistic, awaiting confirmation
	StatusConfirmed Status = "CONFIRMED" // authoritative copy received
	StatusError     Status = "ERROR"     // failed or timed out, resendable
)

const (
	defaultSendTimeout = 60 * time.Second

	// How far back a confirmation may reach when matched against a pending
	// send. Older pending entries are considered stale and left alone.
	defaultLookback = 2 * time.Minute
)

// Entry is one message in the timeline. Pending entries carry a provisional
// TempID derived from wall-clock microseconds, several orders of magnitude
// above anything the database sequence will ever assign, so the two id
// spaces can never collide.
type Entry struct {
	protocol.ChatMessage
	TempID int64  `json:"tempId,omitempty"`
	Status Status `json:"status"`
}

// Options tunes a Timeline. Zero values pick the defaults.
type Options struct {
	SendTimeout time.Duration
	Lookback    time.Duration

	// OnChange receives a snapshot after every mutation. Called without the
	// timeline lock held.
	OnChange func([]Entry)

	// Now overrides the clock in tests.
	Now func() time.Time
}

// PublishFunc delivers one outgoing message to the hub. It reports only
// immediate delivery failure; confirmation arrives asynchronously via Apply.
type PublishFunc func(protocol.ChatMessage) error

// Timeline is the reconciled message list for one channel. All methods are
// safe for concurrent use; mutations are serialized per channel.
type Timeline struct {
	channelID int64
	publish   PublishFunc

	sendTimeout time.Duration
	lookback    time.Duration
	onChange    func([]Entry)
	now         func() time.Time

	mu         sync.Mutex
	entries    []Entry
	timers     map[int64]*time.Timer
	lastTempID int64
	closed     bool
}

func NewTimeline(channelID int64, publish PublishFunc, opts Options) *Timeline {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.Lookback <= 0 {
		opts.Lookback = defaultLookback
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Timeline{
		channelID:   channelID,
		publish:     publish,
		sendTimeout: opts.SendTimeout,
		lookback:    opts.Lookback,
		onChange:    opts.OnChange,
		now:         opts.Now,
		timers:      make(map[int64]*time.Timer),
	}
}

// Entries returns a snapshot of the timeline in order.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Send appends an optimistic entry and pushes the message to the hub. The
// entry confirms when the authoritative broadcast comes back through Apply,
// flips to ERROR if delivery fails outright, and times out to ERROR if no
// confirmation arrives within the send timeout.
func (t *Timeline) Send(senderID int64, senderName, content string) int64 {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0
	}
	tempID := t.nextTempIDLocked()
	msg := protocol.ChatMessage{
		ChannelID:  t.channelID,
		SenderID:   senderID,
		SenderName: senderName,
		Content:    content,
		SentAt:     t.now().UTC(),
	}
	t.entries = append(t.entries, Entry{ChatMessage: msg, TempID: tempID, Status: StatusSent})
	t.timers[tempID] = time.AfterFunc(t.sendTimeout, func() { t.expire(tempID) })
	t.mu.Unlock()

	t.notify()

	if err := t.publish(msg); err != nil {
		t.markError(tempID)
	}
	return tempID
}

// Resend retries a failed entry: the ERROR entry is removed and the same
// content goes out as a fresh optimistic send at the end of the timeline.
func (t *Timeline) Resend(tempID int64) (int64, error) {
	t.mu.Lock()
	idx := -1
	for i, entry := range t.entries {
		if entry.TempID == tempID && entry.Status == StatusError {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.mu.Unlock()
		return 0, fmt.Errorf("no failed entry with temp id %d", tempID)
	}
	old := t.entries[idx]
	t.entries = append(t.entries[:idx], t.entries[idx+1:]...)
	t.mu.Unlock()

	return t.Send(old.SenderID, old.SenderName, old.Content), nil
}

// Apply merges one authoritative message into the timeline. It is
// idempotent: redelivery of an already known id changes nothing. A
// confirmation for a message this client sent replaces the pending entry in
// place, preserving its position; anything else appends.
func (t *Timeline) Apply(msg protocol.ChatMessage) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	for _, entry := range t.entries {
		if entry.ID != 0 && entry.ID == msg.ID {
			t.mu.Unlock()
			return
		}
	}

	if !msg.Assistant {
		if idx, ok := t.matchPendingLocked(msg); ok {
			tempID := t.entries[idx].TempID
			t.entries[idx] = Entry{ChatMessage: msg, Status: StatusConfirmed}
			t.stopTimerLocked(tempID)
			t.mu.Unlock()
			t.notify()
			return
		}
	}

	t.entries = append(t.entries, Entry{ChatMessage: msg, Status: StatusConfirmed})
	t.mu.Unlock()
	t.notify()
}

// ApplyError handles a turn-level failure from the hub: the most recent
// pending send flips to ERROR instead of a separate error bubble appearing.
func (t *Timeline) ApplyError(reason string) {
	t.mu.Lock()
	for i := len(t.entries) - 1; i >= 0; i-- {
		entry := t.entries[i]
		if entry.Status == StatusSent && !entry.Assistant {
			t.entries[i].Status = StatusError
			t.stopTimerLocked(entry.TempID)
			t.mu.Unlock()
			t.notify()
			return
		}
	}
	t.mu.Unlock()
}

// Reset replaces confirmed history with an authoritative refetch, keeping
// in-flight and failed sends that the history does not cover yet. Used after
// a reconnect.
func (t *Timeline) Reset(history []protocol.ChatMessage) {
	t.mu.Lock()
	var pending []Entry
	for _, entry := range t.entries {
		if entry.Status == StatusConfirmed {
			continue
		}
		covered := false
		for _, msg := range history {
			if !msg.Assistant && msg.SenderID == entry.SenderID && msg.Content == entry.Content {
				covered = true
				break
			}
		}
		if covered {
			t.stopTimerLocked(entry.TempID)
			continue
		}
		pending = append(pending, entry)
	}

	t.entries = t.entries[:0]
	for _, msg := range history {
		t.entries = append(t.entries, Entry{ChatMessage: msg, Status: StatusConfirmed})
	}
	t.entries = append(t.entries, pending...)
	t.mu.Unlock()
	t.notify()
}

// Close stops all pending deadline timers. The timeline accepts no further
// mutations; used when the channel view goes away.
func (t *Timeline) Close() {
	t.mu.Lock()
	t.closed = true
	for tempID, timer := range t.timers {
		timer.Stop()
		delete(t.timers, tempID)
	}
	t.mu.Unlock()
}

// matchPendingLocked finds the oldest pending send matching the confirmed
// message by sender and content, ignoring entries older than the lookback
// window.
func (t *Timeline) matchPendingLocked(msg protocol.ChatMessage) (int, bool) {
	cutoff := t.now().Add(-t.lookback)
	for i, entry := range t.entries {
		if entry.Status != StatusSent || entry.Assistant {
			continue
		}
		if entry.SentAt.Before(cutoff) {
			continue
		}
		if entry.SenderID == msg.SenderID && entry.Content == msg.Content {
			return i, true
		}
	}
	return 0, false
}

func (t *Timeline) expire(tempID int64) {
	t.markError(tempID)
}

func (t *Timeline) markError(tempID int64) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	changed := false
	for i, entry := range t.entries {
		if entry.TempID == tempID && entry.Status == StatusSent {
			t.entries[i].Status = StatusError
			changed = true
			break
		}
	}
	t.stopTimerLocked(tempID)
	t.mu.Unlock()
	if changed {
		t.notify()
	}
}

func (t *Timeline) stopTimerLocked(tempID int64) {
	if timer, ok := t.timers[tempID]; ok {
		timer.Stop()
		delete(t.timers, tempID)
	}
}

// nextTempIDLocked derives a provisional id from the clock, bumped to stay
// strictly increasing when two sends land in the same microsecond.
func (t *Timeline) nextTempIDLocked() int64 {
	id := t.now().UnixMicro()
	if id <= t.lastTempID {
		id = t.lastTempID + 1
	}
	t.lastTempID = id
	return id
}

func (t *Timeline) snapshotLocked() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *Timeline) notify() {
	if t.onChange == nil {
		return
	}
	t.mu.Lock()
	snapshot := t.snapshotLocked()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	t.onChange(snapshot)
}
