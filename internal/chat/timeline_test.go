package chat

import (
	"errors"
	"sync"
	"testing"
	"time"

	"signoff/hub/internal/protocol"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func okPublish(protocol.ChatMessage) error { return nil }

func TestSendAppendsOptimisticEntry(t *testing.T) {
	var published []protocol.ChatMessage
	tl := NewTimeline(5, func(msg protocol.ChatMessage) error {
		published = append(published, msg)
		return nil
	}, Options{})
	defer tl.Close()

	tempID := tl.Send(7, "dana", "please review v3")

	entries := tl.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	got := entries[0]
	if got.Status != StatusSent {
		t.Errorf("expected status SENT, got %s", got.Status)
	}
	if got.TempID != tempID {
		t.Errorf("entry temp id %d does not match returned %d", got.TempID, tempID)
	}
	// Microsecond timestamps sit far above anything a bigserial will reach.
	if tempID < 1_000_000_000_000_000 {
		t.Errorf("temp id %d is not in the provisional id range", tempID)
	}
	if len(published) != 1 || published[0].Content != "please review v3" || published[0].ChannelID != 5 {
		t.Errorf("unexpected publish: %+v", published)
	}
}

func TestTempIDsStrictlyIncrease(t *testing.T) {
	tl := NewTimeline(5, okPublish, Options{})
	defer tl.Close()

	a := tl.Send(7, "dana", "one")
	b := tl.Send(7, "dana", "two")
	if b <= a {
		t.Errorf("temp ids must increase: first %d, second %d", a, b)
	}
}

func TestApplyConfirmsPendingInPlace(t *testing.T) {
	tl := NewTimeline(5, okPublish, Options{})
	defer tl.Close()

	tl.Send(7, "dana", "first")
	tl.Send(7, "dana", "second")

	tl.Apply(protocol.ChatMessage{ID: 101, ChannelID: 5, SenderID: 7, Content: "first", SentAt: time.Now()})

	entries := tl.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Status != StatusConfirmed || entries[0].ID != 101 {
		t.Errorf("first entry not confirmed in place: %+v", entries[0])
	}
	if entries[1].Status != StatusSent || entries[1].Content != "second" {
		t.Errorf("second entry should still be pending: %+v", entries[1])
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	tl := NewTimeline(5, okPublish, Options{})
	defer tl.Close()

	msg := protocol.ChatMessage{ID: 101, ChannelID: 5, SenderID: 9, Content: "hello"}
	tl.Apply(msg)
	tl.Apply(msg)
	tl.Apply(msg)

	if got := len(tl.Entries()); got != 1 {
		t.Errorf("expected 1 entry after redelivery, got %d", got)
	}
}

func TestApplyAssistantNeverMergesWithPending(t *testing.T) {
	tl := NewTimeline(5, okPublish, Options{})
	defer tl.Close()

	tl.Send(7, "dana", "summarize this")
	tl.Apply(protocol.ChatMessage{ID: 200, ChannelID: 5, SenderID: 7, Assistant: true, Content: "summarize this"})

	entries := tl.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Status != StatusSent {
		t.Errorf("pending entry must survive an assistant append: %+v", entries[0])
	}
	if !entries[1].Assistant || entries[1].Status != StatusConfirmed {
		t.Errorf("assistant entry should append confirmed: %+v", entries[1])
	}
}

func TestOldestPendingWinsOnDuplicateContent(t *testing.T) {
	tl := NewTimeline(5, okPublish, Options{})
	defer tl.Close()

	tl.Send(7, "dana", "ping")
	tl.Send(7, "dana", "ping")

	tl.Apply(protocol.ChatMessage{ID: 300, ChannelID: 5, SenderID: 7, Content: "ping"})

	entries := tl.Entries()
	if entries[0].Status != StatusConfirmed || entries[0].ID != 300 {
		t.Errorf("oldest pending should confirm first: %+v", entries[0])
	}
	if entries[1].Status != StatusSent {
		t.Errorf("newer duplicate should stay pending: %+v", entries[1])
	}
}

func TestStalePendingIsNotMatched(t *testing.T) {
	clock := newFakeClock()
	tl := NewTimeline(5, okPublish, Options{Now: clock.Now})
	defer tl.Close()

	tl.Send(7, "dana", "old message")
	clock.Advance(3 * time.Minute)

	tl.Apply(protocol.ChatMessage{ID: 400, ChannelID: 5, SenderID: 7, Content: "old message"})

	entries := tl.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected append, got %d entries", len(entries))
	}
	if entries[0].Status != StatusSent {
		t.Errorf("stale pending entry must be left alone: %+v", entries[0])
	}
}

func TestPublishFailureMarksError(t *testing.T) {
	tl := NewTimeline(5, func(protocol.ChatMessage) error {
		return errors.New("connection reset")
	}, Options{})
	defer tl.Close()

	tl.Send(7, "dana", "doomed")

	entries := tl.Entries()
	if entries[0].Status != StatusError {
		t.Errorf("expected ERROR after publish failure, got %s", entries[0].Status)
	}
}

func TestSendDeadlineFlipsToError(t *testing.T) {
	tl := NewTimeline(5, okPublish, Options{SendTimeout: 20 * time.Millisecond})
	defer tl.Close()

	tl.Send(7, "dana", "never confirmed")

	deadline := time.After(2 * time.Second)
	for {
		if tl.Entries()[0].Status == StatusError {
			return
		}
		select {
		case <-deadline:
			t.Fatal("entry never flipped to ERROR after the send deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestConfirmationBeforeDeadlineSticks(t *testing.T) {
	tl := NewTimeline(5, okPublish, Options{SendTimeout: 30 * time.Millisecond})
	defer tl.Close()

	tl.Send(7, "dana", "quick")
	tl.Apply(protocol.ChatMessage{ID: 500, ChannelID: 5, SenderID: 7, Content: "quick"})

	time.Sleep(60 * time.Millisecond)
	if got := tl.Entries()[0].Status; got != StatusConfirmed {
		t.Errorf("confirmed entry regressed to %s after the deadline passed", got)
	}
}

func TestResendRemovesFailedEntryAndRetries(t *testing.T) {
	var publishErr error
	var published int
	tl := NewTimeline(5, func(protocol.ChatMessage) error {
		published++
		return publishErr
	}, Options{})
	defer tl.Close()

	publishErr = errors.New("offline")
	tempID := tl.Send(7, "dana", "retry me")
	if tl.Entries()[0].Status != StatusError {
		t.Fatal("setup: entry should have failed")
	}

	publishErr = nil
	newID, err := tl.Resend(tempID)
	if err != nil {
		t.Fatalf("Resend failed: %v", err)
	}
	if newID == tempID {
		t.Error("resend must mint a fresh temp id")
	}

	entries := tl.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected failed entry replaced, got %d entries", len(entries))
	}
	if entries[0].Status != StatusSent || entries[0].TempID != newID {
		t.Errorf("unexpected entry after resend: %+v", entries[0])
	}
	if published != 2 {
		t.Errorf("expected 2 publish attempts, got %d", published)
	}
}

func TestResendRejectsUnknownOrHealthyEntries(t *testing.T) {
	tl := NewTimeline(5, okPublish, Options{})
	defer tl.Close()

	tempID := tl.Send(7, "dana", "fine")
	if _, err := tl.Resend(tempID); err == nil {
		t.Error("resending a pending entry should fail")
	}
	if _, err := tl.Resend(123456); err == nil {
		t.Error("resending an unknown temp id should fail")
	}
}

func TestApplyErrorMarksLatestPending(t *testing.T) {
	tl := NewTimeline(5, okPublish, Options{})
	defer tl.Close()

	tl.Send(7, "dana", "first")
	tl.Send(7, "dana", "second")

	tl.ApplyError("assistant unavailable")

	entries := tl.Entries()
	if entries[0].Status != StatusSent {
		t.Errorf("older pending entry should be untouched: %+v", entries[0])
	}
	if entries[1].Status != StatusError {
		t.Errorf("latest pending entry should fail: %+v", entries[1])
	}
}

func TestResetKeepsUncoveredPending(t *testing.T) {
	tl := NewTimeline(5, okPublish, Options{})
	defer tl.Close()

	tl.Send(7, "dana", "made it")
	tl.Send(7, "dana", "still in flight")

	tl.Reset([]protocol.ChatMessage{
		{ID: 1, ChannelID: 5, SenderID: 9, Content: "earlier history"},
		{ID: 2, ChannelID: 5, SenderID: 7, Content: "made it"},
	})

	entries := tl.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].ID != 1 || entries[1].ID != 2 {
		t.Errorf("history should lead the timeline: %+v", entries[:2])
	}
	if entries[2].Status != StatusSent || entries[2].Content != "still in flight" {
		t.Errorf("uncovered pending send should survive the reset: %+v", entries[2])
	}
}

func TestOnChangeFiresWithSnapshots(t *testing.T) {
	var mu sync.Mutex
	var calls [][]Entry
	tl := NewTimeline(5, okPublish, Options{OnChange: func(entries []Entry) {
		mu.Lock()
		calls = append(calls, entries)
		mu.Unlock()
	}})
	defer tl.Close()

	tl.Send(7, "dana", "hello")
	tl.Apply(protocol.ChatMessage{ID: 600, ChannelID: 5, SenderID: 7, Content: "hello"})

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 {
		t.Fatalf("expected 2 change notifications, got %d", len(calls))
	}
	if calls[0][0].Status != StatusSent || calls[1][0].Status != StatusConfirmed {
		t.Errorf("snapshots out of order: %+v then %+v", calls[0][0].Status, calls[1][0].Status)
	}
}
