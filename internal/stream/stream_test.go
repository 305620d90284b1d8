package stream

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"
)

func newTestChannel(t *testing.T) *Channel {
	t.Helper()

	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.PollInterval = 5 * time.Millisecond
	c.MissingRetryWait = 20 * time.Millisecond
	return c
}

func collect(t *testing.T, c *Channel, jobID string, terminal bool) []Event {
	t.Helper()

	var events []Event
	err := c.Follow(context.Background(), jobID, func() bool { return terminal }, func(e Event) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		t.Fatalf("Follow: %v", err)
	}
	return events
}

func TestFollowForwardsChunksUntilDone(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t)
	const id = "deadbeefdeadbeefdeadbeef"

	if err := c.AppendChunk(id, "hel"); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}

	var mu sync.Mutex
	var events []Event

	done := make(chan error, 1)
	go func() {
		done <- c.Follow(context.Background(), id, func() bool { return false }, func(e Event) error {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
			return nil
		})
	}()

	// Writer keeps appending while the follower is attached.
	time.Sleep(20 * time.Millisecond)
	if err := c.AppendChunk(id, "lo"); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}
	if err := c.AppendDone(id); err != nil {
		t.Fatalf("AppendDone: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Follow: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("follow did not end on done marker")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 3 {
		t.Fatalf("expected chunk, chunk, done; got %#v", events)
	}
	if events[0].Type != EventChunk || events[0].Text != "hel" {
		t.Fatalf("bad first event: %#v", events[0])
	}
	if events[1].Type != EventChunk || events[1].Text != "lo" {
		t.Fatalf("bad second event: %#v", events[1])
	}
	if events[2].Type != EventDone {
		t.Fatalf("bad final event: %#v", events[2])
	}
}

func TestFollowMissingFileTerminalJob(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t)
	events := collect(t, c, "deadbeefdeadbeefdeadbeef", true)
	if len(events) != 1 || events[0].Type != EventFallback || events[0].Status != "done" {
		t.Fatalf("expected done fallback, got %#v", events)
	}
}

func TestFollowMissingFilePendingJob(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t)
	events := collect(t, c, "deadbeefdeadbeefdeadbeef", false)
	if len(events) != 1 || events[0].Type != EventFallback || events[0].Status != "pending" {
		t.Fatalf("expected pending fallback, got %#v", events)
	}
}

func TestFollowPicksUpLateFile(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t)
	const id = "deadbeefdeadbeefdeadbeef"

	// The file appears within the single retry window.
	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = c.AppendChunk(id, "late")
		_ = c.AppendDone(id)
	}()

	events := collect(t, c, id, false)
	if len(events) != 2 || events[0].Type != EventChunk || events[0].Text != "late" {
		t.Fatalf("expected late chunk then done, got %#v", events)
	}
}

func TestFollowSkipsUnparseableLines(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t)
	const id = "deadbeefdeadbeefdeadbeef"

	f, err := os.OpenFile(c.Path(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("not json\n\n{\"t\":\"ok\"}\n{\"done\":true}\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = f.Close()

	events := collect(t, c, id, false)
	if len(events) != 2 || events[0].Type != EventChunk || events[0].Text != "ok" || events[1].Type != EventDone {
		t.Fatalf("unexpected events: %#v", events)
	}
}

func TestFollowTimesOut(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t)
	c.MaxFollow = 30 * time.Millisecond
	const id = "deadbeefdeadbeefdeadbeef"

	if err := c.AppendChunk(id, "only"); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}

	events := collect(t, c, id, false)
	if len(events) == 0 || events[len(events)-1].Type != EventTimeout {
		t.Fatalf("expected trailing timeout event, got %#v", events)
	}
}

func TestFollowStopsOnDisconnect(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t)
	const id = "deadbeefdeadbeefdeadbeef"

	if err := c.AppendChunk(id, "x"); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Follow(ctx, id, func() bool { return false }, func(Event) error { return nil })
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Follow after disconnect: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("follow kept running after disconnect")
	}
}

func TestFollowStopsOnEmitError(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t)
	const id = "deadbeefdeadbeefdeadbeef"

	if err := c.AppendChunk(id, "a"); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}
	if err := c.AppendChunk(id, "b"); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}

	wantErr := errors.New("client gone")
	calls := 0
	err := c.Follow(context.Background(), id, func() bool { return false }, func(Event) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected emit error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("emit called %d times after error", calls)
	}
}
