// Package stream implements the tail-follow side channel for in-flight
// jobs. The job record is rewritten wholesale on every ledger mutation, so
// incremental worker output goes to a separate append-only file of
// independently decodable JSON lines, one per chunk, closed by a done
// marker.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// EventType identifies an event forwarded to a follower.
type EventType string

const (
	// EventChunk carries one incremental text chunk.
	EventChunk EventType = "chunk"
	// EventDone means the writer marked the stream complete.
	EventDone EventType = "done"
	// EventTimeout means the follow hit its wall-clock limit; the caller
	// should resume via the snapshot read path.
	EventTimeout EventType = "timeout"
	// EventFallback means there is no stream to follow; Status says why
	// ("done" for an already-terminal job, "pending" otherwise).
	EventFallback EventType = "fallback"
)

// Event is one unit delivered to a follower.
type Event struct {
	Type   EventType
	Text   string
	Status string
}

const (
	// DefaultMaxFollow bounds server-side resources held by one follower.
	DefaultMaxFollow = 110 * time.Second
	// defaultPollInterval is the sleep between empty reads.
	defaultPollInterval = 50 * time.Millisecond
	// defaultMissingRetryWait is the single grace wait for a stream file
	// that the worker has not created yet.
	defaultMissingRetryWait = 500 * time.Millisecond
)

// Channel manages the per-job stream files in one directory.
type Channel struct {
	dir string

	// Tunables, overridable in tests.
	MaxFollow        time.Duration
	PollInterval     time.Duration
	MissingRetryWait time.Duration
}

// New creates a Channel rooted at dir.
func New(dir string) (*Channel, error) {
	if dir == "" {
		return nil, fmt.Errorf("stream directory is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create stream directory: %w", err)
	}
	return &Channel{
		dir:              dir,
		MaxFollow:        DefaultMaxFollow,
		PollInterval:     defaultPollInterval,
		MissingRetryWait: defaultMissingRetryWait,
	}, nil
}

// Path returns the stream file path for a job id. Callers validate ids
// before they get here.
func (c *Channel) Path(jobID string) string {
	return filepath.Join(c.dir, jobID+".stream")
}

type line struct {
	T    *string `json:"t,omitempty"`
	Done *bool   `json:"done,omitempty"`
}

// AppendChunk appends one text chunk line for the job.
func (c *Channel) AppendChunk(jobID, text string) error {
	t := text
	return c.appendLine(jobID, line{T: &t})
}

// AppendDone appends the completion marker, ending any follower.
func (c *Channel) AppendDone(jobID string) error {
	done := true
	return c.appendLine(jobID, line{Done: &done})
}

func (c *Channel) appendLine(jobID string, l line) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode stream line: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(c.Path(jobID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open stream file: %w", err)
	}
	defer f.Close()

	// One write per line keeps lines intact for concurrent readers.
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append stream line: %w", err)
	}
	return nil
}

// Remove deletes the stream file. Best-effort.
func (c *Channel) Remove(jobID string) {
	_ = os.Remove(c.Path(jobID))
}

// Follow tails the stream for jobID, calling emit for every event until the
// done marker, the wall-clock limit, or ctx cancellation (the transport's
// disconnect signal). jobTerminal reports whether the job record is already
// in a terminal state; it is consulted only when the stream file is absent.
//
// Unparseable lines are skipped without aborting the stream. An emit error
// stops the follow immediately.
func (c *Channel) Follow(ctx context.Context, jobID string, jobTerminal func() bool, emit func(Event) error) error {
	path := c.Path(jobID)

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		if jobTerminal() {
			return emit(Event{Type: EventFallback, Status: "done"})
		}
		// The worker may not have started appending yet; wait once.
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.MissingRetryWait):
		}
		f, err = os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			return emit(Event{Type: EventFallback, Status: "pending"})
		}
	}
	if err != nil {
		return fmt.Errorf("open stream %q: %w", jobID, err)
	}
	defer f.Close()

	deadline := time.Now().Add(c.MaxFollow)
	var pending []byte
	buf := make([]byte, 4096)

	for {
		if time.Now().After(deadline) {
			return emit(Event{Type: EventTimeout})
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := f.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			done, emitErr := c.drainLines(&pending, emit)
			if emitErr != nil {
				return emitErr
			}
			if done {
				return nil
			}
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read stream %q: %w", jobID, err)
		}

		// Nothing new; sleep briefly instead of busy-spinning, but stay
		// responsive to disconnects.
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.PollInterval):
		}
	}
}

// drainLines emits events for every complete line in pending, leaving any
// trailing partial line in place. Returns true once the done marker is seen.
func (c *Channel) drainLines(pending *[]byte, emit func(Event) error) (bool, error) {
	for {
		idx := bytes.IndexByte(*pending, '\n')
		if idx < 0 {
			return false, nil
		}
		raw := bytes.TrimSpace((*pending)[:idx])
		*pending = (*pending)[idx+1:]
		if len(raw) == 0 {
			continue
		}

		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			continue
		}
		if l.Done != nil {
			return true, emit(Event{Type: EventDone})
		}
		if l.T != nil {
			if err := emit(Event{Type: EventChunk, Text: *l.T}); err != nil {
				return false, err
			}
		}
	}
}
