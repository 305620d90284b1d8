// Package bridge tracks the remote worker's liveness. The worker proves it
// is alive by writing fresh heartbeat timestamps; the server infers "online"
// purely from elapsed time. There is no push notification of shutdown.
package bridge

import (
	"errors"
	"log/slog"
	"time"

	"github.com/silentstar/starbridge/internal/fsstore"
	"github.com/silentstar/starbridge/internal/lock"
)

const (
	stateKey = "bridge"
	lockName = "bridge"

	// DefaultOnlineTTL assumes a worker heartbeat cadence of ~2s.
	DefaultOnlineTTL = 8 * time.Second
)

const timeLayout = "2006-01-02T15:04:05.000000Z"

// State is the singleton liveness record. It is overwritten wholesale on
// every heartbeat and never deleted.
type State struct {
	LastSeenAt *string `json:"last_seen_at"`
	Busy       bool    `json:"busy"`
	Worker     *string `json:"worker"`
	UpdatedAt  string  `json:"updated_at"`
}

// Tracker records and evaluates worker heartbeats.
type Tracker struct {
	store  *fsstore.Store
	gate   *lock.Gate
	ttl    time.Duration
	logger *slog.Logger
}

// NewTracker creates a Tracker persisting to store under its own lock name.
func NewTracker(store *fsstore.Store, gate *lock.Gate, ttl time.Duration, logger *slog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultOnlineTTL
	}
	return &Tracker{store: store, gate: gate, ttl: ttl, logger: logger}
}

// RecordHeartbeat overwrites the liveness record with the current time.
func (t *Tracker) RecordHeartbeat(busy bool, worker string) error {
	return t.gate.With(lockName, func() error {
		now := time.Now().UTC().Format(timeLayout)
		st := State{
			LastSeenAt: &now,
			Busy:       busy,
			UpdatedAt:  now,
		}
		if worker != "" {
			w := worker
			st.Worker = &w
		}
		if err := t.store.WriteJSON(stateKey, st); err != nil {
			return err
		}
		t.logger.Debug("heartbeat recorded", "busy", busy, "worker", worker)
		return nil
	})
}

// State returns the current liveness record. A missing record reads as a
// never-seen (offline) state rather than an error.
func (t *Tracker) State() (State, error) {
	var st State
	if err := t.store.ReadJSON(stateKey, &st); err != nil {
		if errors.Is(err, fsstore.ErrNotFound) {
			return State{}, nil
		}
		return State{}, err
	}
	return st, nil
}

// Online reports whether a heartbeat exists within the TTL. An absent or
// unparseable timestamp is always offline.
func (t *Tracker) Online(st State) bool {
	if st.LastSeenAt == nil || *st.LastSeenAt == "" {
		return false
	}
	seen, err := parseStamp(*st.LastSeenAt)
	if err != nil {
		return false
	}
	return time.Since(seen) <= t.ttl
}

func parseStamp(s string) (time.Time, error) {
	if ts, err := time.Parse(timeLayout, s); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, s)
}
