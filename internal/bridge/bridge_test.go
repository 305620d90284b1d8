package bridge

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/silentstar/starbridge/internal/fsstore"
	"github.com/silentstar/starbridge/internal/lock"
	"github.com/silentstar/starbridge/internal/log"
)

func newTestTracker(t *testing.T, ttl time.Duration) (*Tracker, *fsstore.Store) {
	t.Helper()

	root := t.TempDir()
	store, err := fsstore.New(filepath.Join(root, "state"))
	if err != nil {
		t.Fatalf("fsstore.New: %v", err)
	}
	gate, err := lock.NewGate(filepath.Join(root, "state"))
	if err != nil {
		t.Fatalf("lock.NewGate: %v", err)
	}
	return NewTracker(store, gate, ttl, log.WithComponent("test")), store
}

func TestNeverSeenIsOffline(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t, 8*time.Second)
	st, err := tr.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if tr.Online(st) {
		t.Fatal("never-seen bridge reported online")
	}
}

func TestHeartbeatMakesOnline(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t, 8*time.Second)
	if err := tr.RecordHeartbeat(true, "worker-a"); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}

	st, err := tr.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if !tr.Online(st) {
		t.Fatal("fresh heartbeat reported offline")
	}
	if !st.Busy {
		t.Fatal("busy flag lost")
	}
	if st.Worker == nil || *st.Worker != "worker-a" {
		t.Fatalf("worker label lost: %#v", st.Worker)
	}
}

func TestOnlineTTLBoundary(t *testing.T) {
	t.Parallel()

	ttl := 8 * time.Second
	tr, store := newTestTracker(t, ttl)

	plant := func(age time.Duration) State {
		stamp := time.Now().UTC().Add(-age).Format(timeLayout)
		st := State{LastSeenAt: &stamp, UpdatedAt: stamp}
		if err := store.WriteJSON(stateKey, st); err != nil {
			t.Fatalf("plant state: %v", err)
		}
		got, err := tr.State()
		if err != nil {
			t.Fatalf("State: %v", err)
		}
		return got
	}

	// At exactly ttl the bridge still counts as online.
	if !tr.Online(plant(ttl - 50*time.Millisecond)) {
		t.Fatal("expected online just inside ttl")
	}
	if tr.Online(plant(ttl + time.Second)) {
		t.Fatal("expected offline past ttl")
	}
}

func TestUnparseableTimestampIsOffline(t *testing.T) {
	t.Parallel()

	tr, store := newTestTracker(t, 8*time.Second)
	garbage := "not-a-timestamp"
	if err := store.WriteJSON(stateKey, State{LastSeenAt: &garbage}); err != nil {
		t.Fatalf("plant state: %v", err)
	}
	st, err := tr.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if tr.Online(st) {
		t.Fatal("garbage timestamp reported online")
	}
}

func TestHeartbeatOverwritesWholesale(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t, 8*time.Second)
	if err := tr.RecordHeartbeat(true, "worker-a"); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}
	if err := tr.RecordHeartbeat(false, ""); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}

	st, err := tr.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.Busy {
		t.Fatal("busy flag survived overwrite")
	}
	if st.Worker != nil {
		t.Fatalf("worker label survived overwrite: %#v", st.Worker)
	}
}
