// Package job owns the persistent job ledger: one JSON record per job,
// claim/completion/staleness transitions, and the at-most-one-active
// invariant for the single bridge worker.
package job

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/silentstar/starbridge/internal/fsstore"
	"github.com/silentstar/starbridge/internal/lock"
)

// lockName serializes every queue-mutating operation. Read-only listing
// deliberately bypasses it; consumers re-derive "active job" under the lock
// before acting on it.
const lockName = "jobs"

const (
	// DefaultStaleTTL matches the worker's expected turnaround with slack.
	DefaultStaleTTL = 300 * time.Second
	// minStaleTTL is the clamp floor; anything lower causes pathological
	// rapid expiry.
	minStaleTTL = 30 * time.Second
)

// Options configures a Ledger.
type Options struct {
	// StaleTTL is the queued/running age limit before forced expiry.
	// Values below 30s are clamped up to the default.
	StaleTTL time.Duration
	// TriggerPath, if set, is touched after every successful submit to
	// wake a cron-driven worker immediately.
	TriggerPath string
}

// Ledger provides CRUD, claim, completion and staleness expiry over the
// job records in a single directory.
type Ledger struct {
	store       *fsstore.Store
	gate        *lock.Gate
	staleTTL    time.Duration
	triggerPath string
	logger      *slog.Logger
}

// NewLedger creates a Ledger over store, serialized through gate.
func NewLedger(store *fsstore.Store, gate *lock.Gate, opts Options, logger *slog.Logger) *Ledger {
	ttl := opts.StaleTTL
	if ttl < minStaleTTL {
		ttl = DefaultStaleTTL
	}
	return &Ledger{
		store:       store,
		gate:        gate,
		staleTTL:    ttl,
		triggerPath: opts.TriggerPath,
		logger:      logger,
	}
}

// StaleTTL returns the effective (clamped) staleness TTL.
func (l *Ledger) StaleTTL() time.Duration { return l.staleTTL }

// Submit creates a new queued job. Under the jobs lock it first expires
// stale jobs, then rejects with ErrBridgeBusy if any job is still active.
// attach, if non-nil, stores the validated upload for the allocated job id;
// an attach failure aborts the submit before anything is written.
func (l *Ledger) Submit(req SubmitRequest, attach func(jobID string) (*Upload, error)) (*Job, error) {
	if req.Message == "" && attach == nil {
		return nil, ErrEmptyMessage
	}

	var out *Job
	err := l.gate.With(lockName, func() error {
		l.cleanupStaleLocked()

		if active := l.findActive(); active != nil {
			return ErrBridgeBusy
		}

		id := NewID()
		var upload *Upload
		if attach != nil {
			var err error
			upload, err = attach(id)
			if err != nil {
				return err
			}
		}

		now := nowStamp()
		j := &Job{
			ID:        id,
			Status:    StatusQueued,
			Message:   req.Message,
			Actor:     req.Actor,
			Tags:      req.Tags,
			Upload:    upload,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if j.Tags == nil {
			j.Tags = []string{}
		}
		if err := l.store.WriteJSON(id, j); err != nil {
			return err
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.touchTrigger()
	l.logger.Info("job submitted", "job_id", out.ID, "actor", out.Actor, "has_upload", out.Upload != nil)
	return out, nil
}

// List returns every decodable job record ordered by creation time
// ascending. Malformed records are skipped.
func (l *Ledger) List() ([]*Job, error) {
	keys, err := l.store.Keys()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(keys))
	for _, key := range keys {
		var j Job
		if err := l.store.ReadJSON(key, &j); err != nil {
			continue
		}
		if j.ID == "" {
			continue
		}
		jobs = append(jobs, &j)
	}

	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt < jobs[k].CreatedAt
	})
	return jobs, nil
}

// Get looks a job up by id. Ids that fail strict validation are reported as
// not found without touching the filesystem.
func (l *Ledger) Get(id string) (*Job, error) {
	if !ValidID(id) {
		return nil, ErrJobNotFound
	}
	var j Job
	if err := l.store.ReadJSON(id, &j); err != nil {
		if errors.Is(err, fsstore.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &j, nil
}

// FindActive returns the first job in listing order that is queued or
// running, or nil.
func (l *Ledger) FindActive() (*Job, error) {
	return l.findActive(), nil
}

func (l *Ledger) findActive() *Job {
	jobs, err := l.List()
	if err != nil {
		return nil
	}
	for _, j := range jobs {
		if j.Status.Active() {
			return j
		}
	}
	return nil
}

// ClaimNext atomically flips the oldest queued job to running and returns
// it. A nil job with nil error means there is nothing to do.
func (l *Ledger) ClaimNext(worker string) (*Job, error) {
	var claimed *Job
	err := l.gate.With(lockName, func() error {
		l.cleanupStaleLocked()

		jobs, err := l.List()
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if j.Status != StatusQueued {
				continue
			}
			updated, err := l.update(j.ID, func(row *Job) {
				// The lock already serializes claims in-process;
				// this re-check guards out-of-band mutation.
				if row.Status != StatusQueued {
					return
				}
				now := nowStamp()
				row.Status = StatusRunning
				row.ClaimedAt = &now
				if worker != "" {
					w := worker
					row.Worker = &w
				}
			})
			if err != nil {
				return err
			}
			if updated != nil && updated.Status == StatusRunning {
				claimed = updated
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		l.logger.Info("job claimed", "job_id", claimed.ID, "worker", worker)
	}
	return claimed, nil
}

// Finish writes the terminal fields for id. Completing an already-terminal
// job is an idempotent no-op that returns the existing record unchanged and
// triggers no side effects, guarding duplicate completion callbacks.
func (l *Ledger) Finish(id string, req FinishRequest) (*Job, error) {
	if !req.Status.Terminal() {
		return nil, fmt.Errorf("invalid terminal status: %q", req.Status)
	}

	var out *Job
	err := l.gate.With(lockName, func() error {
		existing, err := l.Get(id)
		if err != nil {
			return err
		}
		if existing.Status.Terminal() {
			out = existing
			return nil
		}

		updated, err := l.update(id, func(row *Job) {
			now := nowStamp()
			row.Status = req.Status
			row.CompletedAt = &now
			row.ReplyText = req.ReplyText
			row.Display = req.Display
			row.ReplyActor = req.ReplyActor
			row.ErrorMessage = req.ErrorMessage
			row.TurnID = req.TurnID
		})
		if err != nil {
			return err
		}
		if updated == nil {
			return ErrJobNotFound
		}
		l.releaseUpload(updated)
		out = updated
		l.logger.Info("job finished", "job_id", id, "status", string(req.Status))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CleanupStale force-expires queued/running jobs whose anchor timestamp
// (claimed_at when present, else created_at) is older than the TTL.
// Returns the number of jobs expired.
func (l *Ledger) CleanupStale() (int, error) {
	var count int
	err := l.gate.With(lockName, func() error {
		count = l.cleanupStaleLocked()
		return nil
	})
	return count, err
}

// cleanupStaleLocked must be called with the jobs lock held.
func (l *Ledger) cleanupStaleLocked() int {
	jobs, err := l.List()
	if err != nil {
		return 0
	}

	count := 0
	now := time.Now().UTC()
	for _, j := range jobs {
		if !j.Status.Active() {
			continue
		}
		anchor := j.CreatedAt
		if j.ClaimedAt != nil && *j.ClaimedAt != "" {
			anchor = *j.ClaimedAt
		}
		ts, err := parseStamp(anchor)
		if err != nil || now.Sub(ts) < l.staleTTL {
			continue
		}

		updated, err := l.update(j.ID, func(row *Job) {
			stamp := nowStamp()
			msg := StaleMessage
			row.Status = StatusError
			row.ErrorMessage = &msg
			row.CompletedAt = &stamp
		})
		if err != nil || updated == nil {
			continue
		}
		l.releaseUpload(updated)
		count++
		l.logger.Warn("stale job expired", "job_id", j.ID, "was_status", string(j.Status))
	}
	return count
}

// Depth counts jobs currently occupying the active slot.
func (l *Ledger) Depth() (int, error) {
	jobs, err := l.List()
	if err != nil {
		return 0, err
	}
	depth := 0
	for _, j := range jobs {
		if j.Status.Active() {
			depth++
		}
	}
	return depth, nil
}

// update performs a read-modify-write of one record, refreshing updated_at.
// Returns nil if the record does not exist.
func (l *Ledger) update(id string, mutate func(*Job)) (*Job, error) {
	if !ValidID(id) {
		return nil, nil
	}
	var j Job
	if err := l.store.ReadJSON(id, &j); err != nil {
		if errors.Is(err, fsstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	mutate(&j)
	j.ID = id
	j.UpdatedAt = nowStamp()
	if err := l.store.WriteJSON(id, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// releaseUpload deletes the temporary upload referenced by the job.
// Best-effort: a missing file is fine.
func (l *Ledger) releaseUpload(j *Job) {
	if j.Upload == nil || j.Upload.HostPath == "" {
		return
	}
	if err := os.Remove(j.Upload.HostPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("failed to remove upload", "job_id", j.ID, "path", j.Upload.HostPath, "error", err)
	}
}

func (l *Ledger) touchTrigger() {
	if l.triggerPath == "" {
		return
	}
	f, err := os.OpenFile(l.triggerPath, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	_ = f.Close()
	now := time.Now()
	_ = os.Chtimes(l.triggerPath, now, now)
}
