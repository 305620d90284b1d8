package job

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"regexp"
	"time"
)

type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Active reports whether the job occupies the single in-flight slot.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

// Upload references an attachment stored by the uploader. HostPath points at
// the temporary file on this host; it is deleted when the job reaches a
// terminal state.
type Upload struct {
	OriginalName string `json:"original_name"`
	MimeType     string `json:"mime_type"`
	SizeBytes    int64  `json:"size_bytes"`
	HostPath     string `json:"host_path"`
	HostName     string `json:"host_name"`
	Checksum     string `json:"checksum,omitempty"`
}

// Job is one unit of submitted work. Timestamps are stored as fixed-width
// UTC strings so that lexicographic order matches chronological order.
type Job struct {
	ID           string          `json:"id"`
	Status       Status          `json:"status"`
	Message      string          `json:"message"`
	Actor        string          `json:"actor"`
	Tags         []string        `json:"tags"`
	Upload       *Upload         `json:"upload"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
	ClaimedAt    *string         `json:"claimed_at"`
	CompletedAt  *string         `json:"completed_at"`
	ReplyText    *string         `json:"reply_text"`
	Display      json.RawMessage `json:"display"`
	ReplyActor   *string         `json:"reply_actor"`
	ErrorMessage *string         `json:"error_message"`
	TurnID       *string         `json:"turn_id"`
	Worker       *string         `json:"worker,omitempty"`
}

// SubmitRequest carries the inputs for a new queued job.
type SubmitRequest struct {
	Message string
	Actor   string
	Tags    []string
	Upload  *Upload
}

// FinishRequest carries the terminal fields posted by the worker.
type FinishRequest struct {
	Status       Status
	ReplyText    *string
	Display      json.RawMessage
	ReplyActor   *string
	ErrorMessage *string
	TurnID       *string
}

var (
	// ErrJobNotFound covers unknown, malformed and undecodable job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrBridgeBusy signals the at-most-one-active invariant.
	ErrBridgeBusy = errors.New("a job is already active")
	// ErrEmptyMessage rejects a submission with no message and no upload.
	ErrEmptyMessage = errors.New("message and upload are both empty")
)

// StaleMessage is recorded on jobs force-expired by cleanup, so consumers
// can tell an abandoned job from a genuine worker-reported failure.
const StaleMessage = "stale job auto-expired"

// timeLayout is fixed-width (padded microseconds, literal Z) so the stored
// strings sort lexicographically in chronological order. RFC3339Nano trims
// trailing zeros and would not.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func nowStamp() string {
	return time.Now().UTC().Format(timeLayout)
}

func parseStamp(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

var idPattern = regexp.MustCompile(`^[a-f0-9]{16,64}$`)

// NewID returns a fresh 24-character lowercase hex identifier.
func NewID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the platform is broken; nothing
		// sensible to degrade to.
		panic("job: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// ValidID reports whether id is safe to use as a record key. Anything else
// from untrusted input is treated as not found, never as a path.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}
