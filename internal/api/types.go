package api

import "encoding/json"

// Error codes returned in the "error" field. Clients branch on these, so
// they are stable strings rather than prose.
const (
	codeBridgeBusy       = "bridge_busy"
	codeEmptyMessage     = "empty_message"
	codeJobNotFound      = "job_not_found"
	codeInvalidJSON      = "invalid_json"
	codeBadCredentials   = "bad_credentials"
	codeUnauthorized     = "unauthorized"
	codeUploadRejected   = "upload_rejected"
	codeMethodNotAllowed = "method_not_allowed"
	codeInternal         = "internal_error"
)

// ErrorResponse is the uniform failure envelope.
type ErrorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// LoginRequest is the POST /api/login body.
type LoginRequest struct {
	Password string `json:"password"`
}

// SubmitResponse acknowledges a queued job.
type SubmitResponse struct {
	OK    bool   `json:"ok"`
	JobID string `json:"job_id"`
}

// BridgeStatus is the liveness summary embedded in status responses.
type BridgeStatus struct {
	Online bool `json:"online"`
	Busy   bool `json:"busy"`
}

// StatusResponse answers GET /api/status without an id.
type StatusResponse struct {
	OK     bool         `json:"ok"`
	Bridge BridgeStatus `json:"bridge"`
}

// JobStatusResponse answers GET /api/status?id=. Fields beyond Status are
// populated per state: Error for failed jobs, Reply/Display/Actor for done
// ones. Bridge liveness rides along so pollers need a single request.
type JobStatusResponse struct {
	OK      bool            `json:"ok"`
	Status  string          `json:"status"`
	Error   *string         `json:"error,omitempty"`
	Reply   *string         `json:"reply_text,omitempty"`
	Display json.RawMessage `json:"display,omitempty"`
	Actor   *string         `json:"actor,omitempty"`
	Bridge  BridgeStatus    `json:"bridge"`
}

// ClaimResponse answers POST /api/bridge/claim. Job is null when the queue
// is empty.
type ClaimResponse struct {
	OK  bool        `json:"ok"`
	Job *ClaimedJob `json:"job"`
}

// ClaimedJob is the worker's view of a claimed job.
type ClaimedJob struct {
	ID        string      `json:"id"`
	Message   string      `json:"message"`
	Actor     string      `json:"actor"`
	Tags      []string    `json:"tags"`
	HasUpload bool        `json:"has_upload"`
	Upload    *UploadInfo `json:"upload,omitempty"`
	CreatedAt string      `json:"created_at"`
	ClaimedAt string      `json:"claimed_at"`
}

// UploadInfo describes an attachment the worker can fetch via
// GET /api/bridge/download.
type UploadInfo struct {
	Name      string `json:"name"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum,omitempty"`
}

// CompleteRequest is the POST /api/bridge/complete body.
type CompleteRequest struct {
	JobID        string          `json:"job_id"`
	Status       string          `json:"status"`
	ReplyText    *string         `json:"reply_text,omitempty"`
	Display      json.RawMessage `json:"display,omitempty"`
	ReplyActor   *string         `json:"reply_actor,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	TurnID       *string         `json:"turn_id,omitempty"`
}

// HeartbeatRequest is the POST /api/bridge/heartbeat body.
type HeartbeatRequest struct {
	Busy   bool   `json:"busy"`
	Worker string `json:"worker,omitempty"`
}

// StreamIngestRequest is the POST /api/bridge/stream body: either one text
// chunk or the done marker.
type StreamIngestRequest struct {
	JobID string  `json:"job_id"`
	Text  *string `json:"text,omitempty"`
	Done  bool    `json:"done,omitempty"`
}

// OKResponse is the generic success envelope.
type OKResponse struct {
	OK bool `json:"ok"`
}

// HealthzResponse answers GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
	BridgeOnline  bool   `json:"bridge_online"`
}
