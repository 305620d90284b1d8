package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/silentstar/starbridge/internal/events"
	"github.com/silentstar/starbridge/internal/history"
	"github.com/silentstar/starbridge/internal/job"
)

// handleClaim handles POST /api/bridge/claim. A null job means the queue
// is empty; the worker polls again later.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	worker := r.URL.Query().Get("worker")

	claimed, err := s.ledger.ClaimNext(worker)
	if err != nil {
		s.logger.Error("claim failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, codeInternal)
		return
	}
	if claimed == nil {
		respondJSON(w, http.StatusOK, ClaimResponse{OK: true})
		return
	}

	resp := ClaimResponse{OK: true, Job: &ClaimedJob{
		ID:        claimed.ID,
		Message:   claimed.Message,
		Actor:     claimed.Actor,
		Tags:      claimed.Tags,
		HasUpload: claimed.Upload != nil,
		CreatedAt: claimed.CreatedAt,
	}}
	if claimed.ClaimedAt != nil {
		resp.Job.ClaimedAt = *claimed.ClaimedAt
	}
	if claimed.Upload != nil {
		resp.Job.Upload = &UploadInfo{
			Name:      claimed.Upload.OriginalName,
			MimeType:  claimed.Upload.MimeType,
			SizeBytes: claimed.Upload.SizeBytes,
			Checksum:  claimed.Upload.Checksum,
		}
	}

	s.hub.Publish(events.TypeJobClaimed, map[string]any{
		"job_id": claimed.ID,
		"worker": worker,
	})

	respondJSON(w, http.StatusOK, resp)
}

// handleComplete handles POST /api/bridge/complete.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, codeInvalidJSON)
		return
	}

	status := job.Status(req.Status)
	if !status.Terminal() {
		s.writeError(w, http.StatusBadRequest, codeInvalidJSON)
		return
	}

	finish := job.FinishRequest{
		Status:       status,
		ReplyText:    req.ReplyText,
		Display:      req.Display,
		ErrorMessage: req.ErrorMessage,
		TurnID:       req.TurnID,
	}
	replyActor := s.vocab.ReplyActor
	if req.ReplyActor != nil {
		replyActor = s.vocab.NormalizeReplyActor(*req.ReplyActor)
	}
	finish.ReplyActor = &replyActor

	finished, err := s.ledger.Finish(req.JobID, finish)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrJobNotFound):
			s.writeError(w, http.StatusNotFound, codeJobNotFound)
		default:
			s.logger.Error("complete failed", "job_id", req.JobID, "error", err)
			s.writeError(w, http.StatusInternalServerError, codeInternal)
		}
		return
	}

	// Close out any follower still tailing the update channel.
	if err := s.streams.AppendDone(finished.ID); err != nil {
		s.logger.Warn("failed to append done marker", "job_id", finished.ID, "error", err)
	}

	if finished.Status == job.StatusDone {
		s.archiveTurn(r, finished)
	}

	s.hub.Publish(events.TypeJobCompleted, map[string]any{
		"job_id": finished.ID,
		"status": string(finished.Status),
	})

	respondJSON(w, http.StatusOK, OKResponse{OK: true})
}

// archiveTurn records a completed exchange in the history store.
// Best-effort: the ledger remains the source of truth.
func (s *Server) archiveTurn(r *http.Request, j *job.Job) {
	if s.turns == nil {
		return
	}

	turn := history.Turn{
		JobID:        j.ID,
		At:           j.CreatedAt,
		Actor:        j.Actor,
		Message:      j.Message,
		Tags:         j.Tags,
		ReplyDisplay: j.Display,
		TurnID:       j.TurnID,
	}
	if j.ReplyActor != nil {
		turn.ReplyActor = *j.ReplyActor
	} else {
		turn.ReplyActor = s.vocab.ReplyActor
	}
	if j.Upload != nil {
		name := j.Upload.HostName
		turn.Image = &name
	}

	if err := s.turns.Append(r.Context(), turn); err != nil {
		s.logger.Warn("failed to archive turn", "job_id", j.ID, "error", err)
	}
}

// handleHeartbeat handles POST /api/bridge/heartbeat.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, codeInvalidJSON)
		return
	}

	if err := s.tracker.RecordHeartbeat(req.Busy, req.Worker); err != nil {
		s.logger.Error("heartbeat failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, codeInternal)
		return
	}

	s.hub.Publish(events.TypeBridgeHeartbeat, map[string]any{
		"busy":   req.Busy,
		"worker": req.Worker,
	})

	respondJSON(w, http.StatusOK, OKResponse{OK: true})
}

// handleStreamIngest handles POST /api/bridge/stream: the worker ships
// incremental reply chunks over HTTP and the server appends them to the
// job's update channel.
func (s *Server) handleStreamIngest(w http.ResponseWriter, r *http.Request) {
	var req StreamIngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, codeInvalidJSON)
		return
	}

	if _, err := s.ledger.Get(req.JobID); err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, codeJobNotFound)
			return
		}
		s.logger.Error("failed to read job", "job_id", req.JobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, codeInternal)
		return
	}

	var err error
	switch {
	case req.Done:
		err = s.streams.AppendDone(req.JobID)
	case req.Text != nil:
		err = s.streams.AppendChunk(req.JobID, *req.Text)
	default:
		s.writeError(w, http.StatusBadRequest, codeInvalidJSON)
		return
	}
	if err != nil {
		s.logger.Error("stream ingest failed", "job_id", req.JobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, codeInternal)
		return
	}

	respondJSON(w, http.StatusOK, OKResponse{OK: true})
}

// handleDownload handles GET /api/bridge/download?id=: serves the stored
// attachment for a job to the worker.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	j, err := s.ledger.Get(id)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, codeJobNotFound)
			return
		}
		s.logger.Error("failed to read job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, codeInternal)
		return
	}
	if j.Upload == nil {
		s.writeError(w, http.StatusNotFound, codeJobNotFound)
		return
	}

	w.Header().Set("Content-Type", j.Upload.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(j.Upload.SizeBytes, 10))
	if j.Upload.Checksum != "" {
		w.Header().Set("X-Upload-Checksum", j.Upload.Checksum)
	}
	http.ServeFile(w, r, j.Upload.HostPath)
}

// handleBridgeState handles GET /api/bridge/state: the worker's view of
// its own recorded liveness, mostly for debugging.
func (s *Server) handleBridgeState(w http.ResponseWriter, r *http.Request) {
	st, err := s.tracker.State()
	if err != nil {
		s.logger.Error("failed to read bridge state", "error", err)
		s.writeError(w, http.StatusInternalServerError, codeInternal)
		return
	}

	respondJSON(w, http.StatusOK, struct {
		OK     bool `json:"ok"`
		Online bool `json:"online"`
		State  any  `json:"state"`
	}{OK: true, Online: s.tracker.Online(st), State: st})
}
