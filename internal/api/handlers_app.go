package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/silentstar/starbridge/internal/auth"
	"github.com/silentstar/starbridge/internal/events"
	"github.com/silentstar/starbridge/internal/history"
	"github.com/silentstar/starbridge/internal/job"
	"github.com/silentstar/starbridge/internal/stream"
	"github.com/silentstar/starbridge/internal/upload"
)

// maxMultipartMemory bounds the in-memory portion of multipart parsing;
// larger file parts spill to disk.
const maxMultipartMemory = 4 << 20

// handleLogin handles POST /api/login.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, codeInvalidJSON)
		return
	}

	if !auth.VerifyPassword(s.config.AppPasswordHash, req.Password) {
		s.logger.Warn("login rejected")
		s.writeError(w, http.StatusUnauthorized, codeBadCredentials)
		return
	}

	token := s.sessions.Issue()
	auth.SetCookie(w, token, s.config.SecureCookies)
	respondJSON(w, http.StatusOK, OKResponse{OK: true})
}

// handleLogout handles POST /api/logout.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := auth.FromRequest(r); token != "" {
		s.sessions.Revoke(token)
	}
	auth.ClearCookie(w)
	respondJSON(w, http.StatusOK, OKResponse{OK: true})
}

// handleSubmit handles POST /api/submit (multipart form).
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		s.writeError(w, http.StatusBadRequest, codeInvalidJSON)
		return
	}

	req := job.SubmitRequest{
		Message: r.FormValue("message"),
		Actor:   s.vocab.NormalizeActor(r.FormValue("actor")),
	}
	tags := r.Form["tags"]
	if alt := r.Form["tags[]"]; len(tags) == 0 && len(alt) > 0 {
		tags = alt
	}
	req.Tags = s.vocab.NormalizeTags(tags)

	file, header, err := r.FormFile("image")
	var attach func(jobID string) (*job.Upload, error)
	if err == nil {
		defer file.Close()
		attach = func(jobID string) (*job.Upload, error) {
			return s.uploads.Save(jobID, header.Filename, file)
		}
	}

	if req.Message == "" && attach == nil {
		s.writeError(w, http.StatusBadRequest, codeEmptyMessage)
		return
	}

	created, err := s.ledger.Submit(req, attach)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrBridgeBusy):
			s.writeError(w, http.StatusConflict, codeBridgeBusy)
		case errors.Is(err, job.ErrEmptyMessage):
			s.writeError(w, http.StatusBadRequest, codeEmptyMessage)
		case errors.Is(err, upload.ErrNotImage):
			s.writeError(w, http.StatusBadRequest, codeUploadRejected)
		default:
			s.logger.Error("submit failed", "error", err)
			s.writeError(w, http.StatusInternalServerError, codeInternal)
		}
		return
	}

	s.hub.Publish(events.TypeJobQueued, map[string]any{
		"job_id": created.ID,
		"actor":  created.Actor,
	})

	respondJSON(w, http.StatusOK, SubmitResponse{OK: true, JobID: created.ID})
}

// handleStatus handles GET /api/status. Without an id it reports bridge
// liveness; with one it reports a per-job snapshot shaped by status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		st, err := s.tracker.State()
		if err != nil {
			s.logger.Error("failed to read bridge state", "error", err)
			s.writeError(w, http.StatusInternalServerError, codeInternal)
			return
		}
		respondJSON(w, http.StatusOK, StatusResponse{
			OK:     true,
			Bridge: BridgeStatus{Online: s.tracker.Online(st), Busy: st.Busy},
		})
		return
	}

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

	resp := JobStatusResponse{OK: true, Status: string(j.Status)}
	switch j.Status {
	case job.StatusError:
		resp.Error = j.ErrorMessage
	case job.StatusDone:
		resp.Reply = j.ReplyText
		resp.Display = j.Display
		resp.Actor = j.ReplyActor
	}
	if st, err := s.tracker.State(); err == nil {
		resp.Bridge = BridgeStatus{Online: s.tracker.Online(st), Busy: st.Busy}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleStream handles GET /api/stream?id= as an SSE tail-follow of the
// job's update channel.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if _, err := s.ledger.Get(id); err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, codeJobNotFound)
			return
		}
		s.logger.Error("failed to read job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, codeInternal)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, codeInternal)
		return
	}
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	jobTerminal := func() bool {
		j, err := s.ledger.Get(id)
		return err == nil && j.Status.Terminal()
	}

	err := s.streams.Follow(r.Context(), id, jobTerminal, func(ev stream.Event) error {
		var payload any
		switch ev.Type {
		case stream.EventChunk:
			payload = map[string]string{"text": ev.Text}
		case stream.EventFallback:
			payload = map[string]string{"status": ev.Status}
		default:
			payload = struct{}{}
		}
		if err := writeSSEEvent(w, string(ev.Type), payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		s.logger.Warn("stream follow ended with error", "job_id", id, "error", err)
	}
}

// handleHistory handles GET /api/history.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	turns := []history.Turn{}
	if s.turns != nil {
		got, err := s.turns.Recent(r.Context(), limit)
		if err != nil {
			s.logger.Error("failed to read history", "error", err)
			s.writeError(w, http.StatusInternalServerError, codeInternal)
			return
		}
		if got != nil {
			turns = got
		}
	}

	respondJSON(w, http.StatusOK, struct {
		OK    bool           `json:"ok"`
		Turns []history.Turn `json:"turns"`
	}{OK: true, Turns: turns})
}

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.ledger.Depth()
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, codeInternal)
		return
	}
	st, err := s.tracker.State()
	if err != nil {
		s.logger.Error("failed to read bridge state", "error", err)
		s.writeError(w, http.StatusInternalServerError, codeInternal)
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
		BridgeOnline:  s.tracker.Online(st),
	})
}
