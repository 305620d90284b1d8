package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/silentstar/starbridge/internal/auth"
	"github.com/silentstar/starbridge/internal/bridge"
	"github.com/silentstar/starbridge/internal/fsstore"
	"github.com/silentstar/starbridge/internal/job"
	"github.com/silentstar/starbridge/internal/lock"
	"github.com/silentstar/starbridge/internal/stream"
	"github.com/silentstar/starbridge/internal/upload"
)

const testBridgeSecret = "test-secret"

func newTestServer(t *testing.T, cfg Config) (*Server, http.Handler) {
	t.Helper()

	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	jobsStore, err := fsstore.New(filepath.Join(dir, "jobs"))
	if err != nil {
		t.Fatalf("jobs store: %v", err)
	}
	stateStore, err := fsstore.New(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("state store: %v", err)
	}
	gate, err := lock.NewGate(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	streams, err := stream.New(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("streams: %v", err)
	}
	streams.MaxFollow = 2 * time.Second
	streams.PollInterval = 5 * time.Millisecond
	streams.MissingRetryWait = 20 * time.Millisecond

	uploads, err := upload.NewStore(filepath.Join(dir, "uploads"), 0)
	if err != nil {
		t.Fatalf("uploads: %v", err)
	}

	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	if cfg.BridgeSecret == "" {
		cfg.BridgeSecret = testBridgeSecret
	}

	s := New(cfg, Deps{
		Ledger:   job.NewLedger(jobsStore, gate, job.Options{}, logger),
		Tracker:  bridge.NewTracker(stateStore, gate, 8*time.Second, logger),
		Streams:  streams,
		Uploads:  uploads,
		Sessions: auth.NewSessions(time.Hour),
	}, logger)
	return s, s.setupRoutes()
}

func submitForm(t *testing.T, message string, image []byte) (*bytes.Buffer, string) {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if message != "" {
		if err := mw.WriteField("message", message); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if image != nil {
		fw, err := mw.CreateFormFile("image", "shot.png")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write(image); err != nil {
			t.Fatalf("write image: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &body, mw.FormDataContentType()
}

func doSubmit(t *testing.T, h http.Handler, message string, image []byte) *httptest.ResponseRecorder {
	t.Helper()

	body, contentType := submitForm(t, message, image)
	req := httptest.NewRequest(http.MethodPost, "/api/submit", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func bridgeRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("X-Bridge-Secret", testBridgeSecret)
	return req
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

// pngBytes is a minimal payload that sniffs as image/png.
func pngBytes() []byte {
	return append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, make([]byte, 64)...)
}

func TestSubmitAndStatusLifecycle(t *testing.T) {
	_, h := newTestServer(t, Config{})

	rec := doSubmit(t, h, "hello there", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d body = %s", rec.Code, rec.Body.String())
	}
	sub := decodeJSON[SubmitResponse](t, rec)
	if !sub.OK || sub.JobID == "" {
		t.Fatalf("submit response: %+v", sub)
	}

	// Queued snapshot.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status?id="+sub.JobID, nil))
	st := decodeJSON[JobStatusResponse](t, rec)
	if st.Status != "queued" {
		t.Fatalf("status = %q", st.Status)
	}

	// Worker claims it.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, bridgeRequest(http.MethodPost, "/api/bridge/claim?worker=w1", nil))
	claim := decodeJSON[ClaimResponse](t, rec)
	if claim.Job == nil || claim.Job.ID != sub.JobID {
		t.Fatalf("claim response: %+v", claim)
	}
	if claim.Job.Message != "hello there" {
		t.Fatalf("claimed message = %q", claim.Job.Message)
	}

	// Worker completes it.
	body, _ := json.Marshal(CompleteRequest{
		JobID:   sub.JobID,
		Status:  "done",
		Display: json.RawMessage(`[{"text":"hi back"}]`),
	})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, bridgeRequest(http.MethodPost, "/api/bridge/complete", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d body = %s", rec.Code, rec.Body.String())
	}

	// Done snapshot carries display and reply actor.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status?id="+sub.JobID, nil))
	st = decodeJSON[JobStatusResponse](t, rec)
	if st.Status != "done" {
		t.Fatalf("status = %q", st.Status)
	}
	if len(st.Display) == 0 {
		t.Fatal("display missing from done snapshot")
	}
	if st.Actor == nil || *st.Actor != "bridge" {
		t.Fatalf("actor = %v", st.Actor)
	}
}

func TestSubmitWhileActiveIsBusy(t *testing.T) {
	_, h := newTestServer(t, Config{})

	if rec := doSubmit(t, h, "first", nil); rec.Code != http.StatusOK {
		t.Fatalf("first submit = %d", rec.Code)
	}
	rec := doSubmit(t, h, "second", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second submit = %d body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeJSON[ErrorResponse](t, rec)
	if resp.Error != codeBridgeBusy {
		t.Fatalf("error = %q", resp.Error)
	}
}

func TestSubmitEmptyMessage(t *testing.T) {
	_, h := newTestServer(t, Config{})

	rec := doSubmit(t, h, "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decodeJSON[ErrorResponse](t, rec); resp.Error != codeEmptyMessage {
		t.Fatalf("error = %q", resp.Error)
	}
}

func TestSubmitRejectsNonImageUpload(t *testing.T) {
	_, h := newTestServer(t, Config{})

	rec := doSubmit(t, h, "with file", []byte("just some text, not an image"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if resp := decodeJSON[ErrorResponse](t, rec); resp.Error != codeUploadRejected {
		t.Fatalf("error = %q", resp.Error)
	}
}

func TestStatusUnknownAndMalformedIDs(t *testing.T) {
	_, h := newTestServer(t, Config{})

	for _, id := range []string{"feedfacefeedfacefeedface", "../../etc/passwd", "UPPER"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		q := req.URL.Query()
		q.Set("id", id)
		req.URL.RawQuery = q.Encode()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("id %q: status = %d", id, rec.Code)
		}
	}
}

func TestStatusReportsBridgeLiveness(t *testing.T) {
	_, h := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	st := decodeJSON[StatusResponse](t, rec)
	if st.Bridge.Online {
		t.Fatal("bridge online before any heartbeat")
	}

	hb, _ := json.Marshal(HeartbeatRequest{Busy: true, Worker: "w1"})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, bridgeRequest(http.MethodPost, "/api/bridge/heartbeat", bytes.NewReader(hb)))
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	st = decodeJSON[StatusResponse](t, rec)
	if !st.Bridge.Online || !st.Bridge.Busy {
		t.Fatalf("bridge = %+v after heartbeat", st.Bridge)
	}
}

func TestClaimEmptyQueueReturnsNullJob(t *testing.T) {
	_, h := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, bridgeRequest(http.MethodPost, "/api/bridge/claim", nil))
	claim := decodeJSON[ClaimResponse](t, rec)
	if !claim.OK || claim.Job != nil {
		t.Fatalf("claim response: %+v", claim)
	}
}

func TestBridgeEndpointsRequireSecret(t *testing.T) {
	_, h := newTestServer(t, Config{})

	for _, tc := range []struct {
		method, target string
	}{
		{http.MethodPost, "/api/bridge/claim"},
		{http.MethodPost, "/api/bridge/heartbeat"},
		{http.MethodGet, "/api/bridge/state"},
	} {
		req := httptest.NewRequest(tc.method, tc.target, nil)
		req.Header.Set("X-Bridge-Secret", "wrong")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: status = %d", tc.method, tc.target, rec.Code)
		}
	}
}

func TestLoginSessionGate(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("opensesame"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	_, h := newTestServer(t, Config{AppPasswordHash: string(hash)})

	// No session: client endpoints are gated.
	rec := doSubmit(t, h, "hi", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("submit without session = %d", rec.Code)
	}

	// Wrong password.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"password":"nope"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login = %d", rec.Code)
	}

	// Correct password issues a cookie.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"password":"opensesame"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("login = %d body = %s", rec.Code, rec.Body.String())
	}
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("no session cookie issued")
	}

	body, contentType := submitForm(t, "hi", nil)
	req := httptest.NewRequest(http.MethodPost, "/api/submit", body)
	req.Header.Set("Content-Type", contentType)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit with session = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestStreamIngestAndFollow(t *testing.T) {
	_, h := newTestServer(t, Config{})

	sub := decodeJSON[SubmitResponse](t, doSubmit(t, h, "stream me", nil))

	for _, chunk := range []string{"partial ", "reply"} {
		body, _ := json.Marshal(StreamIngestRequest{JobID: sub.JobID, Text: &chunk})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, bridgeRequest(http.MethodPost, "/api/bridge/stream", bytes.NewReader(body)))
		if rec.Code != http.StatusOK {
			t.Fatalf("ingest = %d body = %s", rec.Code, rec.Body.String())
		}
	}
	body, _ := json.Marshal(StreamIngestRequest{JobID: sub.JobID, Done: true})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, bridgeRequest(http.MethodPost, "/api/bridge/stream", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("done ingest = %d", rec.Code)
	}

	// The done marker is already on disk, so the follow ends on its own.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stream?id="+sub.JobID, nil))
	out := rec.Body.String()
	if !strings.Contains(out, "event: chunk") || !strings.Contains(out, `"text":"partial "`) {
		t.Fatalf("missing chunk frames: %q", out)
	}
	if !strings.Contains(out, "event: done") {
		t.Fatalf("missing done frame: %q", out)
	}
}

func TestStreamUnknownJob(t *testing.T) {
	_, h := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stream?id=feedfacefeedfacefeedface", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	_, h := newTestServer(t, Config{})

	img := pngBytes()
	sub := decodeJSON[SubmitResponse](t, doSubmit(t, h, "see attached", img))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, bridgeRequest(http.MethodGet, "/api/bridge/download?id="+sub.JobID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("download = %d body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content type = %q", ct)
	}
	if rec.Header().Get("X-Upload-Checksum") == "" {
		t.Fatal("checksum header missing")
	}
	if !bytes.Equal(rec.Body.Bytes(), img) {
		t.Fatalf("downloaded %d bytes, uploaded %d", rec.Body.Len(), len(img))
	}
}

func TestEventsFeedReplaysBuffered(t *testing.T) {
	s, h := newTestServer(t, Config{})

	sub := decodeJSON[SubmitResponse](t, doSubmit(t, h, "watched", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	out := rec.Body.String()
	if !strings.Contains(out, "event: job.queued") {
		t.Fatalf("missing job.queued frame: %q", out)
	}
	if !strings.Contains(out, sub.JobID) {
		t.Fatalf("frame missing job id: %q", out)
	}
	if s.Hub() == nil {
		t.Fatal("hub not exposed")
	}
}

func TestCompleteIsIdempotentOverHTTP(t *testing.T) {
	_, h := newTestServer(t, Config{})

	sub := decodeJSON[SubmitResponse](t, doSubmit(t, h, "once", nil))

	reply := "first answer"
	body, _ := json.Marshal(CompleteRequest{JobID: sub.JobID, Status: "done", ReplyText: &reply})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, bridgeRequest(http.MethodPost, "/api/bridge/complete", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("first complete = %d", rec.Code)
	}

	msg := "late failure"
	body, _ = json.Marshal(CompleteRequest{JobID: sub.JobID, Status: "error", ErrorMessage: &msg})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, bridgeRequest(http.MethodPost, "/api/bridge/complete", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("second complete = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status?id="+sub.JobID, nil))
	st := decodeJSON[JobStatusResponse](t, rec)
	if st.Status != "done" {
		t.Fatalf("status after duplicate complete = %q", st.Status)
	}
}

func TestHealthz(t *testing.T) {
	_, h := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	resp := decodeJSON[HealthzResponse](t, rec)
	if resp.Status != "ok" || resp.BridgeOnline {
		t.Fatalf("healthz response: %+v", resp)
	}
}
