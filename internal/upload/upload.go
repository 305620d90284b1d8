// Package upload validates and stores job attachments. Files live in a
// temporary directory keyed by job id and are deleted when the job reaches
// a terminal state.
package upload

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/silentstar/starbridge/internal/job"
)

// ErrNotImage rejects attachments that do not sniff as image content.
var ErrNotImage = errors.New("only image uploads are accepted")

// DefaultMaxBytes caps a single attachment.
const DefaultMaxBytes int64 = 16 << 20

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Store saves validated attachments under dir.
type Store struct {
	dir      string
	maxBytes int64
}

// NewStore creates an attachment store rooted at dir.
func NewStore(dir string, maxBytes int64) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("upload directory is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Store{dir: dir, maxBytes: maxBytes}, nil
}

// Save validates r as image content and stores it for jobID. The content
// type comes from sniffing the payload, never from the client's claim.
func (s *Store) Save(jobID, originalName string, r io.Reader) (*job.Upload, error) {
	limited := io.LimitReader(r, s.maxBytes+1)

	head := make([]byte, 512)
	n, err := io.ReadFull(limited, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]

	mime := http.DetectContentType(head)
	if !strings.HasPrefix(mime, "image/") {
		return nil, ErrNotImage
	}

	name := SanitizeFilename(originalName)
	hostName := jobID + "__" + name
	hostPath := filepath.Join(s.dir, hostName)

	f, err := os.OpenFile(hostPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create upload file: %w", err)
	}

	hasher := blake3.New()
	w := io.MultiWriter(f, hasher)

	size := int64(0)
	if _, err := w.Write(head); err != nil {
		_ = f.Close()
		_ = os.Remove(hostPath)
		return nil, fmt.Errorf("write upload: %w", err)
	}
	size += int64(len(head))

	copied, err := io.Copy(w, limited)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(hostPath)
		return nil, fmt.Errorf("write upload: %w", err)
	}
	size += copied

	if err := f.Close(); err != nil {
		_ = os.Remove(hostPath)
		return nil, fmt.Errorf("close upload file: %w", err)
	}

	if size > s.maxBytes {
		_ = os.Remove(hostPath)
		return nil, fmt.Errorf("upload exceeds %d bytes", s.maxBytes)
	}

	return &job.Upload{
		OriginalName: name,
		MimeType:     mime,
		SizeBytes:    size,
		HostPath:     hostPath,
		HostName:     hostName,
		Checksum:     hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// SanitizeFilename strips path components and replaces anything outside a
// conservative character set.
func SanitizeFilename(name string) string {
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) {
		base = ""
	}
	sanitized := unsafeChars.ReplaceAllString(base, "_")
	sanitized = strings.Trim(sanitized, "._")
	if sanitized == "" {
		return "upload.bin"
	}
	return sanitized
}
