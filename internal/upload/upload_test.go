package upload

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
)

// pngHeader is a minimal valid PNG signature followed by padding, enough
// for content sniffing.
var pngHeader = append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, bytes.Repeat([]byte{0}, 64)...)

func TestSaveStoresImage(t *testing.T) {
	t.Parallel()

	s, err := NewStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	up, err := s.Save("deadbeefdeadbeefdeadbeef", "photo.png", bytes.NewReader(pngHeader))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	if up.MimeType != "image/png" {
		t.Fatalf("mime = %q", up.MimeType)
	}
	if up.HostName != "deadbeefdeadbeefdeadbeef__photo.png" {
		t.Fatalf("host name = %q", up.HostName)
	}
	if up.SizeBytes != int64(len(pngHeader)) {
		t.Fatalf("size = %d, want %d", up.SizeBytes, len(pngHeader))
	}
	if len(up.Checksum) != 64 {
		t.Fatalf("checksum = %q", up.Checksum)
	}

	data, err := os.ReadFile(up.HostPath)
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if !bytes.Equal(data, pngHeader) {
		t.Fatal("stored content differs from input")
	}
}

func TestSaveRejectsNonImage(t *testing.T) {
	t.Parallel()

	s, err := NewStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	_, err = s.Save("deadbeefdeadbeefdeadbeef", "notes.txt", strings.NewReader("plain text, definitely not an image"))
	if !errors.Is(err, ErrNotImage) {
		t.Fatalf("expected ErrNotImage, got %v", err)
	}
}

func TestSaveRejectsOversize(t *testing.T) {
	t.Parallel()

	s, err := NewStore(t.TempDir(), 128)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	big := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{1}, 1024)...)
	if _, err := s.Save("deadbeefdeadbeefdeadbeef", "big.png", bytes.NewReader(big)); err == nil {
		t.Fatal("expected oversize rejection")
	}
}

func TestSanitizeFilename(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"photo.png", "photo.png"},
		{"../../etc/passwd", "passwd"},
		{"my photo (1).png", "my_photo__1_.png"},
		{"", "upload.bin"},
		{"...", "upload.bin"},
	}
	for _, tc := range cases {
		if got := SanitizeFilename(tc.in); got != tc.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
