package auth

import (
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func TestConstantTimeEqual(t *testing.T) {
	t.Parallel()

	cases := []struct {
		a, b string
		want bool
	}{
		{"secret", "secret", true},
		{"secret", "secreT", false},
		{"secret", "secrets", false},
		{"", "", false},
		{"secret", "", false},
	}
	for _, tc := range cases {
		if got := ConstantTimeEqual(tc.a, tc.b); got != tc.want {
			t.Errorf("ConstantTimeEqual(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestVerifyPassword(t *testing.T) {
	t.Parallel()

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}

	if !VerifyPassword(string(hash), "hunter2") {
		t.Fatal("correct password rejected")
	}
	if VerifyPassword(string(hash), "wrong") {
		t.Fatal("wrong password accepted")
	}
	if VerifyPassword("", "hunter2") {
		t.Fatal("empty hash accepted")
	}
}

func TestSessionsLifecycle(t *testing.T) {
	t.Parallel()

	s := NewSessions(time.Hour)
	token := s.Issue()

	if !s.Valid(token) {
		t.Fatal("fresh token invalid")
	}
	if s.Valid("unknown") {
		t.Fatal("unknown token valid")
	}
	if s.Valid("") {
		t.Fatal("empty token valid")
	}

	s.Revoke(token)
	if s.Valid(token) {
		t.Fatal("revoked token still valid")
	}
}

func TestSessionsExpiry(t *testing.T) {
	t.Parallel()

	s := NewSessions(time.Millisecond)
	token := s.Issue()
	time.Sleep(5 * time.Millisecond)
	if s.Valid(token) {
		t.Fatal("expired token still valid")
	}
}
