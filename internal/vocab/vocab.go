// Package vocab holds the closed actor and tag vocabularies.
//
// Submission and completion both normalize through the same Vocab value so
// the two paths cannot drift apart.
package vocab

import "strings"

// Vocab is the closed set of accepted actor and tag labels.
type Vocab struct {
	Actors       []string
	Tags         []string
	DefaultActor string
	ReplyActor   string
}

// Default returns the built-in vocabulary.
func Default() *Vocab {
	return &Vocab{
		Actors:       []string{"aster", "vega", "lyra", "sable", "wren"},
		Tags:         []string{"plan", "pin"},
		DefaultActor: "aster",
		ReplyActor:   "bridge",
	}
}

// NormalizeActor lowercases and trims the label and returns it if it is in
// the closed actor set, otherwise the default actor.
func (v *Vocab) NormalizeActor(actor string) string {
	a := strings.ToLower(strings.TrimSpace(actor))
	for _, known := range v.Actors {
		if a == known {
			return a
		}
	}
	return v.DefaultActor
}

// NormalizeReplyActor returns the label if it is a known actor or the reply
// default, otherwise the reply default.
func (v *Vocab) NormalizeReplyActor(actor string) string {
	a := strings.ToLower(strings.TrimSpace(actor))
	if a == v.ReplyActor {
		return a
	}
	for _, known := range v.Actors {
		if a == known {
			return a
		}
	}
	return v.ReplyActor
}

// NormalizeTags filters the input down to known tags, lowercased, deduped,
// preserving first-seen order.
func (v *Vocab) NormalizeTags(input []string) []string {
	out := []string{}
	for _, raw := range input {
		t := strings.ToLower(strings.TrimSpace(raw))
		if t == "" || !v.knownTag(t) || contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (v *Vocab) knownTag(t string) bool {
	return contains(v.Tags, t)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
