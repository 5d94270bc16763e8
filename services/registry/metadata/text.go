package metadata

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// Text is a ledger-encoded string value. Transaction metadata caps each string
// at 64 bytes, so registrants split longer values into an array of fragments.
// Both encodings decode into the same Text and are read through Value.
type Text struct {
	fragments []string
	present   bool
}

// NewText builds a Text from fragments; mainly useful in tests.
func NewText(fragments ...string) Text {
	return Text{fragments: fragments, present: true}
}

// UnmarshalJSON accepts either a JSON string or an array of JSON strings.
func (t *Text) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*t = Text{}
		return nil
	}

	if trimmed[0] == '[' {
		var fragments []string
		if err := json.Unmarshal(trimmed, &fragments); err != nil {
			return errors.New("expected a string or an array of strings")
		}
		*t = Text{fragments: fragments, present: true}
		return nil
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return errors.New("expected a string or an array of strings")
	}
	*t = Text{fragments: []string{s}, present: true}
	return nil
}

// Value returns the joined and trimmed value. ok is false when the field was
// absent or only contained whitespace.
func (t Text) Value() (string, bool) {
	if !t.present {
		return "", false
	}
	return NormalizeText(t.fragments)
}

// Optional returns nil for absent or blank values.
func (t Text) Optional() *string {
	v, ok := t.Value()
	if !ok {
		return nil
	}
	return &v
}

// NormalizeText concatenates fragments and trims surrounding whitespace. A
// blank result is reported as absent, never as an empty string.
func NormalizeText(fragments []string) (string, bool) {
	v := strings.TrimSpace(strings.Join(fragments, ""))
	if v == "" {
		return "", false
	}
	return v, true
}
