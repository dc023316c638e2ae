// Package ingest turns normalized editor events into counter mutations on the
// active project aggregate.
package ingest

import (
	"fmt"
	"strings"

	perrors "github.com/p-blackswan/codetime-agent/internal/errors"
)

// Kind is the type of editor event.
type Kind string

const (
	KindOpen  Kind = "open"
	KindClose Kind = "close"
	KindEdit  Kind = "edit"
)

// Event is one normalized editor notification.
//
// For edits the character delta is Delta when non-zero, otherwise
// NewLength-OldLength. DocumentLength is the absolute length of the document
// after the change; when it is nil the length form's NewLength stands in for
// it. LineCount is nil when the host did not report it.
type Event struct {
	Kind           Kind   `json:"kind"`
	File           string `json:"file"`
	Project        string `json:"project"`
	Delta          int64  `json:"delta,omitempty"`
	NewLength      int64  `json:"newLength,omitempty"`
	OldLength      int64  `json:"oldLength,omitempty"`
	DocumentLength *int64 `json:"documentLength,omitempty"`
	LineCount      *int64 `json:"lineCount,omitempty"`
	Text           string `json:"text,omitempty"`
}

// Validate checks the fields every event needs.
func (e Event) Validate() error {
	switch e.Kind {
	case KindOpen, KindClose, KindEdit:
	default:
		return fmt.Errorf("unknown event kind %q: %w", e.Kind, perrors.ErrInvalidInput)
	}
	if e.File == "" {
		return fmt.Errorf("event without file: %w", perrors.ErrInvalidInput)
	}
	return nil
}

// CharDelta returns the signed character delta carried by an edit.
func (e Event) CharDelta() int64 {
	if e.Delta != 0 {
		return e.Delta
	}
	return e.NewLength - e.OldLength
}

// CurrentLength returns the absolute document length after the edit and
// whether the event carried one at all.
func (e Event) CurrentLength() (int64, bool) {
	if e.DocumentLength != nil {
		return *e.DocumentLength, true
	}
	if e.Delta == 0 && (e.NewLength != 0 || e.OldLength != 0) {
		return e.NewLength, true
	}
	return 0, false
}

// Newline reports whether the inserted text starts with a line terminator.
func (e Event) Newline() bool {
	return strings.HasPrefix(e.Text, "\n") || strings.HasPrefix(e.Text, "\r")
}

// Lines is a convenience for building events with a known line count.
func Lines(n int64) *int64 { return &n }

// Length is a convenience for building events with a known document length.
func Length(n int64) *int64 { return &n }
