// Package keystroke holds the in-memory counter model: per-file statistics,
// the per-project aggregate they live in, and the wire payload produced when
// an aggregate is flushed.
package keystroke

import (
	"fmt"
	"path/filepath"

	"github.com/src-d/enry/v2"

	perrors "github.com/p-blackswan/codetime-agent/internal/errors"
)

// Field names a FileStat counter. The values are the wire property names.
type Field string

const (
	FieldAdd          Field = "add"
	FieldPaste        Field = "paste"
	FieldDelete       Field = "delete"
	FieldOpen         Field = "open"
	FieldClose        Field = "close"
	FieldLength       Field = "length"
	FieldLines        Field = "lines"
	FieldLinesAdded   Field = "linesAdded"
	FieldLinesRemoved Field = "linesRemoved"
)

// LinesUnset marks a file whose line count has not been sampled yet.
const LinesUnset = -1

// FileStat counts activity on one file within a project window.
// keys and netkeys are derived from add and delete and cannot be set directly.
type FileStat struct {
	add          int64
	paste        int64
	del          int64
	open         int64
	close        int64
	length       int64
	lines        int64
	linesAdded   int64
	linesRemoved int64
	keys         int64
	netkeys      int64
	syntax       string
}

// NewFileStat returns zeroed counters for path with lines unset.
func NewFileStat(path string) *FileStat {
	return &FileStat{
		lines:  LinesUnset,
		syntax: DetectSyntax(path),
	}
}

// DetectSyntax returns the language name for path, or "" when unknown.
func DetectSyntax(path string) string {
	if path == "" {
		return ""
	}
	return enry.GetLanguage(filepath.Base(path), nil)
}

// Increment applies amount to field. length and lines are absolute samples and
// are overwritten; every other counter is additive.
func (s *FileStat) Increment(field Field, amount int64) error {
	switch field {
	case FieldAdd:
		s.add += amount
	case FieldPaste:
		s.paste += amount
	case FieldDelete:
		s.del += amount
	case FieldOpen:
		s.open += amount
	case FieldClose:
		s.close += amount
	case FieldLinesAdded:
		s.linesAdded += amount
	case FieldLinesRemoved:
		s.linesRemoved += amount
	case FieldLength:
		s.length = amount
	case FieldLines:
		s.lines = amount
	default:
		return fmt.Errorf("increment %q: %w", field, perrors.ErrInvalidInput)
	}

	if field == FieldAdd || field == FieldDelete {
		s.keys = s.add + s.del
		s.netkeys = s.add - s.del
	}
	return nil
}

// HasActivity reports whether any add, open, close, paste or delete was recorded.
func (s *FileStat) HasActivity() bool {
	return s.add > 0 || s.open > 0 || s.close > 0 || s.paste > 0 || s.del > 0
}

// Lines returns the last sampled line count, or LinesUnset.
func (s *FileStat) Lines() int64 { return s.lines }

// Counts returns a copy of the counters in wire form.
func (s *FileStat) Counts() FileCounts {
	return FileCounts{
		Keys:         s.keys,
		Add:          s.add,
		Paste:        s.paste,
		Open:         s.open,
		Close:        s.close,
		Delete:       s.del,
		Length:       s.length,
		Netkeys:      s.netkeys,
		Lines:        s.lines,
		LinesAdded:   s.linesAdded,
		LinesRemoved: s.linesRemoved,
		Syntax:       s.syntax,
	}
}

// FileCounts is the immutable, serializable form of a FileStat.
type FileCounts struct {
	Keys         int64  `json:"keys"`
	Add          int64  `json:"add"`
	Paste        int64  `json:"paste"`
	Open         int64  `json:"open"`
	Close        int64  `json:"close"`
	Delete       int64  `json:"delete"`
	Length       int64  `json:"length"`
	Netkeys      int64  `json:"netkeys"`
	Lines        int64  `json:"lines"`
	LinesAdded   int64  `json:"linesAdded"`
	LinesRemoved int64  `json:"linesRemoved"`
	Syntax       string `json:"syntax"`
}

// HasActivity mirrors FileStat.HasActivity.
func (c FileCounts) HasActivity() bool {
	return c.Add > 0 || c.Open > 0 || c.Close > 0 || c.Paste > 0 || c.Delete > 0
}
