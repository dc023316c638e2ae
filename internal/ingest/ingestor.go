package ingest

import (
	"github.com/rs/zerolog"

	"github.com/p-blackswan/codetime-agent/internal/aggregator"
	"github.com/p-blackswan/codetime-agent/internal/keystroke"
	"github.com/p-blackswan/codetime-agent/internal/metrics"
)

// maxTargetAttempts bounds how often a mutation re-resolves its target after
// losing a race with a detach. A detach installs the replacement before
// sealing, so the second attempt normally succeeds.
const maxTargetAttempts = 3

// Event classifications, used as metric labels.
const (
	classKeystroke = "keystroke"
	classPaste     = "paste"
	classDelete    = "delete"
	classOpen      = "open"
	classClose     = "close"
	classNoop      = "noop"
)

// Ingestor applies editor events to the aggregator's active aggregate. It is
// the only write path into a keystroke.Aggregate and never performs network
// I/O.
type Ingestor struct {
	agg     *aggregator.Aggregator
	lines   LineCounter
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates an Ingestor. lines and m may be nil.
func New(agg *aggregator.Aggregator, lines LineCounter, m *metrics.Metrics, logger zerolog.Logger) *Ingestor {
	return &Ingestor{
		agg:     agg,
		lines:   lines,
		metrics: m,
		logger:  logger.With().Str("component", "ingest").Logger(),
	}
}

// Handle validates ev and dispatches it by kind. Only validation errors are
// returned; everything downstream degrades silently.
func (in *Ingestor) Handle(ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	switch ev.Kind {
	case KindOpen:
		in.Open(ev)
	case KindClose:
		in.Close(ev)
	case KindEdit:
		in.Edit(ev)
	}
	return nil
}

// Open counts a file open and re-samples its line count.
func (in *Ingestor) Open(ev Event) {
	lines := ev.LineCount
	if lines == nil && in.lines != nil {
		if n, err := in.lines.CountLines(ev.File); err == nil {
			lines = &n
		} else {
			in.logger.Debug().Err(err).Str("file", ev.File).Msg("line count unavailable")
		}
	}

	in.record(ev, func(tx *keystroke.Tx) {
		stat := tx.StatFor(ev.File)
		increment(stat, keystroke.FieldOpen, 1)
		if lines != nil {
			sampleLines(stat, *lines)
		}
	})
	in.metrics.RecordEvent(classOpen)
}

// Close counts a file close.
func (in *Ingestor) Close(ev Event) {
	in.record(ev, func(tx *keystroke.Tx) {
		increment(tx.StatFor(ev.File), keystroke.FieldClose, 1)
	})
	in.metrics.RecordEvent(classClose)
}

// Edit classifies a document change as keystroke, paste or delete.
func (in *Ingestor) Edit(ev Event) {
	d := ev.CharDelta()
	cur, known := ev.CurrentLength()
	if d == 0 && known {
		lastFile, lastLength := in.agg.LastSeen()
		if lastFile != "" && lastFile == ev.File {
			d = cur - lastLength
		}
	}
	if d == 0 {
		in.metrics.RecordEvent(classNoop)
		return
	}

	nl := ev.Newline()
	var class string
	switch {
	case d > 1 && !nl:
		class = classPaste
	case d < 0:
		class = classDelete
	default:
		class = classKeystroke
	}

	in.record(ev, func(tx *keystroke.Tx) {
		stat := tx.StatFor(ev.File)
		switch class {
		case classPaste:
			increment(stat, keystroke.FieldPaste, d)
		case classDelete:
			increment(stat, keystroke.FieldDelete, -d)
		default:
			increment(stat, keystroke.FieldAdd, 1)
			tx.AddKeystrokes(1)
		}
		if nl {
			increment(stat, keystroke.FieldLinesAdded, 1)
		}
		if known {
			increment(stat, keystroke.FieldLength, cur)
		}
		if ev.LineCount != nil {
			sampleLines(stat, *ev.LineCount)
		}
	})
	if known {
		in.agg.TrackLastSeen(ev.File, cur)
	}
	in.metrics.RecordEvent(class)

	in.logger.Debug().
		Str("file", ev.File).
		Str("project", ev.Project).
		Str("class", class).
		Int64("delta", d).
		Msg("edit recorded")
}

// record applies fn to the current target aggregate, re-resolving the target
// when it was sealed between lookup and update.
func (in *Ingestor) record(ev Event, fn func(tx *keystroke.Tx)) bool {
	for attempt := 0; attempt < maxTargetAttempts; attempt++ {
		target := in.agg.CurrentEventTarget(ev.Project, ev.File)
		if target.Update(fn) {
			return true
		}
	}
	in.logger.Warn().
		Str("file", ev.File).
		Str("kind", string(ev.Kind)).
		Msg("event dropped, aggregate kept rotating")
	return false
}

// sampleLines overwrites the line count and credits linesRemoved when the
// count dropped from a known value.
func sampleLines(stat *keystroke.FileStat, n int64) {
	prev := stat.Lines()
	if prev != keystroke.LinesUnset && n < prev {
		increment(stat, keystroke.FieldLinesRemoved, prev-n)
	}
	increment(stat, keystroke.FieldLines, n)
}

func increment(stat *keystroke.FileStat, field keystroke.Field, n int64) {
	// Only known fields are passed here, so Increment cannot fail.
	_ = stat.Increment(field, n)
}
