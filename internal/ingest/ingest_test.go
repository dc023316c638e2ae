package ingest

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/codetime-agent/internal/aggregator"
	perrors "github.com/p-blackswan/codetime-agent/internal/errors"
	"github.com/p-blackswan/codetime-agent/internal/keystroke"
)

type fixedLines struct {
	n   int64
	err error
}

func (f fixedLines) CountLines(string) (int64, error) { return f.n, f.err }

func newTestIngestor(lines LineCounter) (*Ingestor, *aggregator.Aggregator) {
	agg := aggregator.New(nil, zerolog.Nop())
	return New(agg, lines, nil, zerolog.Nop()), agg
}

func edit(file string, delta, docLen int64) Event {
	return Event{Kind: KindEdit, File: file, Project: "codetime", Delta: delta, DocumentLength: Length(docLen)}
}

func countsFor(t *testing.T, agg *aggregator.Aggregator, file string) keystroke.FileCounts {
	t.Helper()
	active := agg.Active()
	require.NotNil(t, active)
	c, ok := active.Snapshot().Files[file]
	require.True(t, ok, "no stat for %s", file)
	return c
}

func TestHandle_Validation(t *testing.T) {
	in, _ := newTestIngestor(nil)

	err := in.Handle(Event{Kind: "scroll", File: "a.go"})
	assert.True(t, errors.Is(err, perrors.ErrInvalidInput))

	err = in.Handle(Event{Kind: KindEdit})
	assert.True(t, errors.Is(err, perrors.ErrInvalidInput))

	assert.NoError(t, in.Handle(edit("a.go", 1, 1)))
}

func TestEdit_ThreeKeystrokes(t *testing.T) {
	in, agg := newTestIngestor(nil)
	for i := int64(1); i <= 3; i++ {
		in.Edit(edit("a.go", 1, i))
	}

	c := countsFor(t, agg, "a.go")
	assert.Equal(t, int64(3), c.Add)
	assert.Equal(t, int64(3), c.Keys)
	assert.Equal(t, int64(3), c.Netkeys)
	assert.Equal(t, int64(3), c.Length)
	assert.Equal(t, int64(3), agg.Active().Snapshot().Keystrokes)
}

func TestEdit_Delete(t *testing.T) {
	in, agg := newTestIngestor(nil)
	in.Edit(edit("a.go", -5, 20))

	c := countsFor(t, agg, "a.go")
	assert.Equal(t, int64(5), c.Delete)
	assert.Equal(t, int64(5), c.Keys)
	assert.Equal(t, int64(-5), c.Netkeys)
	assert.Zero(t, agg.Active().Snapshot().Keystrokes)
}

func TestEdit_Paste(t *testing.T) {
	in, agg := newTestIngestor(nil)
	in.Edit(edit("a.go", 12, 12))

	c := countsFor(t, agg, "a.go")
	assert.Equal(t, int64(12), c.Paste)
	assert.Zero(t, c.Add)
	assert.Zero(t, c.Keys)
	assert.Zero(t, agg.Active().Snapshot().Keystrokes)
}

func TestEdit_NewlineCountsAsKeystroke(t *testing.T) {
	in, agg := newTestIngestor(nil)
	ev := edit("a.go", 5, 30)
	ev.Text = "\n    "
	in.Edit(ev)

	c := countsFor(t, agg, "a.go")
	assert.Equal(t, int64(1), c.Add)
	assert.Equal(t, int64(1), c.LinesAdded)
	assert.Zero(t, c.Paste)
}

func TestEdit_DeltaFromLengths(t *testing.T) {
	in, agg := newTestIngestor(nil)
	in.Edit(Event{Kind: KindEdit, File: "a.go", Project: "codetime", NewLength: 40, OldLength: 43, DocumentLength: Length(40)})

	c := countsFor(t, agg, "a.go")
	assert.Equal(t, int64(3), c.Delete)
}

func TestEdit_LengthFormOnly(t *testing.T) {
	in, agg := newTestIngestor(nil)
	in.Edit(edit("a.go", 1, 100))

	// Unchanged document in the length form is a no-op.
	in.Edit(Event{Kind: KindEdit, File: "a.go", Project: "codetime", NewLength: 100, OldLength: 100})
	c := countsFor(t, agg, "a.go")
	assert.Equal(t, int64(1), c.Add)
	assert.Zero(t, c.Delete)
	assert.Equal(t, int64(100), c.Length)

	in.Edit(Event{Kind: KindEdit, File: "a.go", Project: "codetime", NewLength: 101, OldLength: 100})
	c = countsFor(t, agg, "a.go")
	assert.Equal(t, int64(2), c.Add)
	assert.Equal(t, int64(101), c.Length)

	_, length := agg.LastSeen()
	assert.Equal(t, int64(101), length)
}

func TestEdit_LengthUnreportedKeepsLastSample(t *testing.T) {
	in, agg := newTestIngestor(nil)
	in.Edit(edit("a.go", 1, 50))
	in.Edit(Event{Kind: KindEdit, File: "a.go", Project: "codetime", Delta: 1})

	c := countsFor(t, agg, "a.go")
	assert.Equal(t, int64(2), c.Add)
	assert.Equal(t, int64(50), c.Length)

	_, length := agg.LastSeen()
	assert.Equal(t, int64(50), length)
}

func TestEvent_CurrentLength(t *testing.T) {
	tests := []struct {
		name  string
		ev    Event
		want  int64
		known bool
	}{
		{"document length", Event{Delta: 1, DocumentLength: Length(7)}, 7, true},
		{"empty document", Event{Delta: -3, DocumentLength: Length(0)}, 0, true},
		{"length form", Event{NewLength: 12, OldLength: 10}, 12, true},
		{"length form emptied", Event{NewLength: 0, OldLength: 4}, 0, true},
		{"delta only", Event{Delta: 1}, 0, false},
		{"nothing", Event{}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, known := tt.ev.CurrentLength()
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.known, known)
		})
	}
}

func TestEdit_ZeroDeltaRecomputedFromLastSeen(t *testing.T) {
	in, agg := newTestIngestor(nil)
	in.Edit(edit("a.go", 1, 10))
	in.Edit(edit("a.go", 0, 15))

	c := countsFor(t, agg, "a.go")
	assert.Equal(t, int64(1), c.Add)
	assert.Equal(t, int64(5), c.Paste)
	assert.Equal(t, int64(15), c.Length)

	file, length := agg.LastSeen()
	assert.Equal(t, "a.go", file)
	assert.Equal(t, int64(15), length)
}

func TestEdit_ZeroDeltaIsNoop(t *testing.T) {
	in, agg := newTestIngestor(nil)

	// No last-seen file yet.
	in.Edit(edit("a.go", 0, 15))
	assert.Nil(t, agg.Active())

	// Different file than the last seen one.
	in.Edit(edit("a.go", 1, 10))
	in.Edit(edit("b.go", 0, 99))
	_, ok := agg.Active().Snapshot().Files["b.go"]
	assert.False(t, ok)

	// Same file and same length.
	in.Edit(edit("a.go", 0, 10))
	c := countsFor(t, agg, "a.go")
	assert.Equal(t, int64(1), c.Add)
}

func TestEdit_LinesRemovedWhenCountDrops(t *testing.T) {
	in, agg := newTestIngestor(nil)
	ev := edit("a.go", 1, 10)
	ev.LineCount = Lines(20)
	in.Edit(ev)

	ev = edit("a.go", -40, 30)
	ev.LineCount = Lines(17)
	in.Edit(ev)

	c := countsFor(t, agg, "a.go")
	assert.Equal(t, int64(17), c.Lines)
	assert.Equal(t, int64(3), c.LinesRemoved)
}

func TestOpenClose(t *testing.T) {
	in, agg := newTestIngestor(fixedLines{n: 42})
	require.NoError(t, in.Handle(Event{Kind: KindOpen, File: "a.go", Project: "codetime"}))
	require.NoError(t, in.Handle(Event{Kind: KindClose, File: "a.go", Project: "codetime"}))

	c := countsFor(t, agg, "a.go")
	assert.Equal(t, int64(1), c.Open)
	assert.Equal(t, int64(1), c.Close)
	assert.Equal(t, int64(42), c.Lines)
	assert.Zero(t, agg.Active().Snapshot().Keystrokes)
	assert.True(t, agg.Active().Snapshot().HasActivity())
}

func TestOpen_ReportedLineCountWins(t *testing.T) {
	in, agg := newTestIngestor(fixedLines{n: 42})
	in.Open(Event{Kind: KindOpen, File: "a.go", Project: "codetime", LineCount: Lines(7)})
	assert.Equal(t, int64(7), countsFor(t, agg, "a.go").Lines)
}

func TestOpen_LineCounterFailureLeavesLinesUnset(t *testing.T) {
	in, agg := newTestIngestor(fixedLines{err: os.ErrNotExist})
	in.Open(Event{Kind: KindOpen, File: "a.go", Project: "codetime"})
	assert.Equal(t, int64(keystroke.LinesUnset), countsFor(t, agg, "a.go").Lines)
}

func TestEdit_AfterDetachLandsInFreshAggregate(t *testing.T) {
	in, agg := newTestIngestor(nil)
	in.Edit(edit("a.go", 1, 1))

	detached := agg.DetachActive()
	require.NotNil(t, detached)

	in.Edit(edit("a.go", 1, 2))

	assert.Equal(t, int64(1), detached.Snapshot().Keystrokes)
	assert.Equal(t, int64(1), agg.Active().Snapshot().Keystrokes)
	assert.NotSame(t, detached, agg.Active())
}

func TestEdit_ConcurrentWithDetachCountsEveryKeystrokeOnce(t *testing.T) {
	in, agg := newTestIngestor(nil)
	const writers, perWriter = 8, 200

	var (
		mu       sync.Mutex
		detached []*keystroke.Aggregate
		wg       sync.WaitGroup
		done     = make(chan struct{})
		stopped  = make(chan struct{})
	)

	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			default:
				if d := agg.DetachActive(); d != nil {
					mu.Lock()
					detached = append(detached, d)
					mu.Unlock()
				}
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			file := filepath.Join("/src/codetime", string(rune('a'+w))+".go")
			for i := 0; i < perWriter; i++ {
				in.Edit(Event{Kind: KindEdit, File: file, Project: "codetime", Delta: 1, DocumentLength: Length(int64(i + 1))})
			}
		}(w)
	}
	wg.Wait()
	close(done)
	<-stopped

	var total int64
	mu.Lock()
	for _, d := range detached {
		total += d.Snapshot().Keystrokes
	}
	mu.Unlock()
	total += agg.Active().Snapshot().Keystrokes

	assert.Equal(t, int64(writers*perWriter), total)
}

func TestFileLineCounter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.go")
	require.NoError(t, os.WriteFile(path, []byte("package a\n\nfunc A() {}\n"), 0o600))

	n, err := FileLineCounter{}.CountLines(path)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = FileLineCounter{}.CountLines(filepath.Join(t.TempDir(), "missing.go"))
	assert.Error(t, err)
}
