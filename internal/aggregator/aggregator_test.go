package aggregator

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/codetime-agent/internal/keystroke"
)

type recordingHandOff struct {
	mu   sync.Mutex
	aggs []*keystroke.Aggregate
}

func (r *recordingHandOff) HandOff(agg *keystroke.Aggregate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aggs = append(r.aggs, agg)
}

func (r *recordingHandOff) handed() []*keystroke.Aggregate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*keystroke.Aggregate(nil), r.aggs...)
}

func newTestAggregator() (*Aggregator, *recordingHandOff) {
	a := New(nil, zerolog.Nop())
	h := &recordingHandOff{}
	a.SetHandOff(h)
	return a, h
}

func TestCurrentEventTarget_CreatesOnFirstEvent(t *testing.T) {
	a, h := newTestAggregator()
	assert.Nil(t, a.Active())

	agg := a.CurrentEventTarget("codetime", "/home/dev/codetime/a.go")
	require.NotNil(t, agg)
	assert.Same(t, agg, a.Active())
	assert.Equal(t, keystroke.Project{Name: "codetime", Directory: "/home/dev"}, agg.Project())
	assert.Empty(t, h.handed())
}

func TestCurrentEventTarget_SameProjectReturnsSameAggregate(t *testing.T) {
	a, h := newTestAggregator()
	first := a.CurrentEventTarget("p", "/x/p/a.go")
	second := a.CurrentEventTarget("p", "/x/p/b.go")
	assert.Same(t, first, second)
	assert.Empty(t, h.handed())
}

func TestCurrentEventTarget_ProjectSwitchHandsOffOnce(t *testing.T) {
	a, h := newTestAggregator()
	p1 := a.CurrentEventTarget("P1", "/x/P1/a.go")
	p1.Update(func(tx *keystroke.Tx) { tx.AddKeystrokes(2) })

	p2 := a.CurrentEventTarget("P2", "/x/P2/a.go")
	assert.NotSame(t, p1, p2)
	assert.Equal(t, "P2", p2.Project().Name)
	assert.Zero(t, p2.Snapshot().Keystrokes)

	handed := h.handed()
	require.Len(t, handed, 1)
	assert.Same(t, p1, handed[0])
	assert.True(t, p1.Sealed())

	// Staying on P2 does not hand anything else off.
	a.CurrentEventTarget("P2", "/x/P2/b.go")
	assert.Len(t, h.handed(), 1)
}

func TestCurrentEventTarget_EmptyIdentityIsAdopted(t *testing.T) {
	a, h := newTestAggregator()
	first := a.CurrentEventTarget("", "/tmp/scratch.txt")
	assert.Equal(t, "", first.Project().Name)

	second := a.CurrentEventTarget("codetime", "/home/dev/codetime/a.go")
	assert.Same(t, first, second)
	assert.Equal(t, keystroke.Project{Name: "codetime", Directory: "/home/dev"}, second.Project())
	assert.Empty(t, h.handed())
}

func TestCurrentEventTarget_UsesRootLookup(t *testing.T) {
	lookup := func(name string) (string, bool) {
		if name == "codetime" {
			return "/srv/checkouts/codetime", true
		}
		return "", false
	}
	a := New(lookup, zerolog.Nop())
	agg := a.CurrentEventTarget("codetime", "/elsewhere/file.go")
	assert.Equal(t, "/srv/checkouts/codetime", agg.Project().Directory)
}

func TestCurrentEventTarget_ConcurrentSameProjectCreatesOne(t *testing.T) {
	a, h := newTestAggregator()
	const n = 64
	results := make([]*keystroke.Aggregate, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = a.CurrentEventTarget("p", "/x/p/a.go")
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Same(t, results[0], r)
	}
	assert.Empty(t, h.handed())
}

func TestDetachActive_Empty(t *testing.T) {
	a, _ := newTestAggregator()
	assert.Nil(t, a.DetachActive())
}

func TestDetachActive_NewEventsLandInFreshAggregate(t *testing.T) {
	a, h := newTestAggregator()
	old := a.CurrentEventTarget("p", "/x/p/a.go")
	old.Update(func(tx *keystroke.Tx) { tx.AddKeystrokes(1) })

	detached := a.DetachActive()
	assert.Same(t, old, detached)
	assert.True(t, detached.Sealed())

	fresh := a.CurrentEventTarget("p", "/x/p/a.go")
	assert.NotSame(t, old, fresh)
	assert.Equal(t, old.Project(), fresh.Project())
	assert.True(t, fresh.Update(func(tx *keystroke.Tx) { tx.AddKeystrokes(1) }))

	// The detached aggregate refuses late mutations.
	assert.False(t, detached.Update(func(tx *keystroke.Tx) { tx.AddKeystrokes(1) }))
	assert.Equal(t, int64(1), detached.Snapshot().Keystrokes)
	assert.Empty(t, h.handed())
}

func TestTrackLastSeen(t *testing.T) {
	a, _ := newTestAggregator()
	file, length := a.LastSeen()
	assert.Equal(t, "", file)
	assert.Zero(t, length)

	a.TrackLastSeen("a.go", 120)
	file, length = a.LastSeen()
	assert.Equal(t, "a.go", file)
	assert.Equal(t, int64(120), length)
}
