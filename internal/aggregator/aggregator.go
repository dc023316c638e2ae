// Package aggregator owns the single active project aggregate of the process
// and the hand-off of that aggregate to the flush pipeline.
package aggregator

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/codetime-agent/internal/keystroke"
)

// HandOffer receives aggregates detached because the active project changed.
// Implementations must not block on network I/O.
type HandOffer interface {
	HandOff(agg *keystroke.Aggregate)
}

// Aggregator holds at most one active aggregate. Its mutex guards only the
// pointer swap and the last-seen bookkeeping; no I/O happens under it.
type Aggregator struct {
	mu         sync.Mutex
	active     *keystroke.Aggregate
	lastFile   string
	lastLength int64

	handOff HandOffer
	lookup  keystroke.RootLookup
	logger  zerolog.Logger
}

// New creates an empty aggregator. lookup may be nil.
func New(lookup keystroke.RootLookup, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		lookup: lookup,
		logger: logger.With().Str("component", "aggregator").Logger(),
	}
}

// SetHandOff wires the receiver of aggregates rotated out by a project switch.
func (a *Aggregator) SetHandOff(h HandOffer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handOff = h
}

// CurrentEventTarget returns the aggregate events for projectName must land in.
// When the active aggregate belongs to another project it is sealed and handed
// off, and a fresh aggregate for projectName takes its place. An empty
// projectName never forces a rotation.
func (a *Aggregator) CurrentEventTarget(projectName, filePath string) *keystroke.Aggregate {
	a.mu.Lock()
	cur := a.active
	if cur != nil {
		name := cur.Project().Name
		if name == projectName || name == "" || projectName == "" {
			cur.ResolveIdentity(projectName, filePath, a.lookup)
			a.mu.Unlock()
			return cur
		}
	}

	next := keystroke.NewAggregate(keystroke.Project{
		Name:      projectName,
		Directory: keystroke.ResolveDirectory(projectName, filePath, a.lookup),
	})
	a.active = next
	h := a.handOff
	a.mu.Unlock()

	if cur != nil {
		cur.Seal()
		a.logger.Debug().
			Str("from", cur.Project().Name).
			Str("to", projectName).
			Str("aggregate_id", cur.ID()).
			Msg("project switch, handing off aggregate")
		if h != nil {
			h.HandOff(cur)
		} else {
			a.logger.Warn().Str("aggregate_id", cur.ID()).Msg("no hand-off receiver, aggregate dropped")
		}
	}
	return next
}

// DetachActive swaps the active aggregate for a fresh one bound to the same
// project and returns the detached, sealed instance. It returns nil when no
// aggregate was ever created.
func (a *Aggregator) DetachActive() *keystroke.Aggregate {
	a.mu.Lock()
	old := a.active
	if old == nil {
		a.mu.Unlock()
		return nil
	}
	project := old.Project()
	project.Resource = nil
	a.active = keystroke.NewAggregate(project)
	a.mu.Unlock()

	old.Seal()
	return old
}

// Active returns the current aggregate, or nil.
func (a *Aggregator) Active() *keystroke.Aggregate {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// TrackLastSeen records the last observed file and its absolute length.
func (a *Aggregator) TrackLastSeen(filePath string, length int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastFile = filePath
	a.lastLength = length
}

// LastSeen returns the values recorded by TrackLastSeen.
func (a *Aggregator) LastSeen() (string, int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastFile, a.lastLength
}
