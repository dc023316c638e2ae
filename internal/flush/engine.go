// Package flush runs the single background loop that detaches aggregates,
// sends them to the backend and falls back to the offline spool.
package flush

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/codetime-agent/internal/aggregator"
	"github.com/p-blackswan/codetime-agent/internal/api"
	"github.com/p-blackswan/codetime-agent/internal/keystroke"
	"github.com/p-blackswan/codetime-agent/internal/metrics"
	"github.com/p-blackswan/codetime-agent/internal/notify"
	"github.com/p-blackswan/codetime-agent/internal/resource"
	"github.com/p-blackswan/codetime-agent/internal/spool"
	"github.com/p-blackswan/codetime-agent/pkg/tokenstore"
)

// Trigger names what started a flush.
type Trigger string

const (
	TriggerTimer    Trigger = "timer"
	TriggerHandOff  Trigger = "handoff"
	TriggerManual   Trigger = "manual"
	TriggerShutdown Trigger = "shutdown"
)

// Outcomes of a single flush.
const (
	OutcomeSent        = "sent"
	OutcomeSpooled     = "spooled"
	OutcomeEmpty       = "empty"
	OutcomeDeactivated = "deactivated"
	OutcomeDropped     = "dropped"
)

// Config holds engine settings.
type Config struct {
	Interval            time.Duration
	ShutdownTimeout     time.Duration
	DeactivatedCooldown time.Duration
	HandOffQueueSize    int
	PluginID            int
	PluginVersion       string
	Location            *time.Location
}

// Result describes one processed flush.
type Result struct {
	Trigger     Trigger `json:"trigger"`
	AggregateID string  `json:"aggregate_id,omitempty"`
	Project     string  `json:"project,omitempty"`
	Outcome     string  `json:"outcome"`
	Keystrokes  int64   `json:"keystrokes"`
	Drained     int     `json:"drained"`
}

// Status is a point-in-time view of the engine.
type Status struct {
	Running          bool       `json:"running"`
	Paused           bool       `json:"paused"`
	DeactivatedUntil *time.Time `json:"deactivated_until,omitempty"`
	LastFlushAt      *time.Time `json:"last_flush_at,omitempty"`
	LastOutcome      string     `json:"last_outcome,omitempty"`
	PendingHandOffs  int        `json:"pending_handoffs"`
}

// MembersReporter posts the author list of a flushed project's repository.
type MembersReporter interface {
	Report(ctx context.Context, dir string, res *keystroke.Resource, token string) error
}

type request struct {
	trigger Trigger
	done    chan Result
}

// Engine serializes every flush through one goroutine. The periodic timer,
// manual flushes and project-switch hand-offs all post to it; shutdown runs
// one final flush after the loop has stopped.
type Engine struct {
	cfg       Config
	meta      keystroke.Meta
	agg       *aggregator.Aggregator
	client    api.Client
	spool     spool.Store
	tokens    tokenstore.Store
	resources resource.Provider
	members   MembersReporter
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time

	requests chan request
	handoffs chan *keystroke.Aggregate

	// hmu orders HandOff against Stop so no aggregate is left in the queue.
	hmu       sync.Mutex
	accepting bool
	loopDone  chan struct{} // closed when the current loop exits

	flushMu sync.Mutex // one flush at a time, loop or direct

	stateMu          sync.Mutex
	paused           bool
	deactivatedUntil time.Time
	lastFlushAt      time.Time
	lastOutcome      string

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewEngine creates a stopped engine. tokens, resources, notifier and m may
// be nil.
func NewEngine(
	cfg Config,
	agg *aggregator.Aggregator,
	client api.Client,
	store spool.Store,
	tokens tokenstore.Store,
	resources resource.Provider,
	notifier notify.Notifier,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.DeactivatedCooldown <= 0 {
		cfg.DeactivatedCooldown = 12 * time.Hour
	}
	if cfg.HandOffQueueSize <= 0 {
		cfg.HandOffQueueSize = 64
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}

	return &Engine{
		cfg: cfg,
		meta: keystroke.Meta{
			PluginID: cfg.PluginID,
			Version:  cfg.PluginVersion,
			OS:       runtime.GOOS,
		},
		agg:       agg,
		client:    client,
		spool:     store,
		tokens:    tokens,
		resources: resources,
		notifier:  notifier,
		metrics:   m,
		logger:    logger.With().Str("component", "flush").Logger(),
		now:       time.Now,
		requests:  make(chan request),
		handoffs:  make(chan *keystroke.Aggregate, cfg.HandOffQueueSize),
	}
}

// SetMembersReporter enables repository member reports after sent flushes.
func (e *Engine) SetMembersReporter(r MembersReporter) {
	e.members = r
}

// SetClock replaces the time source (for testing).
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Start launches the flush loop.
func (e *Engine) Start(ctx context.Context) {
	if e.running.Swap(true) {
		return
	}

	ctx, e.cancel = context.WithCancel(ctx)
	done := make(chan struct{})

	e.hmu.Lock()
	e.accepting = true
	e.loopDone = done
	e.hmu.Unlock()

	e.wg.Add(1)
	go e.loop(ctx, done)

	e.logger.Info().Dur("interval", e.cfg.Interval).Msg("flush engine started")
}

// Stop halts the loop, processes queued hand-offs and performs one final
// flush of the active aggregate, bounded by ctx and the shutdown timeout.
func (e *Engine) Stop(ctx context.Context) Result {
	e.hmu.Lock()
	e.accepting = false
	e.hmu.Unlock()

	if e.running.Swap(false) {
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ShutdownTimeout)
	defer cancel()

pending:
	for {
		select {
		case agg := <-e.handoffs:
			e.process(ctx, TriggerHandOff, agg)
		default:
			break pending
		}
	}

	res := e.process(ctx, TriggerShutdown, nil)
	e.logger.Info().Str("outcome", res.Outcome).Msg("flush engine stopped")
	return res
}

// HandOff queues an aggregate detached by a project switch. It never blocks:
// when the queue is full or the engine is not running the aggregate is
// written straight to the spool.
func (e *Engine) HandOff(agg *keystroke.Aggregate) {
	if agg == nil {
		return
	}
	e.hmu.Lock()
	if e.accepting {
		select {
		case e.handoffs <- agg:
			e.hmu.Unlock()
			return
		default:
		}
	}
	e.hmu.Unlock()

	e.spoolDirect(agg)
}

// FlushNow runs a flush through the loop and waits for its result. When the
// engine is not running, or its loop exits before taking the request, the
// flush runs on the caller's goroutine.
func (e *Engine) FlushNow(ctx context.Context) (Result, error) {
	e.hmu.Lock()
	loopDone := e.loopDone
	e.hmu.Unlock()

	if !e.running.Load() || loopDone == nil {
		return e.process(ctx, TriggerManual, nil), nil
	}

	req := request{trigger: TriggerManual, done: make(chan Result, 1)}
	select {
	case e.requests <- req:
	case <-loopDone:
		return e.process(ctx, TriggerManual, nil), nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("queueing flush: %w", ctx.Err())
	}
	select {
	case res := <-req.done:
		return res, nil
	case <-loopDone:
		// A taken request is always answered before the loop returns.
		return <-req.done, nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("waiting for flush: %w", ctx.Err())
	}
}

// SetPaused toggles telemetry pause. While paused, windows are spooled
// instead of sent and the backlog is not drained.
func (e *Engine) SetPaused(paused bool) {
	e.stateMu.Lock()
	changed := e.paused != paused
	e.paused = paused
	e.stateMu.Unlock()
	if changed {
		e.logger.Info().Bool("paused", paused).Msg("telemetry pause changed")
	}
}

// Suspended reports whether remote calls are currently off, either because
// telemetry is paused or the account is in its deactivation cool-down.
func (e *Engine) Suspended() bool {
	paused, deactivated := e.state(e.now())
	return paused || deactivated
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	now := e.now()
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	st := Status{
		Running:         e.running.Load(),
		Paused:          e.paused,
		LastOutcome:     e.lastOutcome,
		PendingHandOffs: len(e.handoffs),
	}
	if now.Before(e.deactivatedUntil) {
		until := e.deactivatedUntil
		st.DeactivatedUntil = &until
	}
	if !e.lastFlushAt.IsZero() {
		at := e.lastFlushAt
		st.LastFlushAt = &at
	}
	return st
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer e.wg.Done()
	defer close(done)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.process(ctx, TriggerTimer, nil)
		case agg := <-e.handoffs:
			e.process(ctx, TriggerHandOff, agg)
		case req := <-e.requests:
			res := e.process(ctx, req.trigger, nil)
			if req.done != nil {
				req.done <- res
			}
		}
	}
}

func (e *Engine) state(now time.Time) (paused, deactivated bool) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.paused, now.Before(e.deactivatedUntil)
}
