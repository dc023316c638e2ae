package flush

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/p-blackswan/codetime-agent/internal/api"
	perrors "github.com/p-blackswan/codetime-agent/internal/errors"
	"github.com/p-blackswan/codetime-agent/internal/keystroke"
	"github.com/p-blackswan/codetime-agent/internal/notify"
	"github.com/p-blackswan/codetime-agent/pkg/tokenstore"
)

// process runs one flush: drain the backlog, take the aggregate (agg, or the
// detached active one), then send or spool it.
func (e *Engine) process(ctx context.Context, trigger Trigger, agg *keystroke.Aggregate) Result {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	now := e.now()
	log := e.logger.With().Str("flush_id", uuid.New().String()).Str("trigger", string(trigger)).Logger()
	res := Result{Trigger: trigger}

	paused, deactivated := e.state(now)
	if !paused && !deactivated {
		res.Drained = e.drain(ctx)
	}

	if agg == nil {
		agg = e.agg.DetachActive()
	}
	if agg == nil {
		res.Outcome = OutcomeEmpty
		return e.finish(now, res)
	}

	snap := agg.Seal()
	res.AggregateID = snap.ID
	res.Project = snap.Project.Name
	res.Keystrokes = snap.Keystrokes

	if !snap.HasActivity() {
		res.Outcome = OutcomeEmpty
		return e.finish(now, res)
	}

	if e.resources != nil {
		snap.Project.Resource = e.resources.Resource(ctx, snap.Project.Directory)
	}

	body, err := snap.Payload(e.meta, keystroke.NewWindow(now, e.cfg.Interval, e.cfg.Location)).Marshal()
	if err != nil {
		log.Error().Err(err).Msg("payload dropped")
		e.metrics.RecordError("flush", "marshal")
		res.Outcome = OutcomeDropped
		return e.finish(now, res)
	}

	// A cool-down may have started during the drain.
	if _, deactivated = e.state(now); paused || deactivated {
		if deactivated {
			log.Info().Str("project", snap.Project.Name).Msg("account deactivated, spooling window")
		}
		res.Outcome = e.spoolPayload(ctx, body)
		return e.finish(now, res)
	}

	res.Outcome = e.send(ctx, body, snap)
	if res.Outcome == OutcomeSent {
		e.reportMembers(ctx, snap.Project)
	}
	log.Info().
		Str("project", snap.Project.Name).
		Int64("keystrokes", snap.Keystrokes).
		Int("files", len(snap.Files)).
		Int("drained", res.Drained).
		Str("outcome", res.Outcome).
		Msg("flush complete")
	return e.finish(now, res)
}

func (e *Engine) finish(now time.Time, res Result) Result {
	e.stateMu.Lock()
	e.lastFlushAt = now
	e.lastOutcome = res.Outcome
	e.stateMu.Unlock()

	e.metrics.RecordFlush(string(res.Trigger), res.Outcome)
	return res
}

// send posts one window. Deactivated responses drop the payload and start
// the cool-down; every other failure spools it.
func (e *Engine) send(ctx context.Context, body []byte, snap keystroke.Snapshot) string {
	resp, err := e.client.Send(ctx, http.MethodPost, api.PathData, body, e.token(ctx))
	if err == nil {
		err = api.Check(resp)
	}

	switch {
	case err == nil:
		if snap.Keystrokes > 0 {
			e.notify(ctx, notify.SentMessage(snap.Keystrokes, snap.Project.Name))
		}
		return OutcomeSent
	case perrors.IsDeactivated(err):
		e.enterCooldown(ctx)
		return OutcomeDeactivated
	default:
		e.logger.Warn().Err(err).Str("aggregate_id", snap.ID).Msg("send failed, spooling payload")
		e.metrics.RecordError("flush", "send")
		return e.spoolPayload(ctx, body)
	}
}

// drain sends the spool backlog as one batch. Failures leave the spool
// untouched and never block the flush that follows.
func (e *Engine) drain(ctx context.Context) int {
	n, err := e.spool.Drain(ctx, func(ctx context.Context, batch []byte) error {
		resp, err := e.client.Send(ctx, http.MethodPost, api.PathBatch, batch, e.token(ctx))
		if err != nil {
			return err
		}
		return api.Check(resp)
	})

	switch {
	case errors.Is(err, perrors.ErrSpoolEmpty):
		e.metrics.RecordDrain("empty")
	case err == nil:
		e.metrics.RecordDrain("ok")
		e.logger.Info().Int("records", n).Msg("offline data sent")
	case perrors.IsDeactivated(err):
		e.metrics.RecordDrain("failed")
		e.enterCooldown(ctx)
	default:
		e.metrics.RecordDrain("failed")
		e.logger.Warn().Err(err).Msg("spool drain failed")
	}

	e.refreshSpoolGauge(ctx)
	return n
}

func (e *Engine) spoolPayload(ctx context.Context, body []byte) string {
	if err := e.spool.Append(ctx, body); err != nil {
		e.logger.Error().Err(err).Msg("spool append failed, payload dropped")
		e.metrics.RecordError("spool", "append")
		return OutcomeDropped
	}
	e.refreshSpoolGauge(ctx)
	return OutcomeSpooled
}

// spoolDirect persists a hand-off that could not be queued. It runs on the
// ingest path, so it never touches the network.
func (e *Engine) spoolDirect(agg *keystroke.Aggregate) {
	now := e.now()
	snap := agg.Seal()
	res := Result{Trigger: TriggerHandOff, AggregateID: snap.ID, Project: snap.Project.Name, Keystrokes: snap.Keystrokes}

	switch {
	case !snap.HasActivity():
		res.Outcome = OutcomeEmpty
	default:
		body, err := snap.Payload(e.meta, keystroke.NewWindow(now, e.cfg.Interval, e.cfg.Location)).Marshal()
		if err != nil {
			e.logger.Error().Err(err).Msg("payload dropped")
			res.Outcome = OutcomeDropped
			break
		}
		res.Outcome = e.spoolPayload(context.Background(), body)
		e.logger.Warn().Str("aggregate_id", snap.ID).Str("outcome", res.Outcome).Msg("hand-off queue unavailable, spooled directly")
	}
	e.metrics.RecordFlush(string(res.Trigger), res.Outcome)
}

// reportMembers posts the author list of the flushed project's repository.
// Failures only cost a retry on a later flush.
func (e *Engine) reportMembers(ctx context.Context, p keystroke.Project) {
	if e.members == nil || p.Resource == nil {
		return
	}
	if err := e.members.Report(ctx, p.Directory, p.Resource, e.token(ctx)); err != nil {
		e.logger.Debug().Err(err).Str("project", p.Name).Msg("repo members not sent")
	}
}

func (e *Engine) enterCooldown(ctx context.Context) {
	now := e.now()
	e.stateMu.Lock()
	already := now.Before(e.deactivatedUntil)
	if !already {
		e.deactivatedUntil = now.Add(e.cfg.DeactivatedCooldown)
	}
	until := e.deactivatedUntil
	e.stateMu.Unlock()

	if already {
		return
	}
	e.logger.Warn().Time("until", until).Msg("account deactivated, suspending remote calls")
	e.notify(ctx, notify.DeactivatedMessage)
}

func (e *Engine) notify(ctx context.Context, msg string) {
	if err := e.notifier.Notify(ctx, msg); err != nil {
		e.logger.Warn().Err(err).Msg("notification failed")
	}
}

func (e *Engine) token(ctx context.Context) string {
	return tokenstore.Value(ctx, e.tokens, tokenstore.KeyJWT)
}

func (e *Engine) refreshSpoolGauge(ctx context.Context) {
	if n, err := e.spool.Len(ctx); err == nil {
		e.metrics.SetSpoolRecords(n)
	}
}
