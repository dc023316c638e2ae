package mgmt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/codetime-agent/internal/errors"
	"github.com/p-blackswan/codetime-agent/internal/flush"
	"github.com/p-blackswan/codetime-agent/internal/health"
	"github.com/p-blackswan/codetime-agent/internal/ingest"
	"github.com/p-blackswan/codetime-agent/internal/keystroke"
	"github.com/p-blackswan/codetime-agent/internal/music"
	"github.com/p-blackswan/codetime-agent/internal/requestid"
	"github.com/p-blackswan/codetime-agent/pkg/tokenstore"
)

// EventHandler applies one editor event.
type EventHandler interface {
	Handle(ev ingest.Event) error
}

// FlushController is the subset of the flush engine the API drives.
type FlushController interface {
	FlushNow(ctx context.Context) (flush.Result, error)
	SetPaused(paused bool)
	Status() flush.Status
}

// ActiveSource exposes the aggregate currently receiving events.
type ActiveSource interface {
	Active() *keystroke.Aggregate
}

// SummarySource exposes the last session summary line.
type SummarySource interface {
	Last() string
}

// TrackRelay forwards the host's now-playing track.
type TrackRelay interface {
	Update(ctx context.Context, t *music.Track) error
}

// Deps are the components the handlers operate on. Spool, Active, Tokens,
// Summary and Tracks may be nil.
type Deps struct {
	Ingestor EventHandler
	Engine   FlushController
	Spool    health.Lener
	Active   ActiveSource
	Tokens   tokenstore.Store
	Summary  SummarySource
	Tracks   TrackRelay
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	deps      Deps
	checker   *health.Checker
	logger    zerolog.Logger
	startTime time.Time
	now       func() time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps, checker *health.Checker, logger zerolog.Logger) *Handlers {
	return &Handlers{
		deps:      deps,
		checker:   checker,
		logger:    logger.With().Str("component", "handlers").Logger(),
		startTime: time.Now(),
		now:       time.Now,
	}
}

// IngestEvents handles POST /api/v1/events. The body is one event or an
// array of events; nothing is applied unless every event is valid.
func (h *Handlers) IngestEvents(c *fiber.Ctx) error {
	events, err := decodeEvents(c.Body())
	if err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}

	for i, ev := range events {
		if err := ev.Validate(); err != nil {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_event", "Bad Request",
				fmt.Sprintf("event %d: %s", i, err.Error()))
		}
	}

	for _, ev := range events {
		if err := h.deps.Ingestor.Handle(ev); err != nil {
			h.logger.Warn().
				Err(err).
				Str("request_id", requestIDOf(c)).
				Str("kind", string(ev.Kind)).
				Msg("event rejected")
		}
	}

	return c.Status(fiber.StatusAccepted).JSON(IngestResponse{Accepted: len(events)})
}

func decodeEvents(body []byte) ([]ingest.Event, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	if body[0] == '[' {
		var events []ingest.Event
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, err
		}
		return events, nil
	}
	var ev ingest.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}
	return []ingest.Event{ev}, nil
}

// Track handles POST /api/v1/track. An empty body, null or a track without
// id reports that playback stopped.
func (h *Handlers) Track(c *fiber.Ctx) error {
	if h.deps.Tracks == nil {
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"no_track_relay", "Service Unavailable",
			"No track relay configured")
	}

	var track *music.Track
	if body := bytes.TrimSpace(c.Body()); len(body) > 0 {
		if err := json.Unmarshal(body, &track); err != nil {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_body", "Bad Request",
				"Invalid request body: "+err.Error())
		}
	}

	err := h.deps.Tracks.Update(c.UserContext(), track)
	if errors.Is(err, perrors.ErrInvalidInput) {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_track", "Bad Request", err.Error())
	}
	if err != nil {
		h.logger.Warn().
			Err(err).
			Str("request_id", requestIDOf(c)).
			Msg("track relay failed")
	}

	return c.Status(fiber.StatusAccepted).JSON(TrackResponse{Playing: track.Playing()})
}

// Flush handles POST /api/v1/flush.
func (h *Handlers) Flush(c *fiber.Ctx) error {
	res, err := h.deps.Engine.FlushNow(c.UserContext())
	if err != nil {
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"flush_failed", "Service Unavailable", err.Error())
	}
	return c.JSON(FlushResponse{Result: res})
}

// Pause handles POST /api/v1/telemetry/pause.
func (h *Handlers) Pause(c *fiber.Ctx) error {
	h.deps.Engine.SetPaused(true)
	return c.JSON(PauseResponse{Paused: true})
}

// Resume handles POST /api/v1/telemetry/resume.
func (h *Handlers) Resume(c *fiber.Ctx) error {
	h.deps.Engine.SetPaused(false)
	return c.JSON(PauseResponse{Paused: false})
}

// Status handles GET /api/v1/status.
func (h *Handlers) Status(c *fiber.Ctx) error {
	resp := StatusResponse{
		Engine: h.deps.Engine.Status(),
		Uptime: time.Since(h.startTime).Truncate(time.Second).String(),
	}

	if h.deps.Spool != nil {
		n, err := h.deps.Spool.Len(c.UserContext())
		if err != nil {
			h.logger.Warn().Err(err).Msg("reading spool length")
		}
		resp.SpoolRecords = n
	}

	if h.deps.Active != nil {
		if agg := h.deps.Active.Active(); agg != nil {
			snap := agg.Snapshot()
			resp.ActiveProject = snap.Project.Name
			resp.ActiveDirectory = snap.Project.Directory
			resp.ActiveKeystroke = snap.Keystrokes
		}
	}

	if h.deps.Summary != nil {
		resp.Summary = h.deps.Summary.Last()
	}

	return c.JSON(resp)
}

// PutSession handles PUT /api/v1/session. The token lives as long as its exp
// claim allows, or tokenstore.DefaultSessionTTL when it carries none.
func (h *Handlers) PutSession(c *fiber.Ctx) error {
	if h.deps.Tokens == nil {
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"no_token_store", "Service Unavailable",
			"No token store configured")
	}

	var req SessionRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if req.JWT == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_jwt", "Bad Request",
			"Field 'jwt' is required")
	}

	now := h.now()
	ttl, err := tokenstore.TTLFromJWT(req.JWT, now, tokenstore.DefaultSessionTTL)
	if err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"expired_jwt", "Bad Request", err.Error())
	}

	if err := h.deps.Tokens.Set(c.UserContext(), tokenstore.KeyJWT, req.JWT, ttl); err != nil {
		h.logger.Error().Err(err).Msg("storing session token")
		return problemResponse(c, fiber.StatusInternalServerError,
			"store_failed", "Internal Server Error",
			"Could not store session token")
	}

	h.logger.Info().Dur("ttl", ttl).Msg("session token updated")
	return c.JSON(SessionResponse{ExpiresAt: now.Add(ttl)})
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	results := h.checker.RunAll(c.UserContext())
	if !health.Ready(results) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(ReadinessResponse{
			Status: "not_ready",
			Checks: results,
		})
	}
	return c.JSON(ReadinessResponse{Status: "ready", Checks: results})
}

func requestIDOf(c *fiber.Ctx) string {
	id, _ := c.Locals(requestid.LocalsKey).(string)
	return id
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, perrors.ErrInvalidInput):
		return fiber.StatusBadRequest
	case errors.Is(err, perrors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}
