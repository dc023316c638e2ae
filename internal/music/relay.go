// Package music relays the host's now-playing track to the backend as
// start and end records.
package music

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/codetime-agent/internal/api"
	perrors "github.com/p-blackswan/codetime-agent/internal/errors"
	"github.com/p-blackswan/codetime-agent/pkg/tokenstore"
)

// itunesPrefix is prepended to ids that do not name their player.
const itunesPrefix = "itunes:track:"

// Track is one now-playing record. Start, End and LocalStart are unix
// seconds; Duration is in seconds.
type Track struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Artist     string  `json:"artist"`
	Genre      string  `json:"genre"`
	State      string  `json:"state"`
	Duration   float64 `json:"duration"`
	Start      int64   `json:"start"`
	End        int64   `json:"end"`
	LocalStart int64   `json:"local_start"`
}

// Playing reports whether t names a track.
func (t *Track) Playing() bool {
	return t != nil && t.ID != ""
}

// Gate reports whether remote calls are currently suspended.
type Gate interface {
	Suspended() bool
}

// Relay remembers the current track and posts a record whenever playback
// starts, changes or stops.
type Relay struct {
	client api.Client
	tokens tokenstore.Store
	gate   Gate
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	current *Track
}

// NewRelay creates a relay. tokens and gate may be nil.
func NewRelay(client api.Client, tokens tokenstore.Store, gate Gate, logger zerolog.Logger) *Relay {
	return &Relay{
		client: client,
		tokens: tokens,
		gate:   gate,
		logger: logger.With().Str("component", "music").Logger(),
		now:    time.Now,
	}
}

// SetClock replaces the time source (for testing).
func (r *Relay) SetClock(now func() time.Time) {
	r.now = now
}

// Current returns a copy of the track being played, or nil.
func (r *Relay) Current() *Track {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	cp := *r.current
	return &cp
}

// Update reports the host's current track; nil or an empty id means playback
// stopped. A change closes the previous track with an end time and opens the
// new one with a start time. Reporting the same track again is a no-op.
func (r *Relay) Update(ctx context.Context, t *Track) error {
	if t.Playing() && t.Name == "" {
		return fmt.Errorf("track %q without name: %w", t.ID, perrors.ErrInvalidInput)
	}

	var next *Track
	if t.Playing() {
		cp := normalize(*t)
		next = &cp
	}

	now := r.now()

	r.mu.Lock()
	prev := r.current
	if prev != nil && next != nil && prev.ID == next.ID {
		r.mu.Unlock()
		return nil
	}
	var posts []Track
	if prev != nil {
		ended := *prev
		ended.End = now.Unix()
		posts = append(posts, ended)
	}
	if next != nil {
		_, offset := now.Zone()
		next.Start = now.Unix()
		next.End = 0
		next.LocalStart = now.Unix() + int64(offset)
		posts = append(posts, *next)
	}
	r.current = next
	r.mu.Unlock()

	if r.gate != nil && r.gate.Suspended() {
		r.logger.Debug().Int("records", len(posts)).Msg("remote calls suspended, track not sent")
		return nil
	}

	var errs []error
	for _, p := range posts {
		if err := r.post(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Relay) post(ctx context.Context, t Track) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding track: %w", err)
	}
	resp, err := r.client.Send(ctx, http.MethodPost, api.PathMusic, body, tokenstore.Value(ctx, r.tokens, tokenstore.KeyJWT))
	if err == nil {
		err = api.Check(resp)
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("track", t.ID).Msg("sending track failed")
		return fmt.Errorf("sending track %s: %w", t.ID, err)
	}
	r.logger.Debug().Str("track", t.ID).Bool("ended", t.End > 0).Msg("track sent")
	return nil
}

// normalize prefixes player-less ids and converts millisecond durations to
// seconds.
func normalize(t Track) Track {
	if !strings.Contains(t.ID, "spotify") && !strings.Contains(t.ID, "itunes") {
		t.ID = itunesPrefix + t.ID
	}
	if t.Duration > 1000 {
		t.Duration /= 1000
	}
	return t
}
