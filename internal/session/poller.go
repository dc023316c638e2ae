// Package session polls the backend for the daily coding summary and
// forwards it to the notification sink when it changes.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/codetime-agent/internal/api"
	"github.com/p-blackswan/codetime-agent/internal/notify"
	"github.com/p-blackswan/codetime-agent/pkg/tokenstore"
)

// DefaultTitle is shown when there is no activity to summarise.
const DefaultTitle = "Code Time"

// Summary is the body of GET /sessions?summary=true.
type Summary struct {
	KPM                   int64   `json:"kpm"`
	MinutesTotal          int64   `json:"minutesTotal"`
	InFlow                bool    `json:"inFlow"`
	SessionMinAvg         int64   `json:"sessionMinAvg"`
	SessionMinGoalPercent float64 `json:"sessionMinGoalPercent"`
}

// String renders the status line, e.g. "42 KPM, 1.5 hrs".
func (s Summary) String() string {
	if s.KPM <= 0 && s.MinutesTotal <= 0 {
		return DefaultTitle
	}
	return fmt.Sprintf("%d KPM, %s", s.KPM, HumanizeMinutes(s.MinutesTotal))
}

// HumanizeMinutes formats a minute count as "1 min", "25 min", "1 hr" or
// "1.5 hrs".
func HumanizeMinutes(minutes int64) string {
	switch {
	case minutes == 1:
		return "1 min"
	case minutes < 60:
		return fmt.Sprintf("%d min", minutes)
	case minutes == 60:
		return "1 hr"
	case minutes%60 == 0:
		return fmt.Sprintf("%d hrs", minutes/60)
	default:
		return fmt.Sprintf("%.1f hrs", float64(minutes)/60)
	}
}

// Gate reports whether remote calls are currently suspended.
type Gate interface {
	Suspended() bool
}

// Poller periodically fetches the session summary.
type Poller struct {
	client   api.Client
	tokens   tokenstore.Store
	gate     Gate
	notifier notify.Notifier
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu   sync.Mutex
	last string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a poller. tokens, gate and notifier may be nil.
func NewPoller(client api.Client, tokens tokenstore.Store, gate Gate, notifier notify.Notifier, interval time.Duration, logger zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Poller{
		client:   client,
		tokens:   tokens,
		gate:     gate,
		notifier: notifier,
		interval: interval,
		logger:   logger.With().Str("component", "session").Logger(),
		now:      time.Now,
	}
}

// SetClock replaces the time source (for testing).
func (p *Poller) SetClock(now func() time.Time) {
	p.now = now
}

// Start launches the polling loop.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop halts the loop and waits for it to exit.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil {
				p.logger.Debug().Err(err).Msg("session summary unavailable")
			}
		}
	}
}

// Poll fetches the summary once and notifies when the rendered line
// differs from the previous one. It returns the rendered line, or "" when
// remote calls are suspended.
func (p *Poller) Poll(ctx context.Context) (string, error) {
	if p.gate != nil && p.gate.Suspended() {
		return "", nil
	}

	path := api.PathSessions + "?from=" + strconv.FormatInt(p.now().Unix(), 10) + "&summary=true"
	token := tokenstore.Value(ctx, p.tokens, tokenstore.KeyJWT)

	resp, err := p.client.Send(ctx, http.MethodGet, path, nil, token)
	if err != nil {
		return "", fmt.Errorf("fetching session summary: %w", err)
	}
	if err := api.Check(resp); err != nil {
		return "", fmt.Errorf("fetching session summary: %w", err)
	}

	var s Summary
	if err := json.Unmarshal(resp.Body, &s); err != nil {
		return "", fmt.Errorf("decoding session summary: %w", err)
	}

	line := s.String()
	p.mu.Lock()
	changed := line != p.last
	p.last = line
	p.mu.Unlock()

	if changed {
		if err := p.notifier.Notify(ctx, line); err != nil {
			p.logger.Warn().Err(err).Msg("session summary notification failed")
		}
	}
	return line, nil
}

// Last returns the most recently rendered summary line.
func (p *Poller) Last() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
