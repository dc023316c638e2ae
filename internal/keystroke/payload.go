package keystroke

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// PayloadType is the discriminator the backend expects on window objects.
const PayloadType = "Events"

// Meta describes the reporting plugin.
type Meta struct {
	PluginID int
	Version  string
	OS       string
}

// Window is the time frame stamped on an aggregate at flush time.
type Window struct {
	Start         int64
	End           int64
	OffsetSeconds int
	Timezone      string
}

// NewWindow stamps [now, now+interval) in Unix seconds, with the zone offset
// and name taken from loc.
func NewWindow(now time.Time, interval time.Duration, loc *time.Location) Window {
	if loc == nil {
		loc = time.Local
	}
	_, offset := now.In(loc).Zone()
	start := now.Unix()
	return Window{
		Start:         start,
		End:           start + int64(interval/time.Second),
		OffsetSeconds: offset,
		Timezone:      loc.String(),
	}
}

// Payload is the body of POST /data and one element of POST /data/batch.
type Payload struct {
	Type       string                `json:"type"`
	PluginID   int                   `json:"pluginId"`
	Version    string                `json:"version"`
	OS         string                `json:"os"`
	Keystrokes string                `json:"keystrokes"`
	Data       string                `json:"data"`
	Start      int64                 `json:"start"`
	LocalStart int64                 `json:"local_start"`
	End        int64                 `json:"end"`
	Timezone   string                `json:"timezone"`
	Source     map[string]FileCounts `json:"source"`
	Project    Project               `json:"project"`
}

// Payload builds the wire object for the snapshot within window w.
func (s Snapshot) Payload(meta Meta, w Window) Payload {
	count := strconv.FormatInt(s.Keystrokes, 10)
	source := s.Files
	if source == nil {
		source = map[string]FileCounts{}
	}
	return Payload{
		Type:       PayloadType,
		PluginID:   meta.PluginID,
		Version:    meta.Version,
		OS:         meta.OS,
		Keystrokes: count,
		Data:       count,
		Start:      w.Start,
		LocalStart: w.Start + int64(w.OffsetSeconds),
		End:        w.End,
		Timezone:   w.Timezone,
		Source:     source,
		Project:    s.Project,
	}
}

// Marshal serializes the payload on a single line.
func (p Payload) Marshal() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	return b, nil
}
