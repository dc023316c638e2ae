// Package spool is the local durable queue of payloads that failed delivery.
// A drain sends every queued record as one JSON array and removes exactly the
// records it sent once the remote accepted them.
package spool

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
)

// SendFunc delivers one batch body. A nil error means the remote accepted it.
type SendFunc func(ctx context.Context, batch []byte) error

// Store is an offline payload queue.
type Store interface {
	// Append adds one serialized payload.
	Append(ctx context.Context, payload []byte) error
	// Drain sends all queued records as a single batch. On success the
	// records it read are removed and their count returned; on failure the
	// store is left untouched. It returns perrors.ErrSpoolEmpty when there
	// is nothing to send.
	Drain(ctx context.Context, send SendFunc) (int, error)
	// Len returns the number of queued records.
	Len(ctx context.Context) (int, error)
	Close() error
}

// buildBatch joins records into a JSON array. Records that are not valid JSON
// are skipped and counted so they can be dropped with the rest.
func buildBatch(records [][]byte, logger zerolog.Logger) (batch []byte, valid int) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for _, rec := range records {
		if !json.Valid(rec) {
			logger.Warn().Int("bytes", len(rec)).Msg("skipping malformed spool record")
			continue
		}
		if valid > 0 {
			buf.WriteByte(',')
		}
		buf.Write(rec)
		valid++
	}
	buf.WriteByte(']')
	return buf.Bytes(), valid
}
