package spool

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/codetime-agent/internal/errors"
)

// FileStore keeps one serialized payload per line in a text file.
type FileStore struct {
	path   string
	sep    []byte
	logger zerolog.Logger

	mu      sync.Mutex // guards the file
	drainMu sync.Mutex // one drain at a time
}

// NewFileStore creates a store backed by path. The file is created lazily.
func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	sep := []byte("\n")
	if runtime.GOOS == "windows" {
		sep = []byte("\r\n")
	}
	return &FileStore{
		path:   path,
		sep:    sep,
		logger: logger.With().Str("component", "spool").Str("backend", "file").Logger(),
	}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Append writes payload as a new line. A last line left unterminated by an
// interrupted write is closed off first so the new record stays intact.
func (s *FileStore) Append(_ context.Context, payload []byte) error {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return fmt.Errorf("empty spool record: %w", perrors.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating spool dir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("opening spool: %w", err)
	}
	torn, err := tornTail(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("reading spool tail: %w", err)
	}
	line := make([]byte, 0, len(payload)+2*len(s.sep))
	if torn {
		s.logger.Warn().Msg("unterminated spool line, closing it off")
		line = append(line, s.sep...)
	}
	line = append(line, payload...)
	line = append(line, s.sep...)
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("writing spool: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing spool: %w", err)
	}
	return nil
}

// Drain sends every line as one batch. Lines appended while the batch is in
// flight stay in the file.
func (s *FileStore) Drain(ctx context.Context, send SendFunc) (int, error) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	s.mu.Lock()
	data, err := s.readLocked()
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	records := splitLines(data)
	if len(records) == 0 {
		return 0, perrors.ErrSpoolEmpty
	}

	batch, valid := buildBatch(records, s.logger)
	if valid > 0 {
		if err := send(ctx, batch); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.removePrefixLocked(len(data)); err != nil {
		return 0, err
	}
	if valid == 0 {
		return 0, perrors.ErrSpoolEmpty
	}
	s.logger.Debug().Int("records", valid).Msg("spool drained")
	return valid, nil
}

// Len counts the non-blank lines.
func (s *FileStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return 0, err
	}
	return len(splitLines(data)), nil
}

// Close is a no-op; the file is opened per operation.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) readLocked() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading spool: %w", err)
	}
	return data, nil
}

// removePrefixLocked drops the first n bytes of the file. The file is only
// ever appended to, so those bytes are exactly what an earlier read returned.
func (s *FileStore) removePrefixLocked(n int) error {
	cur, err := s.readLocked()
	if err != nil {
		return err
	}
	if len(cur) <= n {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clearing spool: %w", err)
		}
		return nil
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, cur[n:], 0o600); err != nil {
		return fmt.Errorf("rewriting spool: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing spool: %w", err)
	}
	return nil
}

// tornTail reports whether f is non-empty and does not end in a newline.
func tornTail(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			out = append(out, line)
		}
	}
	return out
}
