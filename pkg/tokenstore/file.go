package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

type fileEntry struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FileStore persists tokens as a JSON object in a session file and picks up
// changes other processes make to it.
type FileStore struct {
	path   string
	logger zerolog.Logger

	mu     sync.RWMutex
	tokens map[string]*Token

	watcher *fsnotify.Watcher
}

// NewFileStore loads path if it exists. A missing file is an empty store.
func NewFileStore(path string, logger zerolog.Logger) (*FileStore, error) {
	s := &FileStore{
		path:   path,
		logger: logger.With().Str("component", "tokenstore").Logger(),
		tokens: make(map[string]*Token),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the session file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key] = &Token{Key: key, Value: value, ExpiresAt: expiry(ttl)}
	return s.persistLocked()
}

func (s *FileStore) Get(_ context.Context, key string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[key]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if tok.IsExpired() {
		return nil, ErrTokenExpired
	}
	cp := *tok
	return &cp, nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[key]; !ok {
		return nil
	}
	delete(s.tokens, key)
	return s.persistLocked()
}

func (s *FileStore) Cleanup(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := removeExpired(s.tokens)
	if n == 0 {
		return 0, nil
	}
	return n, s.persistLocked()
}

// Reload replaces the in-memory state with the file contents. A malformed
// file leaves the current state untouched.
func (s *FileStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.mu.Lock()
		s.tokens = make(map[string]*Token)
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading session file: %w", err)
	}

	entries := map[string]fileEntry{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("parsing session file: %w", err)
		}
	}

	tokens := make(map[string]*Token, len(entries))
	for k, e := range entries {
		tokens[k] = &Token{Key: k, Value: e.Value, ExpiresAt: e.ExpiresAt}
	}

	s.mu.Lock()
	s.tokens = tokens
	s.mu.Unlock()
	return nil
}

// Watch reloads the store whenever the session file changes, until ctx is
// done or Close is called. The parent directory is watched so atomic
// replacements are seen.
func (s *FileStore) Watch(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()

	go s.watchLoop(ctx, w)
	return nil
}

func (s *FileStore) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			w.Close()
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn().Err(err).Msg("session file reload failed")
				continue
			}
			s.logger.Debug().Str("op", event.Op.String()).Msg("session file reloaded")

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("session watcher error")
		}
	}
}

// Close stops watching.
func (s *FileStore) Close() error {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if w != nil {
		return w.Close()
	}
	return nil
}

func (s *FileStore) persistLocked() error {
	entries := make(map[string]fileEntry, len(s.tokens))
	for k, tok := range s.tokens {
		entries[k] = fileEntry{Value: tok.Value, ExpiresAt: tok.ExpiresAt}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing session file: %w", err)
	}
	return nil
}
