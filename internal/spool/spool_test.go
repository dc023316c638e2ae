package spool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/codetime-agent/internal/errors"
)

var errOffline = errors.New("offline")

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"file", func(t *testing.T) Store {
			return NewFileStore(filepath.Join(t.TempDir(), "data.json"), zerolog.Nop())
		}},
		{"sqlite", func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "spool.db"), zerolog.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
}

func appendAll(t *testing.T, s Store, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		require.NoError(t, s.Append(context.Background(), []byte(p)))
	}
}

func TestStore_DrainEmpty(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			called := false
			n, err := s.Drain(context.Background(), func(context.Context, []byte) error {
				called = true
				return nil
			})
			assert.True(t, errors.Is(err, perrors.ErrSpoolEmpty))
			assert.Zero(t, n)
			assert.False(t, called)
		})
	}
}

func TestStore_DrainSendsJSONArray(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			appendAll(t, s, `{"a":1}`, `{"b":2}`)

			var got []byte
			n, err := s.Drain(context.Background(), func(_ context.Context, batch []byte) error {
				got = batch
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			assert.Equal(t, `[{"a":1},{"b":2}]`, string(got))

			left, err := s.Len(context.Background())
			require.NoError(t, err)
			assert.Zero(t, left)
		})
	}
}

func TestStore_FailedDrainLeavesRecordsUntouched(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			appendAll(t, s, `{"a":1}`, `{"b":2}`, `{"c":3}`)

			var batches []string
			for i := 0; i < 4; i++ {
				n, err := s.Drain(context.Background(), func(_ context.Context, batch []byte) error {
					batches = append(batches, string(batch))
					return errOffline
				})
				assert.ErrorIs(t, err, errOffline)
				assert.Zero(t, n)

				left, err := s.Len(context.Background())
				require.NoError(t, err)
				assert.Equal(t, 3, left)
			}

			for _, batch := range batches {
				assert.Equal(t, `[{"a":1},{"b":2},{"c":3}]`, batch)
			}
		})
	}
}

func TestStore_AppendDuringSendSurvivesClear(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			appendAll(t, s, `{"a":1}`)

			n, err := s.Drain(context.Background(), func(ctx context.Context, batch []byte) error {
				return s.Append(ctx, []byte(`{"late":true}`))
			})
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			var got string
			n, err = s.Drain(context.Background(), func(_ context.Context, batch []byte) error {
				got = string(batch)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			assert.Equal(t, `[{"late":true}]`, got)
		})
	}
}

func TestStore_MalformedRecordsSkipped(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			appendAll(t, s, `{"a":1}`, `{not json`, `{"b":2}`)

			var got string
			n, err := s.Drain(context.Background(), func(_ context.Context, batch []byte) error {
				got = string(batch)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			assert.Equal(t, `[{"a":1},{"b":2}]`, got)

			left, err := s.Len(context.Background())
			require.NoError(t, err)
			assert.Zero(t, left)
		})
	}
}

func TestStore_OnlyMalformedRecordsAreCleared(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			appendAll(t, s, `garbage`)

			called := false
			_, err := s.Drain(context.Background(), func(context.Context, []byte) error {
				called = true
				return nil
			})
			assert.True(t, errors.Is(err, perrors.ErrSpoolEmpty))
			assert.False(t, called)

			left, err := s.Len(context.Background())
			require.NoError(t, err)
			assert.Zero(t, left)
		})
	}
}

func TestStore_AppendRejectsEmpty(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			err := s.Append(context.Background(), nil)
			assert.True(t, errors.Is(err, perrors.ErrInvalidInput))
		})
	}
}

func TestFileStore_LineFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data.json")
	s := NewFileStore(path, zerolog.Nop())
	appendAll(t, s, `{"a":1}`, "  {\"b\":2}\n")

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	sep := "\n"
	if runtime.GOOS == "windows" {
		sep = "\r\n"
	}
	assert.Equal(t, `{"a":1}`+sep+`{"b":2}`+sep, string(data))
}

func TestFileStore_SkipsBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	require.NoError(t, os.WriteFile(path, []byte("{\"a\":1}\r\n\r\n\n{\"b\":2}\n"), 0o600))

	s := NewFileStore(path, zerolog.Nop())
	n, err := s.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var got string
	_, err = s.Drain(context.Background(), func(_ context.Context, batch []byte) error {
		got = string(batch)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, `[{"a":1},{"b":2}]`, got)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestFileStore_AppendAfterTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	require.NoError(t, os.WriteFile(path, []byte("{\"a\":1}\n{\"b\":"), 0o600))

	s := NewFileStore(path, zerolog.Nop())
	appendAll(t, s, `{"c":3}`)

	n, err := s.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var got string
	n, err = s.Drain(context.Background(), func(_ context.Context, batch []byte) error {
		got = string(batch)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, `[{"a":1},{"c":3}]`, got)
}

func TestFileStore_NoExtraSeparatorOnCleanTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	require.NoError(t, os.WriteFile(path, []byte("{\"a\":1}\r\n"), 0o600))

	s := NewFileStore(path, zerolog.Nop())
	appendAll(t, s, `{"b":2}`)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	sep := "\n"
	if runtime.GOOS == "windows" {
		sep = "\r\n"
	}
	assert.Equal(t, "{\"a\":1}\r\n{\"b\":2}"+sep, string(data))
}

func TestSQLiteStore_CreatesTable(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "spool.db"), zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	var count int
	err = s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='spooled_payloads'").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
