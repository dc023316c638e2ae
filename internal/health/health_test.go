package health

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fakeSpool struct {
	n   int
	err error
}

func (f fakeSpool) Len(context.Context) (int, error) { return f.n, f.err }

type fakeEngine bool

func (f fakeEngine) Suspended() bool { return bool(f) }

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("spool", func(ctx context.Context) Status { return StatusOK })
	c.Register("remote", func(ctx context.Context) Status { return StatusOK })

	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_OneDown(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("spool", func(ctx context.Context) Status { return StatusOK })
	c.Register("remote", func(ctx context.Context) Status { return StatusDown })

	assert.False(t, c.IsReady(context.Background()))
}

func TestChecker_Degraded_StillReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("remote", func(ctx context.Context) Status { return StatusDegraded })

	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_NoChecks(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_LastReturnsCachedResults(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	assert.Empty(t, c.Last())

	c.Register("spool", func(ctx context.Context) Status { return StatusDegraded })
	c.RunAll(context.Background())
	assert.Equal(t, map[string]Status{"spool": StatusDegraded}, c.Last())
}

func TestSpoolCheck(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, StatusOK, SpoolCheck(fakeSpool{n: 3}, 100)(ctx))
	assert.Equal(t, StatusDegraded, SpoolCheck(fakeSpool{n: 101}, 100)(ctx))
	assert.Equal(t, StatusOK, SpoolCheck(fakeSpool{n: 5000}, 0)(ctx))
	assert.Equal(t, StatusDown, SpoolCheck(fakeSpool{err: errors.New("disk")}, 100)(ctx))
}

func TestRemoteCheck(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, StatusOK, RemoteCheck(fakeEngine(false))(ctx))
	assert.Equal(t, StatusDegraded, RemoteCheck(fakeEngine(true))(ctx))
}
