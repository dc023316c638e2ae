package health

import "context"

// Lener is satisfied by the offline spool.
type Lener interface {
	Len(ctx context.Context) (int, error)
}

// Suspender is satisfied by the flush engine.
type Suspender interface {
	Suspended() bool
}

// SpoolCheck is down when the spool cannot be read and degraded once more
// than backlog records are waiting.
func SpoolCheck(s Lener, backlog int) CheckFunc {
	return func(ctx context.Context) Status {
		n, err := s.Len(ctx)
		if err != nil {
			return StatusDown
		}
		if backlog > 0 && n > backlog {
			return StatusDegraded
		}
		return StatusOK
	}
}

// RemoteCheck is degraded while remote delivery is suspended by pause or a
// deactivation cool-down.
func RemoteCheck(s Suspender) CheckFunc {
	return func(context.Context) Status {
		if s.Suspended() {
			return StatusDegraded
		}
		return StatusOK
	}
}
