package main

import (
	"context"
	"time"
)

// rateGovernor paces the copy loop to at most one flush per unit interval.
// Combined with a batch bound equal to the configured rate, this yields a
// steady-state ceiling of `rate` documents per second rather than a hard
// per-document timer.
//
// The governor owns its own "last governed instant" state; one instance is
// shared across the collections of a run.
type rateGovernor struct {
	unit time.Duration
	last time.Time

	// Overridable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func newRateGovernor(unit time.Duration) *rateGovernor {
	if unit <= 0 {
		unit = time.Second
	}
	return &rateGovernor{
		unit:  unit,
		now:   time.Now,
		sleep: sleepContext,
	}
}

// reset starts a fresh pacing interval at the current instant.
func (g *rateGovernor) reset() {
	g.last = g.now()
}

// throttle blocks for the remainder of the unit interval if less than one
// unit has elapsed since the last governed instant, then records "now" as
// the new instant. If a full unit has already passed it returns immediately.
//
// Unlike the historical behavior, the wait is cancellable through ctx so a
// terminated process does not linger in a sleep.
func (g *rateGovernor) throttle(ctx context.Context) error {
	if elapsed := g.now().Sub(g.last); elapsed < g.unit {
		if err := g.sleep(ctx, g.unit-elapsed); err != nil {
			return err
		}
	}
	g.last = g.now()
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
