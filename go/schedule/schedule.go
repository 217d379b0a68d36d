// Package schedule decides when recurring backup passes should run.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// A Schedule yields the instants at which an action should be performed.
type Schedule interface {
	// Next returns the earliest instant strictly after `after` which
	// satisfies the schedule.
	Next(after time.Time) time.Time
}

// Validate checks a schedule description without constructing it.
func Validate(desc string) error {
	_, err := Parse(desc, nil)
	return err
}

// Parse turns a schedule description into a Schedule. Accepted forms are a
// Go duration string like "30m" or "6h", or "daily at HH:MMZ" for a fixed
// UTC time of day.
//
// Durations produce instants aligned to predictable boundaries within a day
// (a 6h schedule fires at 00:00, 06:00, and so on), offset by a jitter
// derived from hashing `seed` so that independent deployments sharing a
// server do not all fire together. A nil seed means no jitter.
func Parse(desc string, seed []byte) (Schedule, error) {
	if period, err := time.ParseDuration(desc); err == nil {
		if period <= 0 {
			return nil, fmt.Errorf("schedule period must be positive, got %q", desc)
		}
		return &fixedSchedule{period: period, jitter: jitterFor(seed)}, nil
	}

	if strings.HasPrefix(desc, "daily at ") {
		timeOfDay, err := time.Parse("15:04Z", strings.TrimPrefix(desc, "daily at "))
		if err != nil {
			return nil, fmt.Errorf("invalid time of day in %q (should look like '13:00Z'): %w", desc, err)
		}
		return &dailySchedule{timeOfDay: timeOfDay}, nil
	}

	return nil, fmt.Errorf("invalid schedule %q", desc)
}

// WaitForNext blocks until the schedule's next instant after `after`, or
// until ctx is cancelled.
func WaitForNext(ctx context.Context, s Schedule, after time.Time) error {
	d := time.Until(s.Next(after))
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// jitterFor scales a hash of the seed into an offset within a 24 hour day,
// which covers any reasonable period.
func jitterFor(seed []byte) time.Duration {
	if seed == nil {
		return 0
	}
	return time.Duration(int64(xxhash.Sum64(seed)>>1)) % (24 * time.Hour)
}

type fixedSchedule struct {
	period time.Duration
	jitter time.Duration
}

func (s *fixedSchedule) Next(after time.Time) time.Time {
	// How many full periods have elapsed since the epoch, offset by the
	// jitter? The next instant is one period later.
	elapsed := (after.UnixNano() - s.jitter.Nanoseconds()) / s.period.Nanoseconds()
	return time.Unix(0, (elapsed+1)*s.period.Nanoseconds()+s.jitter.Nanoseconds())
}

type dailySchedule struct {
	timeOfDay time.Time
}

func (s *dailySchedule) Next(after time.Time) time.Time {
	yyyy, mm, dd := after.UTC().Date()
	t := time.Date(yyyy, mm, dd, s.timeOfDay.Hour(), s.timeOfDay.Minute(), 0, 0, time.UTC)
	if !t.After(after) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}
