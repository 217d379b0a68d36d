package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFixedSchedule(t *testing.T) {
	for _, tc := range []struct {
		Schedule string
		After    string
		Expect   string
	}{
		{"1h", "2024-02-15T05:00:00Z", "2024-02-15T06:00:00Z"},
		{"2h", "2024-02-15T12:34:56Z", "2024-02-15T14:00:00Z"},
		{"6h", "2024-02-15T19:34:56Z", "2024-02-16T00:00:00Z"},
		{"30m", "2024-02-15T19:34:56Z", "2024-02-15T20:00:00Z"},
		{"30m", "2024-02-15T19:29:59Z", "2024-02-15T19:30:00Z"},
		{"10s", "2024-02-15T19:34:56Z", "2024-02-15T19:35:00Z"},
		{"24h", "2024-02-15T19:34:56Z", "2024-02-16T00:00:00Z"},
	} {
		sched, err := Parse(tc.Schedule, nil)
		require.NoError(t, err)
		after, err := time.Parse(time.RFC3339, tc.After)
		require.NoError(t, err)
		require.Equal(t, tc.Expect, sched.Next(after).UTC().Format(time.RFC3339), "schedule %q after %q", tc.Schedule, tc.After)
	}
}

func TestFixedScheduleJitter(t *testing.T) {
	after, err := time.Parse(time.RFC3339, "2024-02-15T05:00:00Z")
	require.NoError(t, err)

	first, err := Parse("1h", []byte("mongodb://host-a/db"))
	require.NoError(t, err)
	second, err := Parse("1h", []byte("mongodb://host-a/db"))
	require.NoError(t, err)

	// Same seed is deterministic; the instant is always in the future and
	// within one period of `after`.
	require.Equal(t, first.Next(after), second.Next(after))
	require.True(t, first.Next(after).After(after))
	require.LessOrEqual(t, first.Next(after).Sub(after), time.Hour)
}

func TestDailySchedule(t *testing.T) {
	for _, tc := range []struct {
		Schedule string
		After    string
		Expect   string
	}{
		{"daily at 06:00Z", "2024-02-15T01:00:00Z", "2024-02-15T06:00:00Z"},
		{"daily at 06:00Z", "2024-02-15T05:59:59Z", "2024-02-15T06:00:00Z"},
		{"daily at 06:00Z", "2024-02-15T06:00:00Z", "2024-02-16T06:00:00Z"},
		{"daily at 06:00Z", "2024-02-15T07:00:00Z", "2024-02-16T06:00:00Z"},
		{"daily at 13:55Z", "2024-02-15T23:00:00Z", "2024-02-16T13:55:00Z"},
	} {
		sched, err := Parse(tc.Schedule, nil)
		require.NoError(t, err)
		after, err := time.Parse(time.RFC3339, tc.After)
		require.NoError(t, err)
		require.Equal(t, tc.Expect, sched.Next(after).UTC().Format(time.RFC3339), "schedule %q after %q", tc.Schedule, tc.After)
	}
}

func TestParseInvalid(t *testing.T) {
	for _, desc := range []string{"", "often", "-1h", "0s", "daily at noon", "daily at 25:00Z"} {
		require.Error(t, Validate(desc), "schedule %q", desc)
	}
}

func TestWaitForNextCancelled(t *testing.T) {
	sched, err := Parse("1h", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = WaitForNext(ctx, sched, time.Now())
	require.ErrorIs(t, err, context.Canceled)
}
