package timebox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunPadsToMinimum(t *testing.T) {
	t.Parallel()

	var slept time.Duration
	clock := time.Unix(1000, 0)

	e := &Executor{
		Min: time.Second,
		now: func() time.Time {
			// First call marks the start; the second happens after fn
			// "took" 200ms.
			c := clock
			clock = clock.Add(200 * time.Millisecond)
			return c
		},
		sleep: func(_ context.Context, d time.Duration) { slept = d },
	}

	err := e.Run(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 800*time.Millisecond, slept)
}

func TestRunNoPaddingWhenSlow(t *testing.T) {
	t.Parallel()

	var slept time.Duration
	clock := time.Unix(1000, 0)

	e := &Executor{
		Min: 100 * time.Millisecond,
		now: func() time.Time {
			c := clock
			clock = clock.Add(time.Second)
			return c
		},
		sleep: func(_ context.Context, d time.Duration) { slept = d },
	}

	require.NoError(t, e.Run(context.Background(), func(context.Context) error { return nil }))
	require.Zero(t, slept)
}

func TestRunPadsFailuresIdentically(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	var slept time.Duration
	clock := time.Unix(1000, 0)

	e := &Executor{
		Min: time.Second,
		now: func() time.Time {
			c := clock
			clock = clock.Add(50 * time.Millisecond)
			return c
		},
		sleep: func(_ context.Context, d time.Duration) { slept = d },
	}

	err := e.Run(context.Background(), func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, 950*time.Millisecond, slept)
}

func TestSkipBypassesPadding(t *testing.T) {
	t.Parallel()

	inner := errors.New("throttled")
	e := &Executor{
		Min:   time.Minute,
		sleep: func(context.Context, time.Duration) { t.Fatal("must not sleep") },
	}

	err := e.Run(context.Background(), func(context.Context) error {
		return Skip(inner)
	})
	require.ErrorIs(t, err, inner)

	// The unwrapped error comes back, not the skip marker.
	require.Equal(t, inner, err)
}

func TestSkipNil(t *testing.T) {
	t.Parallel()
	require.NoError(t, Skip(nil))
}

func TestRunReleasesOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := New(time.Minute)

	start := time.Now()
	err := e.Run(ctx, func(context.Context) error { return nil })
	require.NoError(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
}
