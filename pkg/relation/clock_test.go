package relation

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"
)

// saturatedEntropy yields the largest possible entropy and the smallest increment, so the
// second timestamp of a millisecond always overflows.
type saturatedEntropy struct{}

func (saturatedEntropy) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0xFF
	}
	return len(p), nil
}

func (saturatedEntropy) Int63n(int64) int64 {
	return 0
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("entropy unavailable")
}

func TestClockIsMonotonic(t *testing.T) {
	clock := NewClock()

	previous := clock.Next()
	for range 1000 {
		next := clock.Next()
		require.Equal(t, 1, next.Compare(previous))
		previous = next
	}
}

func TestClockBackwardsWallClock(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	calls := 0
	clock := NewClock(WithNow(func() time.Time {
		calls++
		if calls == 1 {
			return now
		}
		return now.Add(-time.Hour)
	}))

	first := clock.Next()
	second := clock.Next()

	require.Equal(t, 1, second.Compare(first))
	require.Equal(t, now.UnixMilli(), first.Time().UnixMilli())
	require.Equal(t, now.UnixMilli(), second.Time().UnixMilli())
}

func TestClockEntropyOverflowAdvancesMillisecond(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	clock := NewClock(
		WithNow(func() time.Time { return now }),
		WithEntropy(saturatedEntropy{}),
	)

	first := clock.Next()
	second := clock.Next()
	third := clock.Next()

	require.Equal(t, 1, second.Compare(first))
	require.Equal(t, 1, third.Compare(second))
	require.Equal(t, now.UnixMilli(), first.Time().UnixMilli())
	require.Equal(t, now.Add(time.Millisecond).UnixMilli(), second.Time().UnixMilli())
	require.Equal(t, now.Add(2*time.Millisecond).UnixMilli(), third.Time().UnixMilli())
}

func TestClockEntropyFailure(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	clock := NewClock(
		WithNow(func() time.Time { return now }),
		WithEntropy(failingReader{}),
	)

	first := clock.Next()
	second := clock.Next()

	require.Equal(t, 1, second.Compare(first))
	require.Equal(t, now.Add(time.Millisecond).UnixMilli(), first.Time().UnixMilli())
	require.Equal(t, now.Add(2*time.Millisecond).UnixMilli(), second.Time().UnixMilli())
}

func TestClockConcurrentCallers(t *testing.T) {
	const (
		workers   = 8
		perWorker = 250
	)

	clock := NewClock()

	var mu sync.Mutex
	seen := make(map[Timestamp]struct{}, workers*perWorker)

	var wg conc.WaitGroup
	for range workers {
		wg.Go(func() {
			local := make([]Timestamp, 0, perWorker)
			for range perWorker {
				local = append(local, clock.Next())
			}

			mu.Lock()
			defer mu.Unlock()
			for _, ts := range local {
				seen[ts] = struct{}{}
			}
		})
	}
	wg.Wait()

	require.Len(t, seen, workers*perWorker)
}

func TestParseTimestamp(t *testing.T) {
	ts := NewClock().Next()

	parsed, err := ParseTimestamp(ts.Bytes())
	require.NoError(t, err)
	require.Equal(t, ts, parsed)
	require.Equal(t, ts.String(), parsed.String())

	_, err = ParseTimestamp([]byte("short"))
	require.Error(t, err)
}
