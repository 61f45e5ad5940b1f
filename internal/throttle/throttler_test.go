package throttle

import (
	"testing"
	"time"

	"github.com/lwwcluster/tcpreplicator/internal/replica"
	"github.com/stretchr/testify/require"
)

func TestNewDisabledWhenBitsPerDayNonPositive(t *testing.T) {
	require.Nil(t, New(0, time.Second, 64, time.Now()))
	require.Nil(t, New(-1, time.Second, 64, time.Now()))
}

func TestThrottlerBudgetBoundary(t *testing.T) {
	now := time.Now()
	// 8 bits/day -> 1 byte/day of raw budget; over a 1s bucket that's far
	// below 1 byte, so the per-interval budget (minus maxEntrySize) is
	// deeply negative. Allow still permits the first write of the
	// interval to slip through (the "one max-size entry" guarantee); only
	// once OnWrote reports overBudget does Allow start refusing.
	th := New(8, time.Second, 64, now)
	require.NotNil(t, th)
	require.True(t, th.Allow())

	over := th.OnWrote(64)
	require.True(t, over)
	require.False(t, th.Allow())
}

func TestThrottlerAllowsWithinBudget(t *testing.T) {
	now := time.Now()
	// A generous budget relative to maxEntrySize: 1GiB/day over a 1s bucket
	// rounds to 12428 bytes, minus maxEntrySize 10 leaves 12418, so a
	// 100-byte write stays well inside it.
	th := New(8*1024*1024*1024, time.Second, 10, now) // 1GiB/day
	require.NotNil(t, th)
	require.True(t, th.Allow())

	over := th.OnWrote(100)
	require.False(t, over)
	require.True(t, th.Allow())
}

func TestThrottlerTickRearmsAfterInterval(t *testing.T) {
	now := time.Now()
	th := New(8, 100*time.Millisecond, 0, now)
	require.NotNil(t, th)
	th.OnWrote(1000)
	require.False(t, th.Allow())

	require.False(t, th.Tick(now.Add(50*time.Millisecond)))
	rearmed := th.Tick(now.Add(150 * time.Millisecond))
	require.True(t, rearmed)
	require.True(t, th.Allow())
}

func TestThrottlerTracksPeersCopyOnWrite(t *testing.T) {
	th := New(1<<20, time.Second, 0, time.Now())
	require.NotNil(t, th)

	th.Add(replica.ID(1))
	th.Add(replica.ID(2))
	require.ElementsMatch(t, []replica.ID{1, 2}, th.Snapshot())

	th.Remove(replica.ID(1))
	require.ElementsMatch(t, []replica.ID{2}, th.Snapshot())
}
