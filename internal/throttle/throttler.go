// Package throttle implements the token-bucket write-gate described in the
// transport's design: a per-interval byte budget derived from a daily bit
// rate, consulted only from the engine's actor goroutine, with a
// copy-on-write snapshot of tracked peers: Snapshot reads it without
// locking, while Add and Remove serialize on the throttler's mutex.
package throttle

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lwwcluster/tcpreplicator/internal/replica"
)

const msPerDay = 24 * 60 * 60 * 1000

// Throttler gates write volume over a rolling bucket interval. A nil
// *Throttler is a valid, always-allowing throttler: every method accepts a
// nil receiver, so New returns nil when throttling is disabled and callers
// use the result without checking.
type Throttler struct {
	bucketInterval time.Duration
	maxBytes       int64

	mu            sync.Mutex
	bytesWritten  int64
	intervalStart time.Time
	overBudget    bool

	channels atomic.Value // []replica.ID
}

// New returns a Throttler enforcing bitsPerDay over bucketInterval, with
// maxEntrySize subtracted from the per-interval budget so that one
// maximum-size entry can always slip through even at the start of a
// throttled interval. maxBytes may end up zero or negative when the raw
// budget for the interval is smaller than one max-size entry; Allow still
// permits writing until the first OnWrote of the interval reports
// overBudget, which is what actually lets that one entry slip through.
// It returns nil (throttling disabled) if bitsPerDay is zero or negative,
// per the configuration table's "0 disables throttling".
func New(bitsPerDay int64, bucketInterval time.Duration, maxEntrySize int, now time.Time) *Throttler {
	if bitsPerDay <= 0 {
		return nil
	}
	bytesPerDay := float64(bitsPerDay) / 8
	maxBytes := int64(bytesPerDay/msPerDay*float64(bucketInterval.Milliseconds())+0.5) - int64(maxEntrySize)
	t := &Throttler{
		bucketInterval: bucketInterval,
		maxBytes:       maxBytes,
		intervalStart:  now,
	}
	t.channels.Store([]replica.ID{})
	return t
}

// Add registers id as a peer whose write interest this throttler tracks for
// the purposes of reporting which peers became re-eligible on Tick.
func (t *Throttler) Add(id replica.ID) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.channels.Load().([]replica.ID)
	for _, existing := range cur {
		if existing == id {
			return
		}
	}
	next := make([]replica.ID, len(cur)+1)
	copy(next, cur)
	next[len(cur)] = id
	t.channels.Store(next)
}

// Remove deregisters id.
func (t *Throttler) Remove(id replica.ID) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.channels.Load().([]replica.ID)
	next := make([]replica.ID, 0, len(cur))
	for _, existing := range cur {
		if existing != id {
			next = append(next, existing)
		}
	}
	t.channels.Store(next)
}

// Snapshot returns the currently tracked peer identifiers. Safe to call
// from any goroutine; never blocks on Add/Remove.
func (t *Throttler) Snapshot() []replica.ID {
	if t == nil {
		return nil
	}
	return t.channels.Load().([]replica.ID)
}

// OnWrote accumulates n bytes written against the current interval's
// budget and latches overBudget once bytesWritten exceeds it; Allow then
// refuses further writes until Tick rearms the interval. This is a
// post-write check, not a pre-write gate: it is what lets one entry
// through even when maxBytes is zero or negative, matching
// contemplateThrottleWrites in the original, which writes a batch and
// only then reconsiders WRITE interest. A nil receiver reports false
// (never exhausted).
func (t *Throttler) OnWrote(n int) (overBudget bool) {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bytesWritten += int64(n)
	t.overBudget = t.bytesWritten > t.maxBytes
	return t.overBudget
}

// Allow reports whether writing is still permitted this interval: true
// until some prior OnWrote in this interval reported overBudget. A nil
// receiver always allows.
func (t *Throttler) Allow() bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.overBudget
}

// Tick resets the interval's counter and clears overBudget if the bucket
// interval has elapsed, reporting whether it rearmed (i.e. every tracked
// peer should be given a chance to resume writing). A nil receiver never
// rearms.
func (t *Throttler) Tick(now time.Time) (rearmed bool) {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if now.Sub(t.intervalStart) < t.bucketInterval {
		return false
	}
	t.bytesWritten = 0
	t.overBudget = false
	t.intervalStart = now
	return true
}
