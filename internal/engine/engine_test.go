package engine

import (
	"context"
	"testing"
	"time"

	"github.com/lwwcluster/tcpreplicator/internal/mux"
	"github.com/lwwcluster/tcpreplicator/internal/replica"
	"github.com/lwwcluster/tcpreplicator/internal/testmap"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// waitFor polls cond until it reports true or deadline elapses, failing the
// test otherwise. Engine convergence is asynchronous (handshake, then
// iterator drain over several heartbeat ticks), so tests poll rather than
// assert immediately.
func waitFor(t *testing.T, deadline time.Duration, cond func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newTestEngine(t *testing.T, id replica.ID, port int, peer string, m *testmap.Map) *Engine {
	t.Helper()
	mplex := mux.New(id, 8, zerolog.Nop())
	require.NoError(t, mplex.AddChannel(1, m, m))
	var endpoints []string
	if peer != "" {
		endpoints = []string{peer}
	}
	return New(Config{
		ServerPort: port,
		Endpoints:  endpoints,
		// Large enough relative to tick jitter that the corrected 1.25x
		// receive-timeout doesn't flap against a loaded scheduler: with
		// heartbeats every 150ms, the 187.5ms timeout has ~40ms of slack
		// over the tick that actually delivers them.
		HeartbeatInterval: 150 * time.Millisecond,
		PacketSize:        4096,
		MaxEntrySize:      1024,
		LocalIdentifier:   id,
		MaxChannels:       8,
	}, mplex, zerolog.Nop())
}

func TestTwoEnginesConvergeOverLoopback(t *testing.T) {
	mapA := testmap.New(replica.ID(1))
	mapB := testmap.New(replica.ID(2))

	engA := newTestEngine(t, replica.ID(1), 19701, "", mapA)
	engB := newTestEngine(t, replica.ID(2), 0, "127.0.0.1:19701", mapB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go engA.Run(ctx)
	go engB.Run(ctx)
	defer engA.Close()
	defer engB.Close()

	now := time.Now().UnixMilli()
	mapA.Put("from-a", []byte("1"), now)
	mapB.Put("from-b", []byte("2"), now+1)

	waitFor(t, 5*time.Second, func() bool {
		_, okA := mapB.Get("from-a")
		_, okB := mapA.Get("from-b")
		return okA && okB
	})
}

func TestLateWriteAfterHandshakeStillPropagates(t *testing.T) {
	mapA := testmap.New(replica.ID(1))
	mapB := testmap.New(replica.ID(2))

	engA := newTestEngine(t, replica.ID(1), 19702, "", mapA)
	engB := newTestEngine(t, replica.ID(2), 0, "127.0.0.1:19702", mapB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go engA.Run(ctx)
	go engB.Run(ctx)
	defer engA.Close()
	defer engB.Close()

	// Give the handshake time to complete before issuing the write this
	// test cares about, so it exercises the mailbox-wake path (a write
	// arriving on an already-connected session) rather than the initial
	// post-handshake bootstrap drain exercised by the other test.
	time.Sleep(200 * time.Millisecond)

	mapA.Put("late", []byte("v"), time.Now().UnixMilli())
	waitFor(t, 3*time.Second, func() bool {
		_, ok := mapB.Get("late")
		return ok
	})
}
