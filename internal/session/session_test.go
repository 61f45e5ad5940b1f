package session

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/lwwcluster/tcpreplicator/internal/replica"
	"github.com/stretchr/testify/require"
)

// stubReplica is a minimal replica.Replica double for exercising the
// handshake and framer without pulling in the mux or testmap packages.
type stubReplica struct {
	mu      sync.Mutex
	id      replica.ID
	pending map[replica.ID][]string
	lastMod map[replica.ID]int64
}

func newStubReplica(id replica.ID) *stubReplica {
	return &stubReplica{id: id, pending: map[replica.ID][]string{}, lastMod: map[replica.ID]int64{}}
}

func (r *stubReplica) Identifier() replica.ID { return r.id }

func (r *stubReplica) AcquireModificationIterator(remote replica.ID, _ replica.ModificationNotifier) replica.ModificationIterator {
	return &stubIterator{r: r, remote: remote}
}

func (r *stubReplica) LastModificationTime(remote replica.ID) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastMod[remote]
}

func (r *stubReplica) Close() error { return nil }

func (r *stubReplica) push(remote replica.ID, v string) {
	r.mu.Lock()
	r.pending[remote] = append(r.pending[remote], v)
	r.mu.Unlock()
}

type stubIterator struct {
	r      *stubReplica
	remote replica.ID
}

func (it *stubIterator) HasNext() bool {
	it.r.mu.Lock()
	defer it.r.mu.Unlock()
	return len(it.r.pending[it.remote]) > 0
}

func (it *stubIterator) NextEntry(cb replica.EntryCallback, channelID replica.ChannelID) bool {
	it.r.mu.Lock()
	items := it.r.pending[it.remote]
	if len(items) == 0 {
		it.r.mu.Unlock()
		return false
	}
	v := items[0]
	it.r.pending[it.remote] = items[1:]
	it.r.mu.Unlock()
	return cb(v, channelID)
}

func (it *stubIterator) DirtyEntries(int64) {}

type stubCodec struct {
	mu       sync.Mutex
	received [][]byte
}

func (c *stubCodec) WriteExternalEntry(entry any, dst *bytes.Buffer, _ replica.ChannelID) {
	s, _ := entry.(string)
	dst.WriteString(s)
}

func (c *stubCodec) ReadExternalEntry(src []byte) error {
	c.mu.Lock()
	c.received = append(c.received, append([]byte(nil), src...))
	c.mu.Unlock()
	return nil
}

func (c *stubCodec) snapshot() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.received...)
}

// loopbackPair returns two ends of a real TCP loopback connection. Unlike
// net.Pipe, a TCP socket's kernel buffer lets a handful of small writes
// succeed without a concurrently blocked reader, which is what lets the
// sequential drain/read loop below make progress without a goroutine per
// side (the engine itself always uses dedicated per-session goroutines;
// these tests drive the Session API directly without standing up a full
// engine).
func loopbackPair(t *testing.T) (a, b net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		acceptedCh <- conn
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-acceptedCh
	return client, server
}

func pumpUntilHandshakeComplete(t *testing.T, a, b *Session, connA, connB net.Conn) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	buf := make([]byte, 4096)

	drain := func(s *Session, conn net.Conn) {
		data := s.Out().Take()
		if len(data) > 0 {
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			_, err := conn.Write(data)
			require.NoError(t, err)
		}
	}

	for time.Now().Before(deadline) {
		drain(a, connA)
		drain(b, connB)
		if a.HandshakeComplete && b.HandshakeComplete {
			return
		}

		connA.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
		if n, err := connA.Read(buf); err == nil && n > 0 {
			require.NoError(t, a.AppendInbound(buf[:n]))
		}
		connB.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
		if n, err := connB.Read(buf); err == nil && n > 0 {
			require.NoError(t, b.AppendInbound(buf[:n]))
		}
	}
	t.Fatal("handshake did not complete in time")
}

func TestHandshakeCompletesSymmetrically(t *testing.T) {
	connA, connB := loopbackPair(t)
	defer connA.Close()
	defer connB.Close()

	replA := newStubReplica(replica.ID(1))
	replB := newStubReplica(replica.ID(2))
	codecA, codecB := &stubCodec{}, &stubCodec{}

	now := time.Now()
	a := New(connA, replica.ID(1), false, nil, replA, codecA, 50*time.Millisecond, 4096, 1024, now)
	b := New(connB, replica.ID(2), true, nil, replB, codecB, 50*time.Millisecond, 4096, 1024, now)

	pumpUntilHandshakeComplete(t, a, b, connA, connB)

	require.Equal(t, replica.ID(2), a.RemoteID)
	require.Equal(t, replica.ID(1), b.RemoteID)
	require.NotNil(t, a.RemoteIterator)
	require.NotNil(t, b.RemoteIterator)
}

func TestIdentifierCollisionFailsHandshake(t *testing.T) {
	connA, connB := loopbackPair(t)
	defer connA.Close()
	defer connB.Close()

	replA := newStubReplica(replica.ID(5))
	replB := newStubReplica(replica.ID(5))
	codecA, codecB := &stubCodec{}, &stubCodec{}

	now := time.Now()
	a := New(connA, replica.ID(5), false, nil, replA, codecA, 50*time.Millisecond, 4096, 1024, now)
	b := New(connB, replica.ID(5), true, nil, replB, codecB, 50*time.Millisecond, 4096, 1024, now)

	buf := make([]byte, 4096)
	dataA := a.Out().Take()
	go connA.Write(dataA)
	n, err := connB.Read(buf)
	require.NoError(t, err)
	require.ErrorIs(t, b.AppendInbound(buf[:n]), ErrIdentifierCollision)
}

func TestFramerDeliversEntriesAfterHandshake(t *testing.T) {
	connA, connB := loopbackPair(t)
	defer connA.Close()
	defer connB.Close()

	replA := newStubReplica(replica.ID(1))
	replB := newStubReplica(replica.ID(2))
	codecA, codecB := &stubCodec{}, &stubCodec{}

	now := time.Now()
	a := New(connA, replica.ID(1), false, nil, replA, codecA, 50*time.Millisecond, 4096, 1024, now)
	b := New(connB, replica.ID(2), true, nil, replB, codecB, 50*time.Millisecond, 4096, 1024, now)
	pumpUntilHandshakeComplete(t, a, b, connA, connB)

	replA.push(replica.ID(2), "hello-from-a")
	a.PumpOutbound(false, 1024)
	data := a.Out().Take()
	require.NotEmpty(t, data)

	require.NoError(t, b.AppendInbound(data))
	received := codecB.snapshot()
	require.Len(t, received, 1)
	require.Equal(t, "hello-from-a", string(received[0]))
}

func TestHeartbeatFramesAreSkippedByFramer(t *testing.T) {
	connA, connB := loopbackPair(t)
	defer connA.Close()
	defer connB.Close()

	replA := newStubReplica(replica.ID(1))
	replB := newStubReplica(replica.ID(2))
	codecA, codecB := &stubCodec{}, &stubCodec{}

	now := time.Now()
	a := New(connA, replica.ID(1), false, nil, replA, codecA, 50*time.Millisecond, 4096, 1024, now)
	b := New(connB, replica.ID(2), true, nil, replB, codecB, 50*time.Millisecond, 4096, 1024, now)
	pumpUntilHandshakeComplete(t, a, b, connA, connB)

	a.Out().WriteHeartbeat()
	data := a.Out().Take()
	require.NoError(t, b.AppendInbound(data))
	require.Empty(t, codecB.snapshot())
}
