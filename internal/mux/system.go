package mux

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/lwwcluster/tcpreplicator/internal/replica"
)

// bootstrapMarker is the first byte of a bootstrap control message, chosen
// to match the original implementation's literal 'B' marker.
const bootstrapMarker = byte('B') // 0x42

// bootstrapMessageSize is the fixed width of a bootstrap announcement:
// marker + local identifier + channel id (uint16) + last-modification time
// (int64).
const bootstrapMessageSize = 1 + 1 + 2 + 8

// systemQueue is the synthetic channel 0: an in-memory FIFO of raw payload
// bytes per peer, used to carry bootstrap announcements in-band alongside
// ordinary entry traffic.
type systemQueue struct {
	mu    sync.Mutex
	queue map[replica.ID][][]byte
}

func newSystemQueue() *systemQueue {
	return &systemQueue{queue: make(map[replica.ID][][]byte)}
}

// enqueue appends a raw payload to peer's queue. Waking the peer's session
// is left to the caller.
func (q *systemQueue) enqueue(peer replica.ID, payload []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue[peer] = append(q.queue[peer], payload)
}

func (q *systemQueue) hasNext(peer replica.ID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue[peer]) > 0
}

func (q *systemQueue) pop(peer replica.ID) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.queue[peer]
	if len(items) == 0 {
		return nil, false
	}
	q.queue[peer] = items[1:]
	return items[0], true
}

// systemReplica adapts systemQueue to the replica.Replica contract so it can
// occupy channel 0 in the multiplexer's channel array like any other map.
type systemReplica struct {
	local replica.ID
	q     *systemQueue
}

func (r *systemReplica) Identifier() replica.ID { return r.local }

func (r *systemReplica) AcquireModificationIterator(remote replica.ID, _ replica.ModificationNotifier) replica.ModificationIterator {
	return &systemIterator{q: r.q, peer: remote}
}

func (r *systemReplica) LastModificationTime(replica.ID) int64 { return 0 }

func (r *systemReplica) Close() error { return nil }

// systemIterator walks one peer's pending bootstrap payloads.
type systemIterator struct {
	q    *systemQueue
	peer replica.ID
}

func (it *systemIterator) HasNext() bool { return it.q.hasNext(it.peer) }

func (it *systemIterator) NextEntry(cb replica.EntryCallback, channelID replica.ChannelID) bool {
	payload, ok := it.q.pop(it.peer)
	if !ok {
		return false
	}
	cb(payload, channelID)
	return true
}

// DirtyEntries is a no-op for the system queue: bootstrap messages are
// enqueued explicitly by AddChannel, not recovered from a timestamp.
func (it *systemIterator) DirtyEntries(int64) {}

// systemExternalizable serializes system-queue payloads verbatim (no
// additional framing beyond the stop-bit channel prefix the multiplexer
// itself adds) and parses incoming bootstrap announcements.
type systemExternalizable struct {
	mux *Multiplexer
}

func (e *systemExternalizable) WriteExternalEntry(entry any, dst *bytes.Buffer, _ replica.ChannelID) {
	payload, ok := entry.([]byte)
	if !ok {
		return
	}
	dst.Write(payload)
}

func (e *systemExternalizable) ReadExternalEntry(src []byte) error {
	if len(src) != bootstrapMessageSize || src[0] != bootstrapMarker {
		return fmt.Errorf("mux: malformed system message (%d bytes)", len(src))
	}
	sender := replica.ID(src[1])
	channelID := replica.ChannelID(binary.BigEndian.Uint16(src[2:4]))
	lastModTime := int64(binary.BigEndian.Uint64(src[4:12]))
	e.mux.onBootstrapMessage(sender, channelID, lastModTime)
	return nil
}

// encodeBootstrapMessage builds the fixed-width payload announcing that
// sender has registered channelID, last modified (from sender's view) at
// lastModTime.
func encodeBootstrapMessage(sender replica.ID, channelID replica.ChannelID, lastModTime int64) []byte {
	buf := make([]byte, bootstrapMessageSize)
	buf[0] = bootstrapMarker
	buf[1] = byte(sender)
	binary.BigEndian.PutUint16(buf[2:4], uint16(channelID))
	binary.BigEndian.PutUint64(buf[4:12], uint64(lastModTime))
	return buf
}
