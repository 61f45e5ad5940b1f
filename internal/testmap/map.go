// Package testmap implements a minimal in-memory, last-writer-wins
// replicated map: a replica.Replica and replica.EntryExternalizable test
// double standing in for a real off-heap hash-map, used to drive the
// transport end-to-end in tests and the demo binary without depending on
// any particular storage engine.
//
// Its shape mirrors the teacher's EchoService test double
// (internal/stdiotunnel/protocol/bridge_test.go): a small, self-contained
// struct exercising the same interfaces production code would, with a
// doc comment sketching the data flow instead of a page of prose.
//
//	Put/Delete --->  -----------  ---> log record appended, cursor-based
//	                 | LWWMap    |      ModificationIterators per remote
//	ReadExternalEntry | (local)  |      replay it outward, oldest first
//	  <---------------  -----------
package testmap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/lwwcluster/tcpreplicator/internal/replica"
)

// Record is one versioned write: a key's value (or tombstone) stamped with
// the wall-clock time and originating node of the write that produced it.
type Record struct {
	Key       string
	Value     []byte
	Deleted   bool
	Timestamp int64
	Origin    replica.ID
}

// ErrMalformedRecord is returned by ReadExternalEntry when src cannot be
// decoded as a Record.
var ErrMalformedRecord = errors.New("testmap: malformed record")

// Map is a replica.Replica and replica.EntryExternalizable backed by an
// append-only log of Records, each entry's key looked up in data for its
// current (last-writer-wins) value. It is safe for concurrent use.
type Map struct {
	id replica.ID

	mu      sync.RWMutex
	data    map[string]Record
	log     []Record
	cursors map[replica.ID]*cursorState
}

type cursorState struct {
	pos      int
	notifier replica.ModificationNotifier
}

// New constructs an empty Map identifying itself as id in LWW tie-breaks.
func New(id replica.ID) *Map {
	return &Map{
		id:      id,
		data:    make(map[string]Record),
		cursors: make(map[replica.ID]*cursorState),
	}
}

// Identifier implements replica.Replica.
func (m *Map) Identifier() replica.ID { return m.id }

// Close implements replica.Replica; Map holds no resources to release.
func (m *Map) Close() error { return nil }

// Put applies a local write, stamped with the given wall-clock timestamp
// (millis) under this Map's own identifier, and appends it to the log so
// every remote's ModificationIterator will eventually replay it.
func (m *Map) Put(key string, value []byte, timestampMillis int64) {
	m.apply(Record{Key: key, Value: append([]byte(nil), value...), Timestamp: timestampMillis, Origin: m.id})
}

// Delete applies a local tombstone write.
func (m *Map) Delete(key string, timestampMillis int64) {
	m.apply(Record{Key: key, Deleted: true, Timestamp: timestampMillis, Origin: m.id})
}

// Get returns the current value for key and whether it is present (not
// deleted and not missing).
func (m *Map) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok || rec.Deleted {
		return nil, false
	}
	return append([]byte(nil), rec.Value...), true
}

// apply merges rec into data under last-writer-wins semantics (higher
// timestamp wins; equal timestamps broken by higher Origin), appends it to
// the log regardless so it can still be forwarded to peers that haven't
// seen it, and wakes every remote's notifier.
func (m *Map) apply(rec Record) bool {
	m.mu.Lock()
	existing, ok := m.data[rec.Key]
	accepted := !ok || wins(rec, existing)
	if accepted {
		m.data[rec.Key] = rec
	}
	m.log = append(m.log, rec)
	notifiers := make([]replica.ModificationNotifier, 0, len(m.cursors))
	for _, c := range m.cursors {
		if c.notifier != nil {
			notifiers = append(notifiers, c.notifier)
		}
	}
	m.mu.Unlock()

	for _, n := range notifiers {
		n.OnChange()
	}
	return accepted
}

func wins(candidate, existing Record) bool {
	if candidate.Timestamp != existing.Timestamp {
		return candidate.Timestamp > existing.Timestamp
	}
	return candidate.Origin > existing.Origin
}

// LastModificationTime implements replica.Replica: the timestamp of the
// newest record this Map has ever recorded as originating from remote,
// echoed back to remote during the handshake preamble so it knows what we
// already have from it.
func (m *Map) LastModificationTime(remote replica.ID) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last int64
	for _, rec := range m.log {
		if rec.Origin == remote && rec.Timestamp > last {
			last = rec.Timestamp
		}
	}
	return last
}

// AcquireModificationIterator implements replica.Replica, returning a
// cursor-based iterator over this Map's log for the given remote. Calling
// this again for a remote that already has a cursor reuses its position
// rather than rewinding (mirrors AbstractChannelReplicator reusing a
// peer's existing ModificationIterator across reconnects), and keeps the
// notifier bound by the first acquisition for that remote.
func (m *Map) AcquireModificationIterator(remote replica.ID, notifier replica.ModificationNotifier) replica.ModificationIterator {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[remote]
	if !ok {
		c = &cursorState{notifier: notifier}
		m.cursors[remote] = c
	}
	return &mapIterator{m: m, remote: remote, cursor: c}
}

// mapIterator scans m.log forward from its cursor, skipping records that
// originated at remote (so a peer never receives its own write echoed
// back) or that predate remote's last acknowledged bootstrap timestamp.
type mapIterator struct {
	m      *Map
	remote replica.ID
	cursor *cursorState
	since  int64
}

func (it *mapIterator) HasNext() bool {
	it.m.mu.RLock()
	defer it.m.mu.RUnlock()
	return it.nextEligibleLocked() >= 0
}

// nextEligibleLocked returns the log index of the next record eligible for
// it.remote at or after the cursor, or -1 if none remain. Caller must hold
// at least a read lock.
func (it *mapIterator) nextEligibleLocked() int {
	for i := it.cursor.pos; i < len(it.m.log); i++ {
		rec := it.m.log[i]
		if rec.Origin == it.remote {
			continue
		}
		if rec.Timestamp < it.since {
			continue
		}
		return i
	}
	return -1
}

func (it *mapIterator) NextEntry(cb replica.EntryCallback, channelID replica.ChannelID) bool {
	it.m.mu.Lock()
	idx := it.nextEligibleLocked()
	if idx < 0 {
		it.m.mu.Unlock()
		return false
	}
	rec := it.m.log[idx]
	it.cursor.pos = idx + 1
	it.m.mu.Unlock()
	cb(rec, channelID)
	return true
}

// DirtyEntries implements replica.ModificationIterator: rewinds the cursor
// to replay every record at or after sinceMillis, used both on initial
// bootstrap and whenever the engine forces a rebootstrap sweep.
func (it *mapIterator) DirtyEntries(sinceMillis int64) {
	it.m.mu.Lock()
	defer it.m.mu.Unlock()
	it.since = sinceMillis
	for i, rec := range it.m.log {
		if rec.Timestamp >= sinceMillis {
			it.cursor.pos = i
			return
		}
	}
	it.cursor.pos = len(it.m.log)
}

// WriteExternalEntry implements replica.EntryExternalizable, encoding a
// Record as: 1 byte origin, 1 byte deleted flag, 8 bytes timestamp, 2
// bytes key length, key bytes, then (unless deleted) 4 bytes value length
// and value bytes.
func (m *Map) WriteExternalEntry(entry any, dst *bytes.Buffer, _ replica.ChannelID) {
	rec, ok := entry.(Record)
	if !ok {
		return
	}
	var header [12]byte
	header[0] = byte(rec.Origin)
	if rec.Deleted {
		header[1] = 1
	}
	binary.BigEndian.PutUint64(header[2:10], uint64(rec.Timestamp))
	binary.BigEndian.PutUint16(header[10:12], uint16(len(rec.Key)))
	dst.Write(header[:])
	dst.WriteString(rec.Key)
	if rec.Deleted {
		return
	}
	var vlen [4]byte
	binary.BigEndian.PutUint32(vlen[:], uint32(len(rec.Value)))
	dst.Write(vlen[:])
	dst.Write(rec.Value)
}

// ReadExternalEntry implements replica.EntryExternalizable, decoding and
// merging a Record per apply's last-writer-wins rule.
func (m *Map) ReadExternalEntry(src []byte) error {
	if len(src) < 12 {
		return ErrMalformedRecord
	}
	origin := replica.ID(src[0])
	deleted := src[1] != 0
	timestamp := int64(binary.BigEndian.Uint64(src[2:10]))
	keyLen := int(binary.BigEndian.Uint16(src[10:12]))
	if len(src) < 12+keyLen {
		return ErrMalformedRecord
	}
	key := string(src[12 : 12+keyLen])
	rec := Record{Key: key, Deleted: deleted, Timestamp: timestamp, Origin: origin}
	if !deleted {
		rest := src[12+keyLen:]
		if len(rest) < 4 {
			return ErrMalformedRecord
		}
		vlen := int(binary.BigEndian.Uint32(rest[:4]))
		if len(rest) < 4+vlen {
			return ErrMalformedRecord
		}
		rec.Value = append([]byte(nil), rest[4:4+vlen]...)
	}
	m.apply(rec)
	return nil
}
