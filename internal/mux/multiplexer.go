// Package mux implements the channel multiplexer (C7): fan-in of N logical
// channels' dirty-entry iterators into one transport stream, with a
// synthetic channel 0 carrying bootstrap announcements. A Multiplexer
// itself implements replica.Replica and replica.EntryExternalizable, so a
// peer session can be wired against exactly one Multiplexer instead of
// juggling per-channel collaborators directly.
package mux

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/lwwcluster/tcpreplicator/internal/replica"

	"github.com/rs/zerolog"
)

// Multiplexer fans N logical channels (maps) into one replicated stream.
type Multiplexer struct {
	local       replica.ID
	maxChannels int
	log         zerolog.Logger

	mu              sync.RWMutex
	occupied        []bool
	channels        []replica.Replica
	externalizables []replica.EntryExternalizable

	peersMu sync.Mutex
	peers   map[replica.ID]replica.ModificationNotifier
	iters   map[replica.ID]*compositeIterator

	system   *systemQueue
	sysRepl  *systemReplica
	sysExt   *systemExternalizable
}

// New returns a Multiplexer for localID with room for maxChannels logical
// channels (including the reserved system channel 0).
func New(localID replica.ID, maxChannels int, log zerolog.Logger) *Multiplexer {
	if maxChannels < 1 {
		maxChannels = 1
	}
	m := &Multiplexer{
		local:           localID,
		maxChannels:     maxChannels,
		log:             log,
		occupied:        make([]bool, maxChannels),
		channels:        make([]replica.Replica, maxChannels),
		externalizables: make([]replica.EntryExternalizable, maxChannels),
		peers:           make(map[replica.ID]replica.ModificationNotifier),
		iters:           make(map[replica.ID]*compositeIterator),
		system:          newSystemQueue(),
	}
	m.sysRepl = &systemReplica{local: localID, q: m.system}
	m.sysExt = &systemExternalizable{mux: m}
	m.occupied[replica.SystemChannel] = true
	m.channels[replica.SystemChannel] = m.sysRepl
	m.externalizables[replica.SystemChannel] = m.sysExt
	return m
}

// AddChannel registers r (and its externalizer ext) as channel id, which
// must be in [1,maxChannels). For every peer already known to this
// multiplexer, it posts a bootstrap announcement on the system channel so
// that peer can rebuild its backlog against the newly added channel, and
// wakes that peer's session.
func (m *Multiplexer) AddChannel(id replica.ChannelID, r replica.Replica, ext replica.EntryExternalizable) error {
	if id == replica.SystemChannel {
		return fmt.Errorf("mux: channel 0 is reserved for system messages")
	}
	if int(id) >= m.maxChannels {
		return fmt.Errorf("mux: channel %d exceeds maxChannels %d", id, m.maxChannels)
	}

	m.mu.Lock()
	m.occupied[id] = true
	m.channels[id] = r
	m.externalizables[id] = ext
	m.mu.Unlock()

	m.peersMu.Lock()
	peers := make([]replica.ID, 0, len(m.peers))
	for peer := range m.peers {
		peers = append(peers, peer)
	}
	m.peersMu.Unlock()

	lastMod := r.LastModificationTime(m.local)
	for _, peer := range peers {
		m.system.enqueue(peer, encodeBootstrapMessage(m.local, id, lastMod))
		m.peersMu.Lock()
		notifier := m.peers[peer]
		m.peersMu.Unlock()
		if notifier != nil {
			notifier.OnChange()
		}
	}
	return nil
}

// onBootstrapMessage is invoked by systemExternalizable when a bootstrap
// announcement arrives: sender has registered channelID, last modified (by
// sender's own clock) at lastModTime. If this node has that channel
// registered too, its backlog for sender is reprimed from lastModTime.
func (m *Multiplexer) onBootstrapMessage(sender replica.ID, channelID replica.ChannelID, lastModTime int64) {
	m.mu.RLock()
	var r replica.Replica
	if int(channelID) < m.maxChannels && m.occupied[channelID] {
		r = m.channels[channelID]
	}
	m.mu.RUnlock()

	if r == nil {
		m.log.Info().Uint8("sender", uint8(sender)).Uint16("channel", uint16(channelID)).
			Msg("bootstrap message for unregistered channel, ignoring")
		return
	}
	r.AcquireModificationIterator(sender, replica.NopNotifier).DirtyEntries(lastModTime)
}

// Identifier implements replica.Replica.
func (m *Multiplexer) Identifier() replica.ID { return m.local }

// Close implements replica.Replica; it is a no-op since the multiplexer
// owns no I/O resources of its own (those belong to the engine).
func (m *Multiplexer) Close() error { return nil }

// LastModificationTime reports the latest last-modification time any
// occupied channel has recorded for remote.
func (m *Multiplexer) LastModificationTime(remote replica.ID) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var max int64
	for i, occ := range m.occupied {
		if !occ {
			continue
		}
		if t := m.channels[i].LastModificationTime(remote); t > max {
			max = t
		}
	}
	return max
}

// AcquireModificationIterator returns the cached composite iterator over
// every occupied channel for remote, registering notifier the first time
// it's acquired.
func (m *Multiplexer) AcquireModificationIterator(remote replica.ID, notifier replica.ModificationNotifier) replica.ModificationIterator {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	if it, ok := m.iters[remote]; ok {
		return it
	}
	m.peers[remote] = notifier
	it := &compositeIterator{mux: m, remote: remote, notifier: notifier}
	m.iters[remote] = it
	return it
}

// WriteExternalEntry implements replica.EntryExternalizable: it prepends a
// stop-bit encoded channelID, then delegates to that channel's own
// externalizer.
func (m *Multiplexer) WriteExternalEntry(entry any, dst *bytes.Buffer, channelID replica.ChannelID) {
	m.mu.RLock()
	var ext replica.EntryExternalizable
	if int(channelID) < m.maxChannels {
		ext = m.externalizables[channelID]
	}
	m.mu.RUnlock()
	if ext == nil {
		return
	}
	prefixStart := dst.Len()
	putChannelID(dst, channelID)
	before := dst.Len()
	ext.WriteExternalEntry(entry, dst, channelID)
	if dst.Len() == before {
		// The channel declined; undo the prefix we just wrote so the
		// overall entry frame is empty too (caller rewinds the frame).
		dst.Truncate(prefixStart)
	}
}

// ReadExternalEntry implements replica.EntryExternalizable: it reads the
// stop-bit channel id and dispatches to that channel's externalizer.
// Unknown channel ids are logged and skipped.
func (m *Multiplexer) ReadExternalEntry(src []byte) error {
	channelID, n, err := readChannelID(src)
	if err != nil {
		return fmt.Errorf("mux: decoding channel id: %w", err)
	}

	m.mu.RLock()
	var ext replica.EntryExternalizable
	if int(channelID) < m.maxChannels && m.occupied[channelID] {
		ext = m.externalizables[channelID]
	}
	m.mu.RUnlock()

	if ext == nil {
		m.log.Info().Uint16("channel", uint16(channelID)).Msg("entry for unknown channel, skipping")
		return nil
	}
	return ext.ReadExternalEntry(src[n:])
}

// compositeIterator fans a single remote peer's NextEntry/HasNext/
// DirtyEntries calls out across every occupied channel, ascending by id.
type compositeIterator struct {
	mux      *Multiplexer
	remote   replica.ID
	notifier replica.ModificationNotifier
}

func (c *compositeIterator) HasNext() bool {
	c.mux.mu.RLock()
	channels := append([]replica.Replica(nil), c.mux.channels...)
	occupied := append([]bool(nil), c.mux.occupied...)
	c.mux.mu.RUnlock()

	for i, occ := range occupied {
		if !occ {
			continue
		}
		if channels[i].AcquireModificationIterator(c.remote, c.notifier).HasNext() {
			return true
		}
	}
	return false
}

func (c *compositeIterator) NextEntry(cb replica.EntryCallback, _ replica.ChannelID) bool {
	c.mux.mu.RLock()
	channels := append([]replica.Replica(nil), c.mux.channels...)
	occupied := append([]bool(nil), c.mux.occupied...)
	c.mux.mu.RUnlock()

	for i, occ := range occupied {
		if !occ {
			continue
		}
		it := channels[i].AcquireModificationIterator(c.remote, c.notifier)
		if it.NextEntry(cb, replica.ChannelID(i)) {
			return true
		}
	}
	return false
}

func (c *compositeIterator) DirtyEntries(sinceMillis int64) {
	c.mux.mu.RLock()
	channels := append([]replica.Replica(nil), c.mux.channels...)
	occupied := append([]bool(nil), c.mux.occupied...)
	c.mux.mu.RUnlock()

	for i, occ := range occupied {
		if !occ {
			continue
		}
		channels[i].AcquireModificationIterator(c.remote, c.notifier).DirtyEntries(sinceMillis)
		if c.notifier != nil {
			c.notifier.OnChange()
		}
	}
}
