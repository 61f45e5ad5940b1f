// Package replica defines the interfaces the replication transport consumes
// from (and produces to) the map layer it carries entries for. Nothing in
// this package touches a socket; it exists so the transport, the channel
// multiplexer, and the map-layer implementation can all depend on the same
// small surface without importing each other.
package replica

import "bytes"

// ID is a node identifier. Valid identifiers are in [1,127]; Unknown (0) is
// the sentinel for "not yet assigned by handshake".
//
// The original implementation this system is modeled on reserves the
// negative end of a signed byte for "unknown"; Go's natural identifier type
// is unsigned, and 0 is already outside the valid range, so it is used as
// the sentinel here instead.
type ID uint8

// Unknown is the sentinel identifier value before handshake assigns one.
const Unknown ID = 0

// MaxID is the largest valid identifier; valid identifiers are [1,MaxID].
const MaxID ID = 127

// ChannelID is an unsigned logical stream multiplexed over one connection.
// Channel 0 is reserved for system (bootstrap) messages.
type ChannelID uint16

// SystemChannel carries bootstrap announcements, never user entries.
const SystemChannel ChannelID = 0

// EntryCallback receives one dirtied entry from a ModificationIterator. entry
// is opaque to the transport; it is produced by a Replica and consumed by the
// matching EntryExternalizable. The callback returns true if it wrote the
// entry somewhere; a declined entry's frame reservation is rewound by the
// outbound buffer itself, not on the strength of this result.
type EntryCallback func(entry any, channelID ChannelID) bool

// ModificationIterator is a per-peer lazy cursor over locally modified
// entries not yet handed to the transport for that peer.
type ModificationIterator interface {
	// HasNext reports whether at least one entry remains to be delivered.
	HasNext() bool

	// NextEntry delivers the next dirty entry to cb, if any, tagging it with
	// channelID. It returns true iff cb was invoked exactly once.
	NextEntry(cb EntryCallback, channelID ChannelID) bool

	// DirtyEntries reprimes the iterator from every entry modified at or
	// after sinceMillis, in wall-clock epoch milliseconds.
	DirtyEntries(sinceMillis int64)
}

// ModificationNotifier is handed to Replica.AcquireModificationIterator so
// the map layer can wake the transport when new dirty work appears for that
// peer.
type ModificationNotifier interface {
	OnChange()
}

// NopNotifier is a ModificationNotifier that discards OnChange. It is used
// when rebuilding a peer's backlog against a channel added after connect,
// where the per-peer iterator is known to already be registered under its
// real session notifier and a synthetic wake would be spurious.
var NopNotifier ModificationNotifier = nopNotifier{}

type nopNotifier struct{}

func (nopNotifier) OnChange() {}

// Replica is the map-layer collaborator the transport replicates on behalf
// of: something that can hand out per-peer change iterators and report the
// last time it observed a write from a given peer.
type Replica interface {
	// Identifier is this node's own identifier.
	Identifier() ID

	// AcquireModificationIterator returns the (cached) ModificationIterator
	// for remote, binding notifier the first time it is acquired for that
	// remote.
	AcquireModificationIterator(remote ID, notifier ModificationNotifier) ModificationIterator

	// LastModificationTime is the last-observed wall-clock write time (epoch
	// ms) attributed to remote, or 0 if none has been observed.
	LastModificationTime(remote ID) int64

	Close() error
}

// EntryExternalizable serializes and deserializes exactly one entry's bytes
// to/from a transport buffer. Declining to write (WriteExternalEntry appends
// nothing to dst) is legal and means "skip this entry".
type EntryExternalizable interface {
	// WriteExternalEntry appends entry's bytes to dst, tagged for channelID.
	// It may append nothing to decline.
	WriteExternalEntry(entry any, dst *bytes.Buffer, channelID ChannelID)

	// ReadExternalEntry consumes exactly one entry's bytes from src and
	// applies it locally.
	ReadExternalEntry(src []byte) error
}
