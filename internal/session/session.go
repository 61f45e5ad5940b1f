// Package session implements the peer session (C4): per-connection state
// covering handshake progress, the inbound/outbound framed buffers, the
// bound channel ModificationIterator, and heartbeat bookkeeping. A Session
// is only ever mutated by the engine's single actor goroutine; the
// goroutines reading and writing its underlying net.Conn are dumb byte
// pumps that hand raw chunks to, and take pre-framed chunks from, the
// engine.
package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lwwcluster/tcpreplicator/internal/dial"
	"github.com/lwwcluster/tcpreplicator/internal/replica"
	"github.com/lwwcluster/tcpreplicator/internal/wire"
)

// ErrIdentifierCollision is returned by AppendInbound during the handshake
// when the remote
// peer's identifier equals the local identifier. Per the protocol's
// tie-break rule this is never silently recovered: the session is closed
// and (for the connecting side) no automatic reconnect is scheduled.
var ErrIdentifierCollision = errors.New("session: remote identifier collides with local identifier")

// ErrIdentifierOutOfRange is returned by AppendInbound during the handshake
// when the remote peer advertises an identifier outside the valid [1,127] range.
var ErrIdentifierOutOfRange = errors.New("session: remote identifier out of range [1,127]")

// ErrProtocol wraps malformed-frame errors surfaced by the framer or the
// handshake state machine.
var ErrProtocol = errors.New("session: protocol error")

type handshakeState int

const (
	hsWaitRemoteID handshakeState = iota
	hsWaitBootstrapTS
	hsWaitHeartbeatInterval
	hsDone
)

const noPendingEntry = -1

// Session is per-connection state for one peer. All fields are mutated
// exclusively by the engine's actor goroutine.
type Session struct {
	Conn      net.Conn
	LocalID   replica.ID
	IsServer  bool
	Connector *dial.Connector // nil for server (accepted) sessions

	mapReplica replica.Replica
	codec      replica.EntryExternalizable

	in  *wire.InBuffer
	out *wire.OutBuffer

	hsState            handshakeState
	RemoteID           replica.ID
	remoteBootstrapTS  int64
	RemoteHBInterval   time.Duration
	HandshakeComplete  bool

	RemoteIterator replica.ModificationIterator

	pendingEntrySize int

	LastSent     time.Time
	LastReceived time.Time

	localHeartbeat time.Duration

	// onChange is this session's own notifier, installed with the remote
	// iterator at handshake time; it forwards to whatever wake function
	// the engine supplied via SetOnChange.
	onChange func()
}

// New constructs a Session bound to conn. mapReplica/codec are the local
// collaborators (normally a *mux.Multiplexer acting as both) used to bind
// the remote peer's ModificationIterator once its identifier is known.
func New(conn net.Conn, localID replica.ID, isServer bool, connector *dial.Connector,
	mapReplica replica.Replica, codec replica.EntryExternalizable,
	localHeartbeat time.Duration, packetSize, maxEntrySize int, now time.Time) *Session {
	s := &Session{
		Conn:             conn,
		LocalID:          localID,
		IsServer:         isServer,
		Connector:        connector,
		mapReplica:       mapReplica,
		codec:            codec,
		in:               wire.NewInBuffer(packetSize, maxEntrySize),
		out:              wire.NewOutBuffer(packetSize + maxEntrySize),
		pendingEntrySize: noPendingEntry,
		localHeartbeat:   localHeartbeat,
		LastSent:         now,
		LastReceived:     now,
	}
	s.queueLocalIdentifier()
	return s
}

// SetOnChange installs the function the session's ModificationNotifier
// forwards OnChange to (normally the engine's mailbox.Signal + wake).
func (s *Session) SetOnChange(fn func()) { s.onChange = fn }

// OnChange implements replica.ModificationNotifier.
func (s *Session) OnChange() {
	if s.onChange != nil {
		s.onChange()
	}
}

func (s *Session) queueLocalIdentifier() {
	s.out.WriteRaw([]byte{byte(s.LocalID)})
}

// Out exposes the outbound buffer for the engine's write pump.
func (s *Session) Out() *wire.OutBuffer { return s.out }

// In exposes the inbound buffer so the engine's reader glue can append raw
// bytes read off the socket.
func (s *Session) In() *wire.InBuffer { return s.in }

// AppendInbound appends raw bytes read from the socket and processes as
// much as is available: handshake advancement while incomplete, otherwise
// the entry/heartbeat framer. Returns an error if the handshake or framer
// detects a protocol violation.
func (s *Session) AppendInbound(data []byte) error {
	s.in.Append(data)
	if !s.HandshakeComplete {
		done, err := s.advanceHandshake()
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
	}
	return s.runFramer()
}

func (s *Session) advanceHandshake() (done bool, err error) {
	for {
		switch s.hsState {
		case hsWaitRemoteID:
			if s.in.Remaining() < 1 {
				return false, nil
			}
			b := s.in.Peek(1)[0]
			s.in.Advance(1)
			remoteID := replica.ID(b)
			if remoteID == replica.Unknown || remoteID > replica.MaxID {
				return false, ErrIdentifierOutOfRange
			}
			if remoteID == s.LocalID {
				return false, ErrIdentifierCollision
			}
			s.RemoteID = remoteID
			s.RemoteIterator = s.mapReplica.AcquireModificationIterator(remoteID, s)
			s.queueHandshakeResponse(remoteID)
			s.hsState = hsWaitBootstrapTS

		case hsWaitBootstrapTS:
			if s.in.Remaining() < 8 {
				return false, nil
			}
			raw := s.in.Peek(8)
			s.remoteBootstrapTS = int64(binary.BigEndian.Uint64(raw))
			s.in.Advance(8)
			s.hsState = hsWaitHeartbeatInterval

		case hsWaitHeartbeatInterval:
			if s.in.Remaining() < 8 {
				return false, nil
			}
			raw := s.in.Peek(8)
			hbMs := int64(binary.BigEndian.Uint64(raw))
			s.in.Advance(8)
			s.RemoteHBInterval = time.Duration(float64(hbMs) * 1.25 * float64(time.Millisecond))
			s.HandshakeComplete = true
			s.hsState = hsDone
			s.RemoteIterator.DirtyEntries(s.remoteBootstrapTS)
			return true, nil

		default:
			return true, nil
		}
	}
}

// queueHandshakeResponse appends the two fields this side owes the remote
// once its identifier is known: the last time we've seen remote write
// (echoed back as its bootstrap timestamp) and our own heartbeat interval.
func (s *Session) queueHandshakeResponse(remoteID replica.ID) {
	ts := s.mapReplica.LastModificationTime(remoteID)
	var raw [16]byte
	binary.BigEndian.PutUint64(raw[0:8], uint64(ts))
	binary.BigEndian.PutUint64(raw[8:16], uint64(s.localHeartbeat.Milliseconds()))
	s.out.WriteRaw(raw[:])
}

// runFramer consumes as many complete frames as are currently buffered:
// zero-length heartbeats are skipped, entry frames are handed to the
// installed codec.
func (s *Session) runFramer() error {
	for {
		if s.pendingEntrySize == noPendingEntry {
			if s.in.Remaining() < 2 {
				return nil
			}
			size := binary.BigEndian.Uint16(s.in.Peek(2))
			s.in.Advance(2)
			if size == 0 {
				continue // heartbeat
			}
			s.pendingEntrySize = int(size)
		}
		if s.in.Remaining() < s.pendingEntrySize {
			return nil
		}
		payload := s.in.Peek(s.pendingEntrySize)
		if err := s.codec.ReadExternalEntry(payload); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		s.in.Advance(s.pendingEntrySize)
		s.pendingEntrySize = noPendingEntry
	}
}

// entryCallback adapts replica.EntryCallback to this session's codec and
// outbound buffer, used by PumpOutbound.
func (s *Session) entryCallback(entry any, channelID replica.ChannelID) bool {
	wrote, err := s.out.WriteEntry(func(dst *bytes.Buffer) {
		s.codec.WriteExternalEntry(entry, dst, channelID)
	})
	if err != nil {
		// EntryTooLarge: drop this entry; it is a misconfiguration (an
		// oversized entry should never have been produced given a sane
		// maxEntrySize) rather than something retrying would fix.
		return false
	}
	return wrote
}

// PumpOutbound drains the bound ModificationIterator into the outbound
// buffer, stopping when the iterator is exhausted or the buffer's
// remaining headroom drops below maxEntrySize. If forceBootstrap is set,
// the iterator is first reprimed from the peer's stored bootstrap
// timestamp.
func (s *Session) PumpOutbound(forceBootstrap bool, maxEntrySize int) {
	if s.RemoteIterator == nil {
		return
	}
	if forceBootstrap {
		s.RemoteIterator.DirtyEntries(s.remoteBootstrapTS)
	}
	for s.out.Remaining() >= maxEntrySize {
		if !s.RemoteIterator.NextEntry(s.entryCallback, 0) {
			break
		}
	}
}

// Close closes the underlying connection. Idempotent-enough for engine use
// (net.Conn.Close tolerates being called once; callers must not call twice
// concurrently).
func (s *Session) Close() error {
	return s.Conn.Close()
}
