package engine

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/lwwcluster/tcpreplicator/internal/session"
)

// handleRegistration admits a freshly dialed or accepted connection: builds
// its Session, starts its dumb reader goroutine, and flushes whatever the
// Session already queued in its outbound buffer (the one-byte local
// identifier that opens the handshake preamble, queued by session.New
// before this method ever sees it).
func (e *Engine) handleRegistration(reg registration) {
	now := time.Now()
	sess := session.New(reg.conn, e.cfg.LocalIdentifier, reg.isServer, reg.connector,
		e.codec, e.codec, e.cfg.HeartbeatInterval, e.cfg.PacketSize, e.cfg.MaxEntrySize, now)

	handle := &sessionHandle{s: sess, stopCh: make(chan struct{}), doneCh: reg.doneCh}
	e.sessions[sess] = handle
	go readPump(reg.conn, handle, e.chunksCh, handle.stopCh)
	e.flush(sess, handle)
}

// handleChunk processes one batch of raw bytes the reader goroutine moved
// off a session's socket, or a terminal read error signaling the
// connection is gone.
func (e *Engine) handleChunk(rc rawChunk) {
	handle, ok := e.sessions[rc.sess]
	if !ok {
		return
	}
	if rc.err != nil {
		e.teardown(rc.sess, handle, rc.err)
		return
	}

	wasComplete := rc.sess.HandshakeComplete
	rc.sess.LastReceived = time.Now()
	if err := rc.sess.AppendInbound(rc.data); err != nil {
		e.log.Info().Err(err).Uint8("remote", uint8(rc.sess.RemoteID)).Msg("protocol error, closing session")
		e.teardown(rc.sess, handle, err)
		return
	}

	if !wasComplete && rc.sess.HandshakeComplete {
		e.onHandshakeComplete(rc.sess)
	}

	e.flush(rc.sess, handle)
}

// onHandshakeComplete wires the session's OnChange forwarding (so the
// session's bound ModificationIterator waking it shows up as a mailbox
// signal this engine's Run loop will observe) and indexes it by remote
// identifier for mailbox dispatch and heartbeat bookkeeping.
func (e *Engine) onHandshakeComplete(sess *session.Session) {
	e.byID[sess.RemoteID] = sess
	remoteID := sess.RemoteID
	sess.SetOnChange(func() {
		e.mailbox.Signal(uint8(remoteID))
	})
	e.throttler.Add(remoteID)
	e.tightenTick(sess.RemoteHBInterval)
	if sess.Connector != nil {
		sess.Connector.Reset()
	}
	e.log.Info().Uint8("remote", uint8(remoteID)).Bool("server", sess.IsServer).Msg("handshake complete")
}

// handleWriteResult processes the outcome of one in-flight writePump call.
func (e *Engine) handleWriteResult(wr writeResult) {
	handle, ok := e.sessions[wr.sess]
	if !ok {
		return
	}
	handle.writing = false
	if wr.err != nil {
		e.teardown(wr.sess, handle, wr.err)
		return
	}
	wr.sess.LastSent = time.Now()
	e.flush(wr.sess, handle)
}

// writeIfNeeded is the mailbox-wake path: a session notified via its
// ModificationIterator's notifier is pumped immediately rather than
// waiting for the next tick.
func (e *Engine) writeIfNeeded(sess *session.Session) {
	handle, ok := e.sessions[sess]
	if !ok {
		return
	}
	e.flush(sess, handle)
}

// flush drains whatever the session's ModificationIterator has ready into
// its outbound buffer, then hands any accumulated bytes to a writer
// goroutine if one isn't already in flight. At most one write is ever
// outstanding per session, matching the single-writer-goroutine-per-socket
// invariant the teacher's segment.go pump also keeps.
func (e *Engine) flush(sess *session.Session, handle *sessionHandle) {
	if handle.writing || handle.tornDown {
		return
	}
	if sess.HandshakeComplete && e.throttler.Allow() {
		sess.PumpOutbound(e.forceBootstrap, e.cfg.MaxEntrySize)
	}
	data := sess.Out().Take()
	if len(data) == 0 {
		return
	}
	e.throttler.OnWrote(len(data))
	handle.writing = true
	go writePump(sess.Conn, handle, data, e.resultsCh)
}

// onTick runs the periodic per-session bookkeeping: heartbeat send-if-due,
// receive-timeout detection, and the throttle bucket's rearm check.
func (e *Engine) onTick(now time.Time) {
	rearmed := e.throttler.Tick(now)

	// Consume the force-bootstrap flag for exactly one sweep: every
	// handshake-complete session with no write in flight gets one flush
	// while it is still set, so it reprimes its RemoteIterator from the
	// peer's bootstrap timestamp. It is cleared once the sweep completes; a
	// session whose write is in flight during the sweep is not reprimed by
	// it.
	forcing := e.forceBootstrap

	for sess, handle := range e.sessions {
		if handle.tornDown || !sess.HandshakeComplete {
			continue
		}
		// Receive-timeout applies only to sessions we actively dialed: a
		// server (accepted) session is torn down on I/O error only and
		// otherwise waits for a new accept, never on heartbeat timeout.
		if !sess.IsServer && now.Sub(sess.LastReceived) > sess.RemoteHBInterval {
			e.log.Warn().Uint8("remote", uint8(sess.RemoteID)).Msg("heartbeat timeout, closing session")
			e.teardown(sess, handle, errHeartbeatTimeout)
			continue
		}
		needsHeartbeat := now.Sub(sess.LastSent) >= e.cfg.HeartbeatInterval && !handle.writing
		if needsHeartbeat {
			sess.Out().WriteHeartbeat()
		}
		if (needsHeartbeat || forcing) && !handle.writing {
			e.flush(sess, handle)
		}
	}

	// §4.2: interval rollover re-arms WRITE on every tracked channel, so a
	// session that was throttled mid-interval resumes on the next one
	// rather than waiting for its next heartbeat or a fresh OnChange.
	// Driven off the throttler's own tracked-peer set rather than
	// e.sessions, since that set (registered in onHandshakeComplete,
	// deregistered in teardown) is what §4.2 actually means by "every
	// tracked channel".
	if rearmed {
		for _, id := range e.throttler.Snapshot() {
			sess, ok := e.byID[id]
			if !ok {
				continue
			}
			if handle, ok := e.sessions[sess]; ok && !handle.tornDown && !handle.writing {
				e.flush(sess, handle)
			}
		}
	}

	e.forceBootstrap = false
}

var errHeartbeatTimeout = errors.New("engine: heartbeat timeout")

// teardown closes a session's connection, stops its reader goroutine,
// removes it from the engine's indexes, and (for active connections)
// releases dialLoop to redial with backoff — unless cause is a non-retriable
// protocol error, per §8 scenario 6: an identifier collision must not be
// retried automatically. io.EOF and use-of-closed-connection are ordinary
// teardown triggers, not logged as failures.
func (e *Engine) teardown(sess *session.Session, handle *sessionHandle, cause error) {
	if handle.tornDown {
		return
	}
	handle.tornDown = true
	close(handle.stopCh)
	sess.Close()
	delete(e.sessions, sess)
	if sess.HandshakeComplete {
		if current, ok := e.byID[sess.RemoteID]; ok && current == sess {
			delete(e.byID, sess.RemoteID)
		}
		e.throttler.Remove(sess.RemoteID)
	}
	if cause != nil && !errors.Is(cause, io.EOF) && !errors.Is(cause, net.ErrClosed) {
		e.log.Debug().Err(cause).Msg("session closed")
	}
	if handle.doneCh != nil {
		handle.doneCh <- !errors.Is(cause, session.ErrIdentifierCollision)
	}
}
