package engine

import (
	"context"
	"net"

	"github.com/lwwcluster/tcpreplicator/internal/dial"
)

// acceptLoop accepts inbound connections on ln and hands each to the actor
// goroutine via registerCh. It mirrors the teacher's accept-then-handoff
// pattern in cmd/stdiotunnel, generalized to a channel handoff instead of a
// directly spawned handler, since the actor owns all session state here.
func (e *Engine) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-e.closed:
				return
			default:
				e.log.Warn().Err(err).Msg("accept failed")
				return
			}
		}
		conn, err = dial.ConfigureAccepted(conn)
		if err != nil {
			e.log.Warn().Err(err).Msg("configure accepted socket failed")
			conn.Close()
			continue
		}
		select {
		case e.registerCh <- registration{conn: conn, isServer: true}:
		case <-ctx.Done():
			conn.Close()
			return
		case <-e.closed:
			conn.Close()
			return
		}
	}
}

// dialLoop owns one configured endpoint's active connection lifecycle: dial
// (with backoff baked into connector.Reconnect), hand the connection to the
// actor, then block until the actor reports that session torn down (via the
// doneCh registered alongside it), and reconnect — unless the actor says
// not to (an identifier collision is not retriable; see teardown). This is
// the active-side analogue of acceptLoop, one goroutine per configured peer
// address.
func (e *Engine) dialLoop(ctx context.Context, connector *dial.Connector) {
	for {
		conn, err := connector.Reconnect(ctx)
		if err != nil {
			return // ctx canceled
		}
		doneCh := make(chan bool, 1)
		select {
		case e.registerCh <- registration{conn: conn, isServer: false, connector: connector, doneCh: doneCh}:
		case <-ctx.Done():
			conn.Close()
			return
		case <-e.closed:
			conn.Close()
			return
		}
		select {
		case reconnect := <-doneCh:
			if !reconnect {
				return
			}
		case <-ctx.Done():
			return
		case <-e.closed:
			return
		}
	}
}

// readPump is the dumb per-session reader goroutine: it only moves bytes
// off the socket and hands them (or the terminal error) to the actor over
// chunksCh. It never touches Session state directly, mirroring the
// teacher's DeserializeFromReader goroutine in
// internal/stdiotunnel/protocol/segment.go.
func readPump(conn net.Conn, handle *sessionHandle, chunksCh chan<- rawChunk, stop <-chan struct{}) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			select {
			case chunksCh <- rawChunk{sess: handle.s, data: data}:
			case <-stop:
				return
			}
		}
		if err != nil {
			select {
			case chunksCh <- rawChunk{sess: handle.s, err: err}:
			case <-stop:
			}
			return
		}
	}
}

// writePump is the dumb per-session writer goroutine: it writes exactly the
// chunk it was handed and reports the outcome, mirroring the teacher's
// SerializeToWriter goroutine in the same file.
func writePump(conn net.Conn, handle *sessionHandle, data []byte, resultsCh chan<- writeResult) {
	n, err := conn.Write(data)
	resultsCh <- writeResult{sess: handle.s, n: n, err: err}
}
