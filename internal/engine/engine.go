// Package engine implements the event loop (C5): a single actor goroutine
// that owns every session's mutable state, with dedicated dumb reader/
// writer goroutines per connection standing in for the non-blocking
// selector the original design uses. This mirrors the teacher's
// SerializeToWriter/DeserializeFromReader goroutine-per-direction pattern
// (internal/stdiotunnel/protocol/segment.go), generalized: reader
// goroutines only move bytes off the socket, writer goroutines only move
// bytes onto it, and every frame/handshake/throttle/heartbeat decision is
// made by the one actor goroutine running Engine.Run.
package engine

import (
	"context"
	"net"
	"time"

	"github.com/lwwcluster/tcpreplicator/internal/dial"
	"github.com/lwwcluster/tcpreplicator/internal/mailbox"
	"github.com/lwwcluster/tcpreplicator/internal/replica"
	"github.com/lwwcluster/tcpreplicator/internal/session"
	"github.com/lwwcluster/tcpreplicator/internal/throttle"
	"github.com/lwwcluster/tcpreplicator/tools"

	"github.com/rs/zerolog"
)

// minTick is the floor the engine's tick interval is clamped to,
// resolving the open question about a peer advertising a pathologically
// small heartbeat interval: the interval may tighten monotonically, but
// never below this floor.
const minTick = 50 * time.Millisecond

const readChunkSize = 64 * 1024

// Config carries the subset of the transport's configuration table (§6)
// the engine itself consumes.
type Config struct {
	ServerPort             int
	Endpoints              []string
	HeartbeatInterval      time.Duration
	PacketSize             int
	MaxEntrySize           int
	ThrottleBitsPerDay     int64
	ThrottleBucketInterval time.Duration
	LocalIdentifier        replica.ID
	MaxChannels            int
}

// Codec is the pair of collaborators every session is bound to: a Replica
// for iterator acquisition and an EntryExternalizable for (de)serializing
// entries. In this system both are satisfied by a single *mux.Multiplexer.
type Codec interface {
	replica.Replica
	replica.EntryExternalizable
}

type registration struct {
	conn      net.Conn
	isServer  bool
	connector *dial.Connector
	doneCh    chan bool
}

// sessionHandle pairs a Session with the bookkeeping the engine needs to
// tear it down: its reader-stop signal and (for active connections) the
// channel dialLoop is blocked on. doneCh, when non-nil, carries a single
// bool on teardown: true means "reconnect", false means "give up" (e.g.
// an identifier collision, which per §8 scenario 6 must not auto-retry).
type sessionHandle struct {
	s        *session.Session
	stopCh   chan struct{}
	doneCh   chan bool
	writing  bool
	tornDown bool
}

type rawChunk struct {
	sess *session.Session
	data []byte
	err  error
}

type writeResult struct {
	sess *session.Session
	n    int
	err  error
}

// Engine owns the event loop. Construct with New, then run with Run in a
// dedicated goroutine.
type Engine struct {
	cfg   Config
	codec Codec
	log   zerolog.Logger

	mailbox   *mailbox.Mailbox
	throttler *throttle.Throttler

	registerCh     chan registration
	chunksCh       chan rawChunk
	resultsCh      chan writeResult
	forceBootstrapCh chan struct{}

	sessions map[*session.Session]*sessionHandle
	byID     map[replica.ID]*session.Session

	forceBootstrap bool

	// tick is the event loop's current tick interval; it only ever
	// tightens (see tightenTick), never widens, per §4.5 step 2.
	tick   time.Duration
	ticker *time.Ticker

	listener net.Listener

	closed chan struct{}
}

// New constructs an Engine. codec is normally a *mux.Multiplexer acting as
// both the local Replica and the EntryExternalizable every session uses.
func New(cfg Config, codec Codec, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		codec:       codec,
		log:         log,
		mailbox:     mailbox.New(),
		throttler:   throttle.New(cfg.ThrottleBitsPerDay, cfg.ThrottleBucketInterval, cfg.MaxEntrySize, time.Now()),
		registerCh:       make(chan registration, 16),
		chunksCh:         make(chan rawChunk, 64),
		resultsCh:        make(chan writeResult, 64),
		forceBootstrapCh: make(chan struct{}, 1),
		sessions:         make(map[*session.Session]*sessionHandle),
		byID:             make(map[replica.ID]*session.Session),
		closed:           make(chan struct{}),
	}
}

// ForceBootstrap requests that every handshake-complete session's
// ModificationIterator be reprimed from its peer's stored bootstrap
// timestamp on its next flush. Safe to call from any goroutine; the flag
// itself is only ever read and cleared by the actor goroutine. Used when
// cluster topology changes (e.g. a new channel is added).
func (e *Engine) ForceBootstrap() {
	select {
	case e.forceBootstrapCh <- struct{}{}:
	default:
	}
}

// Mailbox exposes the write-interest mailbox so collaborators (sessions
// acting as ModificationNotifier) can be wired to wake this engine.
func (e *Engine) Mailbox() *mailbox.Mailbox { return e.mailbox }

// Run drives the event loop until ctx is done or Close is called. It
// starts the passive listener (if cfg.ServerPort != 0) and one active
// connector per configured endpoint.
func (e *Engine) Run(ctx context.Context) error {
	if e.cfg.ServerPort != 0 {
		ln, err := net.Listen("tcp", tools.ToAddressString("", uint16(e.cfg.ServerPort)))
		if err != nil {
			return err
		}
		e.listener = ln
		go e.acceptLoop(ctx, ln)
	}
	for _, addr := range e.cfg.Endpoints {
		connector := dial.New(addr)
		go e.dialLoop(ctx, connector)
	}

	tick := e.cfg.HeartbeatInterval
	if e.cfg.ThrottleBucketInterval > 0 && e.cfg.ThrottleBucketInterval < tick {
		tick = e.cfg.ThrottleBucketInterval
	}
	if tick < minTick {
		tick = minTick
	}
	e.tick = tick
	e.ticker = time.NewTicker(tick)
	defer e.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case <-e.closed:
			e.shutdown()
			return nil
		case reg := <-e.registerCh:
			e.handleRegistration(reg)
		case <-e.forceBootstrapCh:
			e.forceBootstrap = true
		case rc := <-e.chunksCh:
			e.handleChunk(rc)
		case wr := <-e.resultsCh:
			e.handleWriteResult(wr)
		case <-e.mailbox.Wake():
			for _, id := range e.mailbox.Drain() {
				if s, ok := e.byID[replica.ID(id)]; ok {
					e.writeIfNeeded(s)
				}
			}
		case now := <-e.ticker.C:
			e.onTick(now)
		}
	}
}

// tightenTick shrinks the event loop's tick interval to remoteInterval if
// that is smaller than the current one, per §4.5 step 2: the interval may
// only ever tighten monotonically, floored at minTick regardless of how
// small a peer advertises (the open-question decision recorded in
// DESIGN.md).
func (e *Engine) tightenTick(remoteInterval time.Duration) {
	if remoteInterval < minTick {
		remoteInterval = minTick
	}
	if remoteInterval < e.tick {
		e.tick = remoteInterval
		e.ticker.Reset(e.tick)
	}
}

// Close stops the engine; safe to call from any goroutine, any number of
// times.
func (e *Engine) Close() {
	select {
	case <-e.closed:
	default:
		close(e.closed)
	}
}

func (e *Engine) shutdown() {
	if e.listener != nil {
		e.listener.Close()
	}
	for s, h := range e.sessions {
		e.teardown(s, h, nil)
	}
}
