// Package tcpreplicator is the public facade (C8) over the transport: a
// Config matching the configuration table, a Replicator lifecycle wrapping
// the engine and multiplexer, and re-exports of the collaborator
// interfaces a map implementation binds against.
package tcpreplicator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lwwcluster/tcpreplicator/internal/engine"
	"github.com/lwwcluster/tcpreplicator/internal/mux"
	"github.com/lwwcluster/tcpreplicator/internal/replica"
	"github.com/lwwcluster/tcpreplicator/internal/wire"

	"github.com/rs/zerolog"
)

// ConfigError is raised synchronously out of New when a Config value is
// invalid — a bad local identifier, a max entry size over the wire
// format's limit, and so on. It is not recoverable: fix the Config and
// construct again.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("tcpreplicator: invalid %s: %s", e.Field, e.Reason)
}

// Re-exported collaborator types: a map implementation binds against these
// without importing any internal package directly.
type (
	NodeID               = replica.ID
	ChannelID            = replica.ChannelID
	EntryCallback        = replica.EntryCallback
	ModificationIterator = replica.ModificationIterator
	ModificationNotifier = replica.ModificationNotifier
	Replica              = replica.Replica
	EntryExternalizable  = replica.EntryExternalizable
)

// UnknownNodeID is the handshake sentinel meaning "no identifier assigned
// yet"; a peer offering it (or the local identifier) fails the handshake.
const UnknownNodeID = replica.Unknown

// SystemChannel is the reserved channel id carrying bootstrap control
// messages; map channels must use any other value in [1, MaxChannels).
const SystemChannel = replica.SystemChannel

// Config matches the transport's configuration table: identity, topology,
// and the tunables governing heartbeat cadence, frame sizing, and the
// outbound throttle.
type Config struct {
	// LocalIdentifier is this node's identifier in [1,127]; 0 (UnknownNodeID)
	// is reserved, and New panics with a *ConfigError for it or for any
	// value above 127.
	LocalIdentifier NodeID

	// ServerPort, if non-zero, is the TCP port this node accepts inbound
	// peer connections on.
	ServerPort int

	// Endpoints are the addresses ("host:port") of peers this node
	// actively dials and reconnects to with backoff.
	Endpoints []string

	// HeartbeatInterval is this node's own advertised heartbeat cadence,
	// sent in the handshake preamble. Defaults to 20s if zero.
	HeartbeatInterval time.Duration

	// PacketSize and MaxEntrySize size each session's framed buffers;
	// MaxEntrySize also bounds any single entry's serialized form and
	// must not exceed wire.MaxEntrySize (65535). Defaults: 64KiB / 8KiB.
	PacketSize   int
	MaxEntrySize int

	// MaxChannels bounds how many channel ids (map instances) one
	// Replicator can multiplex; 0 defaults to 128.
	MaxChannels int

	// ThrottleBitsPerDay caps outbound replication bandwidth; 0 disables
	// throttling entirely.
	ThrottleBitsPerDay     int64
	ThrottleBucketInterval time.Duration

	Logger zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.PacketSize == 0 {
		c.PacketSize = 64 * 1024
	}
	if c.MaxEntrySize == 0 {
		c.MaxEntrySize = 8 * 1024
	}
	if c.MaxChannels == 0 {
		c.MaxChannels = 128
	}
	if c.ThrottleBucketInterval == 0 {
		c.ThrottleBucketInterval = time.Second
	}
	return c
}

// validate checks the fields §7 calls out as ConfigError conditions: a
// local identifier outside [1,127], and a max entry size the wire
// format's 16-bit length prefix can't represent.
func (c Config) validate() error {
	if c.LocalIdentifier == replica.Unknown || c.LocalIdentifier > replica.MaxID {
		return &ConfigError{Field: "LocalIdentifier", Reason: "must be in [1,127]"}
	}
	if c.MaxEntrySize > wire.MaxEntrySize {
		return &ConfigError{Field: "MaxEntrySize", Reason: fmt.Sprintf("must be <= %d", wire.MaxEntrySize)}
	}
	return nil
}

// Replicator is the top-level handle on a running replication node: one
// engine event loop multiplexing any number of registered map channels.
type Replicator struct {
	cfg Config
	mux *mux.Multiplexer
	eng *engine.Engine

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
	runErr  error
}

// New constructs a Replicator. Call AddChannel for each local map before
// Start, and at least once more than zero times before it's useful. New
// panics with a *ConfigError if cfg is invalid — per §7, a bad config is
// raised synchronously at startup and is not recoverable.
func New(cfg Config) *Replicator {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		panic(err)
	}
	log := cfg.Logger
	m := mux.New(cfg.LocalIdentifier, cfg.MaxChannels, log)
	eng := engine.New(engine.Config{
		ServerPort:             cfg.ServerPort,
		Endpoints:              cfg.Endpoints,
		HeartbeatInterval:      cfg.HeartbeatInterval,
		PacketSize:             cfg.PacketSize,
		MaxEntrySize:           cfg.MaxEntrySize,
		ThrottleBitsPerDay:     cfg.ThrottleBitsPerDay,
		ThrottleBucketInterval: cfg.ThrottleBucketInterval,
		LocalIdentifier:        cfg.LocalIdentifier,
		MaxChannels:            cfg.MaxChannels,
	}, m, log)

	return &Replicator{cfg: cfg, mux: m, eng: eng, done: make(chan struct{})}
}

// AddChannel registers a local map under channelID, so it is replicated to
// every current and future peer. Must be called before Start for channels
// that should be bootstrapped to peers dialed at startup; it is also safe
// to call after Start to add a channel to an already-running node, in
// which case ForceBootstrap should follow so existing peers receive it.
func (r *Replicator) AddChannel(channelID ChannelID, m Replica, codec EntryExternalizable) error {
	return r.mux.AddChannel(channelID, m, codec)
}

// ForceBootstrap requests that every connected peer's iterators be
// reprimed from their last-known bootstrap timestamps on the engine's next
// sweep, used after AddChannel registers a new channel on a running node.
func (r *Replicator) ForceBootstrap() {
	r.eng.ForceBootstrap()
}

// Start runs the engine's event loop in a background goroutine. Start must
// not be called twice on the same Replicator.
func (r *Replicator) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go func() {
		r.runErr = r.eng.Run(ctx)
		close(r.done)
	}()
}

// Close stops the engine and waits for its event loop to exit.
func (r *Replicator) Close() error {
	r.mu.Lock()
	running := r.running
	cancel := r.cancel
	r.mu.Unlock()
	if !running {
		return nil
	}
	r.eng.Close()
	if cancel != nil {
		cancel()
	}
	<-r.done
	return r.runErr
}
