package reconnect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/sync/singleflight"

	"github.com/moukrea/serverless-chat-sub000/internal/flood"
	"github.com/moukrea/serverless-chat-sub000/internal/gossip"
	"github.com/moukrea/serverless-chat-sub000/internal/meshid"
	"github.com/moukrea/serverless-chat-sub000/internal/peerstore"
	"github.com/moukrea/serverless-chat-sub000/internal/transport"
)

const (
	liveSampleAttempts     = 3
	liveSampleInterval     = 500 * time.Millisecond
	coldStartDeadline      = 40 * time.Second
	coldStartGraceDelay    = 3 * time.Second
	warmStartRejoinDelay   = time.Second
	warmStartCandidateCap  = 20
	warmStartAttemptCap    = 10
	periodicLoopInterval   = 5 * time.Minute
	periodicLoopPickCount  = 3
	ipChangeSettleDelay    = 3 * time.Second
	failuresBeforeBlacklist = 5
)

// ConnectionRegistry is the in-memory live-peer bookkeeping collaborator:
// it reports connection state and hands off a newly-established transport
// connection once the ladder completes. The orchestrator never mutates it
// directly beyond Register/Unregister; the registry owns its own state.
type ConnectionRegistry interface {
	IsConnectedOrConnecting(id peer.ID) bool
	ConnectionCount() int
	ConnectedPeerIDs() []peer.ID
	Register(id peer.ID, conn transport.Connection)
	Unregister(id peer.ID)
}

// EventSink receives out-of-band events the core emits but never acts on
// itself (manual pairing mode is rendered by the surrounding application).
type EventSink interface {
	EmitManualPairingRequested(pairingSecretPresent bool)
}

// Announcer narrows gossip.Announcer to what the orchestrator drives.
type Announcer interface {
	Announce(ctx context.Context, reason meshid.Reason, connectedPeers []peer.ID, live []gossip.LivePeer) error
	AnnounceIPChange(ctx context.Context, challenge string, connectedPeers []peer.ID, live []gossip.LivePeer) error
}

// Config groups the Orchestrator's collaborators.
type Config struct {
	Self           *meshid.NodeIdentity
	Peers          *peerstore.Store
	Router         *flood.Router
	Registry       ConnectionRegistry
	TransportFac   transport.Factory
	Announcer      Announcer
	Events         EventSink
	HasPairingSecret func() bool
	Logger         *slog.Logger
}

// Orchestrator is M4's stateful core.
type Orchestrator struct {
	self     *meshid.NodeIdentity
	peers    *peerstore.Store
	router   *flood.Router
	registry ConnectionRegistry
	factory  transport.Factory
	announcer Announcer
	events   EventSink
	hasPairingSecret func() bool
	logger   *slog.Logger

	sf singleflight.Group

	mu       sync.Mutex
	pending  map[string]*PendingReconnect
	queries  map[string]*PathQueryState

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// New constructs an Orchestrator and registers its message handlers.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HasPairingSecret == nil {
		cfg.HasPairingSecret = func() bool { return false }
	}
	o := &Orchestrator{
		self:             cfg.Self,
		peers:            cfg.Peers,
		router:           cfg.Router,
		registry:         cfg.Registry,
		factory:          cfg.TransportFac,
		announcer:        cfg.Announcer,
		events:           cfg.Events,
		hasPairingSecret: cfg.HasPairingSecret,
		logger:           cfg.Logger,
		pending:          make(map[string]*PendingReconnect),
		queries:          make(map[string]*PathQueryState),
		stopCh:           make(chan struct{}),
	}
	o.router.Register(flood.MsgPathQuery, o.handlePathQuery)
	o.router.Register(flood.MsgPathResponse, o.handlePathResponse)
	o.router.Register(flood.MsgReconnectOffer, o.handleReconnectOffer)
	o.router.Register(flood.MsgReconnectAnswer, o.handleReconnectAnswer)
	o.router.Register(flood.MsgReconnectRejection, o.handleReconnectRejection)
	return o
}

// ReconnectToMesh is the top-level entry point: sample live-peer count up to
// three times at 500ms intervals, then run cold-start or warm-start.
func (o *Orchestrator) ReconnectToMesh(ctx context.Context) (Stats, error) {
	v, err, _ := o.sf.Do("reconnect_to_mesh", func() (any, error) {
		return o.reconnectToMeshOnce(ctx)
	})
	if err != nil {
		return Stats{}, err
	}
	return v.(Stats), nil
}

func (o *Orchestrator) reconnectToMeshOnce(ctx context.Context) (Stats, error) {
	start := time.Now()
	live := o.sampleLiveCount(ctx)

	var stats Stats
	var err error
	if live == 0 {
		stats, err = o.coldStart(ctx)
	} else {
		stats, err = o.warmStart(ctx)
	}
	stats.Duration = time.Since(start)
	return stats, err
}

// ReconnectToPeer runs the fallback ladder against one specific peer. This
// is the entry point M3's gossip.Scheduler callback drives after its
// jittered delay: spec.md §4.3 step 6, "schedule a reconnection to that
// peer", targets a single peer_id the tie-break already elected, unlike
// ReconnectToMesh's own live-count-driven cold/warm-start choice.
func (o *Orchestrator) ReconnectToPeer(ctx context.Context, target peer.ID, targetName string) error {
	_, err := o.runLadder(ctx, target, targetName)
	return err
}

// sampleLiveCount samples the registry's connected-peer count up to three
// times at 500ms intervals, stopping early once it observes a positive
// count.
func (o *Orchestrator) sampleLiveCount(ctx context.Context) int {
	for i := 0; i < liveSampleAttempts; i++ {
		if n := len(o.registry.ConnectedPeerIDs()); n > 0 {
			return n
		}
		if i == liveSampleAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(liveSampleInterval):
		}
	}
	return 0
}

// Start begins the periodic reconnection loop. No ambient timers run before
// Start is called. Safe to call more than once; only the first call starts
// the loop goroutine.
func (o *Orchestrator) Start(ctx context.Context) {
	o.startOnce.Do(func() {
		o.wg.Add(1)
		go o.periodicLoop(ctx)
	})
}

// Stop releases the periodic loop goroutine.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()
}

func (o *Orchestrator) periodicLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(periodicLoopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runPeriodicTick(ctx)
		}
	}
}

// runPeriodicTick picks up to 3 disconnected desired peers from M5 and runs
// the ladder, provided at least one peer is connected and no manual
// reconnection attempt is currently in flight. Purely additive; it never
// evicts live peers.
func (o *Orchestrator) runPeriodicTick(ctx context.Context) {
	if len(o.registry.ConnectedPeerIDs()) == 0 {
		return
	}
	if o.manualReconnectInFlight() {
		return
	}
	candidates, err := o.peers.ReconnectionCandidates(ctx, warmStartCandidateCap, 0, 0)
	if err != nil {
		o.logger.Warn("reconnect: periodic candidate query failed", "error", err)
		return
	}
	picked := 0
	for _, c := range candidates {
		if picked >= periodicLoopPickCount {
			break
		}
		if o.registry.IsConnectedOrConnecting(c.PeerID) {
			continue
		}
		picked++
		go o.runLadder(ctx, c.PeerID, c.DisplayName)
	}
}

func (o *Orchestrator) manualReconnectInFlight() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.pending {
		if p.State != StateFailed && p.State != StateRejected && p.State != StateConnected {
			return true
		}
	}
	return false
}

// AnnounceIPChange implements M4's network-change hook: it asks M3 to emit
// ip_change_announcement, then sleeps to let the announcement propagate
// before returning, per spec.md §4.4.
func (o *Orchestrator) AnnounceIPChange(ctx context.Context) error {
	challenge := uuid.NewString()
	if err := o.announcer.AnnounceIPChange(ctx, challenge, o.registry.ConnectedPeerIDs(), nil); err != nil {
		return fmt.Errorf("reconnect: announce ip change: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(ipChangeSettleDelay):
	}
	return nil
}

func newReconnectID() string { return uuid.NewString() }
func newQueryID() string     { return uuid.NewString() }
