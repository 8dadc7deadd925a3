// Package gossip implements M3: turning M2-verified announcements into flood
// broadcasts, running the inbound reconnection policy, and picking a
// preferred relay to advertise.
package gossip

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/moukrea/serverless-chat-sub000/internal/flood"
	"github.com/moukrea/serverless-chat-sub000/internal/meshid"
)

const (
	announceTTL         = 7
	ipChangeAnnounceTTL = 10
	heartbeatInterval   = 120 * time.Second
	reconnectCooldown   = 60 * time.Second
	maxConnectionsDefault = 6
	jitterMin           = time.Second
	jitterMax           = 3 * time.Second
)

// ConnectionState reports whether a peer is currently connected/connecting,
// the collaborator the orchestrator (M4) owns.
type ConnectionState interface {
	IsConnectedOrConnecting(id peer.ID) bool
	ConnectionCount() int
}

// Scheduler is the single method the orchestrator exposes for gossip to
// trigger a reconnection attempt after the jittered delay.
type Scheduler interface {
	ScheduleReconnect(id peer.ID, delay time.Duration)
}

// TrustLookup narrows *meshid.TrustStore to what gossip needs, so tests can
// substitute a fake.
type TrustLookup interface {
	Get(id peer.ID) (*meshid.TrustedPeer, bool)
	VerifyAnnouncement(ctx context.Context, nonces *meshid.NonceCache, ann *meshid.Announcement) meshid.VerifyResult
}

// BlacklistLookup reports whether a peer is currently blacklisted, backed
// by M5.
type BlacklistLookup interface {
	IsBlacklisted(id peer.ID, now time.Time) bool
}

// Announcer is M3's stateful core: it emits signed presence beacons through
// M1 and runs the inbound policy against incoming ones.
type Announcer struct {
	self     *meshid.NodeIdentity
	trust    TrustLookup
	nonces   *meshid.NonceCache
	router   *flood.Router
	conns    ConnectionState
	sched    Scheduler
	blocked  BlacklistLookup
	logger   *slog.Logger

	maxConnections int

	mu            sync.Mutex
	dupCache      map[dupKey]time.Time
	lastAttempted map[peer.ID]time.Time

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

type dupKey struct {
	peerID    peer.ID
	signature string
}

// Config groups Announcer's collaborators.
type Config struct {
	Self           *meshid.NodeIdentity
	Trust          TrustLookup
	Nonces         *meshid.NonceCache
	Router         *flood.Router
	Connections    ConnectionState
	Scheduler      Scheduler
	Blacklist      BlacklistLookup
	Logger         *slog.Logger
	MaxConnections int
}

// New constructs an Announcer and registers its handlers on the router.
func New(cfg Config) *Announcer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	maxConn := cfg.MaxConnections
	if maxConn == 0 {
		maxConn = maxConnectionsDefault
	}
	a := &Announcer{
		self:           cfg.Self,
		trust:          cfg.Trust,
		nonces:         cfg.Nonces,
		router:         cfg.Router,
		conns:          cfg.Connections,
		sched:          cfg.Scheduler,
		blocked:        cfg.Blacklist,
		logger:         cfg.Logger,
		maxConnections: maxConn,
		dupCache:       make(map[dupKey]time.Time),
		lastAttempted:  make(map[peer.ID]time.Time),
		stopCh:         make(chan struct{}),
	}
	a.router.Register(flood.MsgPeerAnnouncement, a.handleInbound)
	a.router.Register(flood.MsgIPChangeAnnounce, a.handleInbound)
	return a
}

// Announce builds and broadcasts a signed presence beacon.
func (a *Announcer) Announce(ctx context.Context, reason meshid.Reason, connectedPeers []peer.ID, live []LivePeer) error {
	hint := meshid.ConnectionHint{ConnectedPeersSample: connectedPeers}
	if relay, ok := BestRelay(live); ok {
		hint.PreferredRelay = relay
	}

	ann, err := a.self.CreateAnnouncement(ctx, meshid.Extras{Reason: reason, ConnectedPeers: connectedPeers, ConnectionHint: hint})
	if err != nil {
		return fmt.Errorf("gossip: create announcement: %w", err)
	}

	ttl := announceTTL
	msgType := flood.MsgPeerAnnouncement
	if reason == meshid.ReasonIPChange {
		ttl = ipChangeAnnounceTTL
		msgType = flood.MsgIPChangeAnnounce
	}

	env, err := a.router.Create(msgType, ann, flood.CreateOptions{TTL: ttl, RoutingHint: flood.RoutingBroadcast})
	if err != nil {
		return fmt.Errorf("gossip: create envelope: %w", err)
	}
	a.router.Route(env, "")
	return nil
}

// AnnounceIPChange is the ip_change special case: same as Announce but with
// a diagnostic challenge string and the reason fixed.
func (a *Announcer) AnnounceIPChange(ctx context.Context, challenge string, connectedPeers []peer.ID, live []LivePeer) error {
	hint := meshid.ConnectionHint{ConnectedPeersSample: connectedPeers}
	if relay, ok := BestRelay(live); ok {
		hint.PreferredRelay = relay
	}
	ann, err := a.self.CreateAnnouncement(ctx, meshid.Extras{
		Reason:         meshid.ReasonIPChange,
		ConnectedPeers: connectedPeers,
		ConnectionHint: hint,
		Challenge:      challenge,
	})
	if err != nil {
		return fmt.Errorf("gossip: create ip_change announcement: %w", err)
	}
	env, err := a.router.Create(flood.MsgIPChangeAnnounce, ann, flood.CreateOptions{TTL: ipChangeAnnounceTTL, RoutingHint: flood.RoutingBroadcast})
	if err != nil {
		return fmt.Errorf("gossip: create envelope: %w", err)
	}
	a.router.Route(env, "")
	return nil
}

// Start begins the 120 s periodic heartbeat, iff at least one live peer
// exists at fire time. Start/Stop are explicit lifecycle methods; no
// ambient timers run before Start is called.
func (a *Announcer) Start(ctx context.Context, liveFn func() []LivePeer, connectedFn func() []peer.ID) {
	a.wg.Add(1)
	go a.heartbeatLoop(ctx, liveFn, connectedFn)
}

func (a *Announcer) heartbeatLoop(ctx context.Context, liveFn func() []LivePeer, connectedFn func() []peer.ID) {
	defer a.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			live := liveFn()
			if len(live) == 0 {
				continue
			}
			if err := a.Announce(ctx, meshid.ReasonPeriodic, connectedFn(), live); err != nil {
				a.logger.Warn("gossip: periodic heartbeat announce failed", "error", err)
			}
		}
	}
}

// Stop releases the heartbeat goroutine.
func (a *Announcer) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

func (a *Announcer) handleInbound(env *flood.Envelope, fromPeer peer.ID) {
	ann, ok := env.Payload.(*meshid.Announcement)
	if !ok {
		a.logger.Debug("gossip: dropping announcement with unexpected payload type")
		return
	}

	if ann.PeerID == a.self.PeerID {
		return
	}

	if a.isDuplicate(ann) {
		return
	}

	result := a.trust.VerifyAnnouncement(context.Background(), a.nonces, ann)
	if !result.Valid {
		if result.Reason == meshid.ReasonInvalidSignature {
			a.logger.Warn("gossip: rejected announcement with invalid signature", "peer", ann.PeerID)
		} else {
			a.logger.Debug("gossip: dropping unverified announcement", "peer", ann.PeerID, "reason", result.Reason)
		}
		return
	}

	if !a.shouldReconnect(ann.PeerID) {
		return
	}
	if !ShouldInitiate(a.self.PeerID, ann.PeerID) {
		return
	}

	delay := jitteredDelay()
	if ann.Reason == meshid.ReasonIPChange {
		delay /= 2
	}
	a.markAttempted(ann.PeerID)
	a.sched.ScheduleReconnect(ann.PeerID, delay)
}

const dupCacheTTL = 90 * time.Second

// isDuplicate checks the local cache keyed by (peer_id, signature), which
// subsumes the "| nonce | timestamp ± 1s" alternatives in spec.md §4.3 step
// 2: a matching signature already implies the same nonce and timestamp, so
// no reconnection-gossip-layer announcement is ever processed twice even
// when it arrives over two different flood paths with distinct msg_ids.
func (a *Announcer) isDuplicate(ann *meshid.Announcement) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.evictExpiredLocked()

	key := dupKey{peerID: ann.PeerID, signature: string(ann.Signature)}
	if _, ok := a.dupCache[key]; ok {
		return true
	}
	a.dupCache[key] = time.Now()
	return false
}

func (a *Announcer) evictExpiredLocked() {
	cutoff := time.Now().Add(-dupCacheTTL)
	for k, seenAt := range a.dupCache {
		if seenAt.Before(cutoff) {
			delete(a.dupCache, k)
		}
	}
}

func (a *Announcer) shouldReconnect(id peer.ID) bool {
	if a.conns.IsConnectedOrConnecting(id) {
		return false
	}
	if a.conns.ConnectionCount() >= a.maxConnections {
		return false
	}
	if a.blocked != nil && a.blocked.IsBlacklisted(id, time.Now()) {
		return false
	}
	a.mu.Lock()
	last, ok := a.lastAttempted[id]
	a.mu.Unlock()
	if ok && time.Since(last) < reconnectCooldown {
		return false
	}
	return true
}

func (a *Announcer) markAttempted(id peer.ID) {
	a.mu.Lock()
	a.lastAttempted[id] = time.Now()
	a.mu.Unlock()
}

func jitteredDelay() time.Duration {
	span := jitterMax - jitterMin
	return jitterMin + time.Duration(rand.Int63n(int64(span)))
}
