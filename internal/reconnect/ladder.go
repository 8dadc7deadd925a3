package reconnect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/moukrea/serverless-chat-sub000/internal/flood"
	"github.com/moukrea/serverless-chat-sub000/internal/peerstore"
	"github.com/moukrea/serverless-chat-sub000/internal/transport"
)

const (
	ladderStepATimeout     = 8 * time.Second
	ladderStepBTimeout     = 20 * time.Second
	pathQueryCollectWindow = 5 * time.Second

	// ladderSignalWaitTimeout bounds how long a ladder step B handler waits
	// for the transport to emit its local offer/answer blob via OnSignal
	// before falling back to relaying an envelope with no blob. A transport
	// that never signals (the fake, or a connection type needing none)
	// degrades to today's no-blob behaviour instead of stalling the ladder.
	ladderSignalWaitTimeout = 2 * time.Second
)

// ladderHandler is a transport.EventHandler adapter that turns the four
// transport callbacks into channel sends a ladder step can select on. It
// outlives the handshake: once the connection is live, the same instance
// keeps decoding inbound envelopes for Router.Route and unregisters the
// peer from the registry on close — the transport keeps one EventHandler
// for a connection's whole lifetime, so there is no separate "data phase"
// handler to swap in later.
type ladderHandler struct {
	o      *Orchestrator
	peerID peer.ID

	mu        sync.Mutex
	connectCh chan struct{}
	errCh     chan error
	closeCh   chan struct{}

	signalOnce sync.Once
	signalCh   chan []byte
}

func newLadderHandler(o *Orchestrator, target peer.ID) *ladderHandler {
	return &ladderHandler{
		o:         o,
		peerID:    target,
		connectCh: make(chan struct{}, 1),
		errCh:     make(chan error, 1),
		closeCh:   make(chan struct{}, 1),
		signalCh:  make(chan []byte, 1),
	}
}

// OnSignal captures the transport's local offer/answer blob the first time
// it fires. Only the first call matters: the ladder's simplified signalling
// model treats it as the complete local description (offer or answer),
// analogous to waiting for ICE-gathering-complete before reading
// LocalDescription in a real WebRTC stack rather than relaying each
// trickled candidate as its own envelope.
func (h *ladderHandler) OnSignal(blob []byte) {
	h.signalOnce.Do(func() {
		h.signalCh <- append([]byte(nil), blob...)
	})
}

// localSignal waits up to timeout for the transport to emit its local
// signal blob via OnSignal, returning nil if the deadline or ctx passes
// first — the caller then relays an offer/answer with no blob, matching
// behaviour for a transport that has none to give.
func (h *ladderHandler) localSignal(ctx context.Context, timeout time.Duration) []byte {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case blob := <-h.signalCh:
		return blob
	case <-ctx.Done():
		return nil
	case <-t.C:
		return nil
	}
}

func (h *ladderHandler) OnConnect() {
	select {
	case h.connectCh <- struct{}{}:
	default:
	}
}

func (h *ladderHandler) OnData(data []byte) {
	env, err := flood.Decode(data)
	if err != nil {
		h.o.logger.Warn("reconnect: decode inbound envelope failed", "peer", h.peerID, "error", err)
		return
	}
	h.o.router.Route(env, h.peerID)
}

func (h *ladderHandler) OnClose() {
	select {
	case h.closeCh <- struct{}{}:
	default:
	}
	h.o.registry.Unregister(h.peerID)
}

func (h *ladderHandler) OnError(err error) {
	select {
	case h.errCh <- err:
	default:
	}
}

// runLadder runs step A then step B against a single target, sequentially
// and never concurrently — testable invariant 10 (forward-ladder
// determinism). A singleflight key per target collapses duplicate
// concurrent calls for the same peer into one ladder run.
func (o *Orchestrator) runLadder(ctx context.Context, target peer.ID, targetName string) (ColdStartMethod, error) {
	v, err, _ := o.sf.Do("ladder:"+string(target), func() (any, error) {
		return o.runLadderOnce(ctx, target, targetName)
	})
	if err != nil {
		return "", err
	}
	return v.(ColdStartMethod), nil
}

func (o *Orchestrator) runLadderOnce(ctx context.Context, target peer.ID, targetName string) (ColdStartMethod, error) {
	if o.registry.IsConnectedOrConnecting(target) {
		return "", fmt.Errorf("reconnect: already connected or connecting to %s", target)
	}
	if err := o.ensurePeerRecord(ctx, target, targetName); err != nil {
		return "", err
	}

	if method, ok := o.stepA(ctx, target); ok {
		return method, nil
	}
	if method, ok := o.stepB(ctx, target, targetName); ok {
		return method, nil
	}
	o.recordFailure(ctx, target)
	return "", fmt.Errorf("reconnect: fallback ladder exhausted for %s", target)
}

// stepA is the direct-with-cached-signalling ladder step: rehydrate a
// connection from a still-valid cached ICE candidate within 8s.
func (o *Orchestrator) stepA(ctx context.Context, target peer.ID) (ColdStartMethod, bool) {
	rec, err := o.peers.Get(ctx, target)
	if err != nil || rec == nil || len(rec.CachedICECandidates) == 0 {
		return "", false
	}
	latest := rec.CachedICECandidates[len(rec.CachedICECandidates)-1]
	if time.Since(latest.CachedAt) > transport.CacheValidity(latest.Type) {
		return "", false
	}

	stepCtx, cancel := context.WithTimeout(ctx, ladderStepATimeout)
	defer cancel()

	conn, ok := o.dialDirect(stepCtx, target)
	if !ok {
		return "", false
	}
	o.onLadderSuccess(ctx, target, conn, MethodCachedDirect)
	return MethodCachedDirect, true
}

func (o *Orchestrator) dialDirect(ctx context.Context, target peer.ID) (transport.Connection, bool) {
	handler := newLadderHandler(o, target)
	conn, err := o.factory.Create(true, transport.ICEConfig{}, handler)
	if err != nil {
		return nil, false
	}
	select {
	case <-handler.connectCh:
		return conn, true
	case <-handler.errCh:
		conn.Close()
		return nil, false
	case <-ctx.Done():
		conn.Close()
		return nil, false
	}
}

// stepB is the mesh-relayed-signalling ladder step.
func (o *Orchestrator) stepB(ctx context.Context, target peer.ID, targetName string) (ColdStartMethod, bool) {
	stepCtx, cancel := context.WithTimeout(ctx, ladderStepBTimeout)
	defer cancel()

	if _, ok := o.queryPath(stepCtx, target); !ok {
		return "", false
	}
	conn, ok := o.sendOfferAndWait(stepCtx, target, targetName)
	if !ok {
		return "", false
	}
	o.onLadderSuccess(ctx, target, conn, MethodMeshRelay)
	return MethodMeshRelay, true
}

// onLadderSuccess hands the established connection to the live-peer
// registry and records the success into M5 (last_seen, quality metrics).
func (o *Orchestrator) onLadderSuccess(ctx context.Context, target peer.ID, conn transport.Connection, method ColdStartMethod) {
	_ = method
	o.registry.Register(target, conn)

	q := peerstore.QualityUpdate{SuccessDelta: true}
	if stats, err := conn.Stats(); err == nil {
		latency := stats.LatencyMs
		q.LatencyMs = &latency
		q.Type = peerstore.ConnectionType(stats.Type)
	}
	if err := o.peers.UpdateConnectionQuality(ctx, target, q); err != nil {
		o.logger.Warn("reconnect: update connection quality failed", "peer", target, "error", err)
	}
	if err := o.peers.UpdateLastSeen(ctx, target, true); err != nil {
		o.logger.Warn("reconnect: update last seen failed", "peer", target, "error", err)
	}
}

// recordFailure increments M5's attempt counter; N successive failures with
// no prior successful connection blacklists the peer for 24h.
func (o *Orchestrator) recordFailure(ctx context.Context, target peer.ID) {
	if err := o.peers.IncrementReconnectionAttempts(ctx, target, failuresBeforeBlacklist); err != nil {
		o.logger.Warn("reconnect: increment reconnection attempts failed", "peer", target, "error", err)
	}
}

// ensurePeerRecord creates a bare PeerRecord if the target isn't already
// known to M5 — needed before any quality/attempt update, which requires an
// existing record.
func (o *Orchestrator) ensurePeerRecord(ctx context.Context, id peer.ID, displayName string) error {
	rec, err := o.peers.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec != nil {
		return nil
	}
	now := time.Now()
	return o.peers.Store(ctx, &peerstore.PeerRecord{
		PeerID:      id,
		DisplayName: displayName,
		FirstSeen:   now,
		LastSeen:    now,
	})
}

func (o *Orchestrator) setPendingState(id string, s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if pr, ok := o.pending[id]; ok {
		pr.State = s
	}
}
