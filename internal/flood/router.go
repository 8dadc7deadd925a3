package flood

import (
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Handler is invoked at most once per (msg_id, node) pair for locally
// delivered envelopes of its registered type.
type Handler func(env *Envelope, fromPeer peer.ID)

// PeerSender is the live-peer-channel collaborator the router forwards
// through. GetPeerIDs must exclude transient/pseudo peers; the router never
// forwards to a peer it cannot address directly.
type PeerSender interface {
	SendEnvelope(peerID peer.ID, env *Envelope) error
	GetPeerIDs() []peer.ID
}

// Metrics is the narrow counter surface the router increments on drop paths;
// nil is a valid no-op implementation.
type Metrics interface {
	IncDropMalformed()
	IncDropDuplicate()
	IncDropExpired()
	IncDropLooped()
}

// Router carries typed envelopes from any local emitter to the intended
// recipient(s) via a gossip flood over live peer data channels.
type Router struct {
	self     peer.ID
	selfName string
	sender   PeerSender
	logger   *slog.Logger
	metrics  Metrics

	seen *seenCache

	mu       sync.RWMutex
	handlers map[MsgType]Handler

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRouter constructs a Router. Callers must call Start to begin the
// periodic seen-cache cleanup and Stop to release it; construction alone
// starts no ambient timers, per the explicit lifecycle-methods convention.
func NewRouter(self peer.ID, selfName string, sender PeerSender, logger *slog.Logger, metrics Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		self:     self,
		selfName: selfName,
		sender:   sender,
		logger:   logger,
		metrics:  metrics,
		seen:     newSeenCache(),
		handlers: make(map[MsgType]Handler),
		stopCh:   make(chan struct{}),
	}
}

// Register binds a handler to a message type. At most one handler exists
// per type; later registrations replace earlier ones.
func (r *Router) Register(msgType MsgType, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = handler
}

// Create assembles a new envelope originated locally.
func (r *Router) Create(msgType MsgType, payload any, opts CreateOptions) (*Envelope, error) {
	id, err := newMsgID(r.self)
	if err != nil {
		return nil, err
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}
	hint := opts.RoutingHint
	if hint == "" {
		hint = RoutingBroadcast
	}
	return &Envelope{
		MsgID:        id,
		MsgType:      msgType,
		SenderID:     r.self,
		SenderName:   r.selfName,
		Timestamp:    time.Now().UnixMilli(),
		TTL:          ttl,
		HopCount:     0,
		Path:         []peer.ID{r.self},
		TargetPeerID: opts.TargetPeerID,
		RoutingHint:  hint,
		Payload:      payload,
	}, nil
}

// Route is the idempotent ingestion entry point: validate, dedup, bound,
// deliver, forward. fromPeerID is empty for locally originated envelopes.
func (r *Router) Route(env *Envelope, fromPeerID peer.ID) {
	now := time.Now()

	if err := validateShape(env); err != nil {
		r.logger.Debug("flood: dropping malformed envelope", "error", err)
		r.incDropMalformed()
		return
	}

	if r.seen.checkAndRecord(env.MsgID, fromPeerID, env.HopCount, now) {
		r.logger.Debug("flood: dropping duplicate envelope", "msg_id", env.MsgID, "from", fromPeerID)
		r.incDropDuplicate()
		return
	}

	if env.TTL <= 0 || env.HopCount >= MaxHops {
		r.logger.Debug("flood: dropping expired envelope", "msg_id", env.MsgID, "ttl", env.TTL, "hop_count", env.HopCount)
		r.incDropExpired()
		return
	}

	if pathHasLoop(env.Path) {
		r.logger.Debug("flood: dropping looped envelope", "msg_id", env.MsgID)
		r.incDropLooped()
		return
	}

	r.deliverLocal(env, fromPeerID)
	r.forward(env, fromPeerID)
}

func (r *Router) deliverLocal(env *Envelope, fromPeerID peer.ID) {
	deliver := env.TargetPeerID == r.self ||
		(env.TargetPeerID == "" && env.RoutingHint == RoutingBroadcast) ||
		env.MsgType == MsgChat
	if !deliver {
		return
	}

	r.mu.RLock()
	handler := r.handlers[env.MsgType]
	r.mu.RUnlock()
	if handler == nil {
		return
	}
	handler(env, fromPeerID)
}

func (r *Router) forward(env *Envelope, fromPeerID peer.ID) {
	if env.TTL <= 1 {
		return
	}
	if env.TargetPeerID != "" && env.TargetPeerID == r.self {
		return
	}

	excluded := make(map[peer.ID]struct{}, len(env.Path)+2)
	for _, p := range env.Path {
		excluded[p] = struct{}{}
	}
	excluded[fromPeerID] = struct{}{}
	excluded[env.SenderID] = struct{}{}

	// A locally originated envelope (fromPeerID == "") is being sent to its
	// first hop, not relayed after arriving from a peer: path and hop_count
	// already record the origin via Create and must not gain a second entry
	// for r.self, which here IS the origin. Only a genuine relay (fromPeerID
	// set) advances hop_count and appends r.self to path.
	hopCount := env.HopCount
	path := env.Path
	if fromPeerID != "" {
		hopCount = env.HopCount + 1
		path = append(append([]peer.ID{}, env.Path...), r.self)
	}

	next := &Envelope{
		MsgID:        env.MsgID,
		MsgType:      env.MsgType,
		SenderID:     env.SenderID,
		SenderName:   env.SenderName,
		Timestamp:    env.Timestamp,
		TTL:          env.TTL - 1,
		HopCount:     hopCount,
		Path:         path,
		TargetPeerID: env.TargetPeerID,
		RoutingHint:  env.RoutingHint,
		Payload:      env.Payload,
	}

	for _, p := range r.sender.GetPeerIDs() {
		if _, skip := excluded[p]; skip {
			continue
		}
		if err := r.sender.SendEnvelope(p, next); err != nil {
			// A transient failure on one channel is not a system fault;
			// forwarding continues to the remaining siblings.
			r.logger.Warn("flood: send failed, continuing to siblings", "peer", p, "error", err)
		}
	}
}

// Send is a direct single-recipient send, bypassing the forward fan-out —
// used by callers that already hold a specific peer_channel (e.g. a targeted
// path_response).
func (r *Router) Send(env *Envelope, peerID peer.ID) error {
	return r.sender.SendEnvelope(peerID, env)
}

// Start begins the periodic seen-cache cleanup task.
func (r *Router) Start() {
	r.wg.Add(1)
	go r.cleanupLoop()
}

// Stop halts the cleanup task and waits for it to exit.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Router) cleanupLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(seenCacheCleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.seen.cleanup(time.Now())
		}
	}
}

func (r *Router) SeenCacheSize() int { return r.seen.size() }

func (r *Router) incDropMalformed() {
	if r.metrics != nil {
		r.metrics.IncDropMalformed()
	}
}
func (r *Router) incDropDuplicate() {
	if r.metrics != nil {
		r.metrics.IncDropDuplicate()
	}
}
func (r *Router) incDropExpired() {
	if r.metrics != nil {
		r.metrics.IncDropExpired()
	}
}
func (r *Router) incDropLooped() {
	if r.metrics != nil {
		r.metrics.IncDropLooped()
	}
}
