package reconnect

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/moukrea/serverless-chat-sub000/internal/flood"
	"github.com/moukrea/serverless-chat-sub000/internal/gossip"
	"github.com/moukrea/serverless-chat-sub000/internal/transport"
)

// queryPath emits a broadcast path_query and collects path_response replies
// for up to 5s, returning the first relay peer_id that answered.
func (o *Orchestrator) queryPath(ctx context.Context, target peer.ID) (peer.ID, bool) {
	queryID := newQueryID()
	qs := &PathQueryState{QueryID: queryID, TargetPeerID: target, StartTime: time.Now()}
	o.mu.Lock()
	o.queries[queryID] = qs
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.queries, queryID)
		o.mu.Unlock()
	}()

	env, err := o.router.Create(flood.MsgPathQuery, PathQuery{QueryID: queryID, TargetPeerID: target},
		flood.CreateOptions{TTL: 7, RoutingHint: flood.RoutingBroadcast})
	if err != nil {
		return "", false
	}
	o.router.Route(env, "")

	select {
	case <-ctx.Done():
	case <-time.After(pathQueryCollectWindow):
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if len(qs.Responses) == 0 {
		return "", false
	}
	return qs.Responses[0].RelayPeerID, true
}

// handlePathQuery answers a path_query iff this node currently has the
// requested target in its live-peer set.
func (o *Orchestrator) handlePathQuery(env *flood.Envelope, fromPeer peer.ID) {
	q, ok := env.Payload.(PathQuery)
	if !ok {
		return
	}
	if q.TargetPeerID == o.self.PeerID {
		return
	}
	if !o.registry.IsConnectedOrConnecting(q.TargetPeerID) {
		return
	}
	resp := PathResponse{QueryID: q.QueryID, RelayPeerID: o.self.PeerID, HopCount: env.HopCount}
	respEnv, err := o.router.Create(flood.MsgPathResponse, resp,
		flood.CreateOptions{TTL: 10, TargetPeerID: env.SenderID, RoutingHint: flood.RoutingRelay})
	if err != nil {
		return
	}
	o.router.Route(respEnv, "")
}

// handlePathResponse records a reply against its in-flight query. Responses
// for an unknown or already-expired query_id are discarded.
func (o *Orchestrator) handlePathResponse(env *flood.Envelope, fromPeer peer.ID) {
	resp, ok := env.Payload.(PathResponse)
	if !ok {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	qs, ok := o.queries[resp.QueryID]
	if !ok {
		return
	}
	qs.Responses = append(qs.Responses, PathResponseEntry{
		RelayPeerID: resp.RelayPeerID,
		HopCount:    resp.HopCount,
		WallTime:    time.Now(),
	})
}

// sendOfferAndWait creates a local offer, emits reconnect_offer relay-routed
// at the target, and blocks until the transport reports connected, the
// target rejects, or the deadline expires.
func (o *Orchestrator) sendOfferAndWait(ctx context.Context, target peer.ID, targetName string) (transport.Connection, bool) {
	handler := newLadderHandler(o, target)
	conn, err := o.factory.Create(true, transport.ICEConfig{}, handler)
	if err != nil {
		return nil, false
	}

	reconnectID := newReconnectID()
	pr := &PendingReconnect{
		ReconnectID:     reconnectID,
		TargetPeerID:    target,
		TargetName:      targetName,
		State:           StateSendingOffer,
		Transport:       conn,
		StartTime:       time.Now(),
		TimeoutDeadline: time.Now().Add(ladderStepBTimeout),
		notify:          make(chan RejectionReason, 1),
	}
	o.mu.Lock()
	o.pending[reconnectID] = pr
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.pending, reconnectID)
		o.mu.Unlock()
	}()

	offerBlob := handler.localSignal(ctx, ladderSignalWaitTimeout)
	offer := ReconnectOffer{
		ReconnectID:   reconnectID,
		OfferBlob:     offerBlob,
		RequesterID:   o.self.PeerID,
		RequesterName: o.self.DisplayName,
		Timestamp:     time.Now().UnixMilli(),
	}
	env, err := o.router.Create(flood.MsgReconnectOffer, offer,
		flood.CreateOptions{TTL: 10, TargetPeerID: target, RoutingHint: flood.RoutingRelay})
	if err != nil {
		conn.Close()
		return nil, false
	}
	o.router.Route(env, "")
	o.setPendingState(reconnectID, StateWaitingAnswer)

	select {
	case <-handler.connectCh:
		o.setPendingState(reconnectID, StateConnected)
		return conn, true
	case <-pr.notify:
		conn.Close()
		return nil, false
	case <-handler.errCh:
		conn.Close()
		return nil, false
	case <-ctx.Done():
		conn.Close()
		return nil, false
	}
}

// shouldAcceptReconnection implements §4.4's should_accept_reconnection:
// rejects self, already-connected, and blacklisted requesters outright;
// otherwise defers to the same lexicographic tie-break as §4.3
// (gossip.ShouldAcceptCollision), reporting collision_detected specifically
// when this node also has its own in-flight offer to the same requester.
func (o *Orchestrator) shouldAcceptReconnection(requester peer.ID) (bool, RejectionReason) {
	if requester == o.self.PeerID {
		return false, RejectDeclined
	}
	if o.registry.IsConnectedOrConnecting(requester) {
		return false, RejectAlreadyConnected
	}
	if o.isBlacklisted(requester) {
		return false, RejectDeclined
	}

	collision := o.hasPendingOfferTo(requester)
	if !gossip.ShouldAcceptCollision(o.self.PeerID, requester) {
		if collision {
			return false, RejectCollisionDetected
		}
		return false, RejectDeclined
	}
	if collision {
		o.destroyPendingOfferTo(requester)
	}
	return true, ""
}

func (o *Orchestrator) isBlacklisted(id peer.ID) bool {
	rec, err := o.peers.Get(context.Background(), id)
	if err != nil || rec == nil {
		return false
	}
	return rec.IsBlacklisted(time.Now())
}

func (o *Orchestrator) hasPendingOfferTo(id peer.ID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.pending {
		if p.TargetPeerID == id && (p.State == StateSendingOffer || p.State == StateWaitingAnswer) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) destroyPendingOfferTo(id peer.ID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for rid, p := range o.pending {
		if p.TargetPeerID == id && (p.State == StateSendingOffer || p.State == StateWaitingAnswer) {
			if p.Transport != nil {
				p.Transport.Close()
			}
			if p.notify != nil {
				select {
				case p.notify <- RejectCollisionDetected:
				default:
				}
			}
			delete(o.pending, rid)
		}
	}
}

// handleReconnectOffer is the target's inbound half of ladder step B.
func (o *Orchestrator) handleReconnectOffer(env *flood.Envelope, fromPeer peer.ID) {
	offer, ok := env.Payload.(ReconnectOffer)
	if !ok {
		return
	}

	accept, reason := o.shouldAcceptReconnection(offer.RequesterID)
	if !accept {
		o.rejectOffer(offer, reason)
		return
	}

	if err := o.ensurePeerRecord(context.Background(), offer.RequesterID, offer.RequesterName); err != nil {
		o.logger.Warn("reconnect: ensure peer record failed", "peer", offer.RequesterID, "error", err)
	}

	handler := newLadderHandler(o, offer.RequesterID)
	conn, err := o.factory.Create(false, transport.ICEConfig{}, handler)
	if err != nil {
		o.rejectOffer(offer, RejectError)
		return
	}
	if err := conn.Signal(offer.OfferBlob); err != nil {
		conn.Close()
		o.rejectOffer(offer, RejectError)
		return
	}

	pr := &PendingReconnect{
		ReconnectID:     offer.ReconnectID,
		TargetPeerID:    offer.RequesterID,
		TargetName:      offer.RequesterName,
		State:           StateConnecting,
		Transport:       conn,
		StartTime:       time.Now(),
		TimeoutDeadline: time.Now().Add(ladderStepBTimeout),
	}
	o.mu.Lock()
	o.pending[offer.ReconnectID] = pr
	o.mu.Unlock()

	go o.awaitResponderConnect(offer, conn, handler)

	answerBlob := handler.localSignal(context.Background(), ladderSignalWaitTimeout)
	answer := ReconnectAnswer{ReconnectID: offer.ReconnectID, AnswerBlob: answerBlob}
	answerEnv, err := o.router.Create(flood.MsgReconnectAnswer, answer,
		flood.CreateOptions{TTL: 10, TargetPeerID: offer.RequesterID, RoutingHint: flood.RoutingRelay})
	if err != nil {
		return
	}
	o.router.Route(answerEnv, "")
}

func (o *Orchestrator) awaitResponderConnect(offer ReconnectOffer, conn transport.Connection, handler *ladderHandler) {
	deadline := time.NewTimer(ladderStepBTimeout)
	defer deadline.Stop()
	select {
	case <-handler.connectCh:
		o.onLadderSuccess(context.Background(), offer.RequesterID, conn, MethodMeshRelay)
	case <-handler.errCh:
		conn.Close()
		o.recordFailure(context.Background(), offer.RequesterID)
	case <-deadline.C:
		conn.Close()
		o.recordFailure(context.Background(), offer.RequesterID)
	}
	o.mu.Lock()
	delete(o.pending, offer.ReconnectID)
	o.mu.Unlock()
}

func (o *Orchestrator) rejectOffer(offer ReconnectOffer, reason RejectionReason) {
	rej := ReconnectRejection{ReconnectID: offer.ReconnectID, Reason: reason}
	env, err := o.router.Create(flood.MsgReconnectRejection, rej,
		flood.CreateOptions{TTL: 10, TargetPeerID: offer.RequesterID, RoutingHint: flood.RoutingRelay})
	if err != nil {
		return
	}
	o.router.Route(env, "")
}

// handleReconnectAnswer is the requester's inbound half of ladder step B:
// signal the answer blob into the local offerer connection and wait for
// the transport's own OnConnect to resolve sendOfferAndWait.
func (o *Orchestrator) handleReconnectAnswer(env *flood.Envelope, fromPeer peer.ID) {
	ans, ok := env.Payload.(ReconnectAnswer)
	if !ok {
		return
	}
	o.mu.Lock()
	pr, ok := o.pending[ans.ReconnectID]
	o.mu.Unlock()
	if !ok {
		return
	}
	if pr.Transport != nil {
		if err := pr.Transport.Signal(ans.AnswerBlob); err != nil {
			o.logger.Warn("reconnect: signal answer failed", "reconnect_id", ans.ReconnectID, "error", err)
		}
	}
	o.setPendingState(ans.ReconnectID, StateConnecting)
}

// handleReconnectRejection wakes a blocked sendOfferAndWait call for the
// rejected reconnect_id.
func (o *Orchestrator) handleReconnectRejection(env *flood.Envelope, fromPeer peer.ID) {
	rej, ok := env.Payload.(ReconnectRejection)
	if !ok {
		return
	}
	o.mu.Lock()
	pr, ok := o.pending[rej.ReconnectID]
	if ok {
		pr.State = StateRejected
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	if pr.notify != nil {
		select {
		case pr.notify <- rej.Reason:
		default:
		}
	}
}
