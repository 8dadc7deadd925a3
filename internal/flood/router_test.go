package flood

import (
	"sync"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
)

// fakeSender is an in-memory PeerSender recording every send for assertions.
type fakeSender struct {
	mu    sync.Mutex
	peers []peer.ID
	sent  []sentEnvelope
	fail  map[peer.ID]bool
}

type sentEnvelope struct {
	to  peer.ID
	env *Envelope
}

func newFakeSender(peers ...peer.ID) *fakeSender {
	return &fakeSender{peers: peers, fail: make(map[peer.ID]bool)}
}

func (f *fakeSender) SendEnvelope(peerID peer.ID, env *Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[peerID] {
		return errSendFailed
	}
	f.sent = append(f.sent, sentEnvelope{to: peerID, env: env})
	return nil
}

func (f *fakeSender) GetPeerIDs() []peer.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]peer.ID, len(f.peers))
	copy(out, f.peers)
	return out
}

func (f *fakeSender) sentTo(id peer.ID) []*Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Envelope
	for _, s := range f.sent {
		if s.to == id {
			out = append(out, s.env)
		}
	}
	return out
}

type sendError string

func (e sendError) Error() string { return string(e) }

const errSendFailed = sendError("send failed")

func TestDuplicateDrop_S1(t *testing.T) {
	// Three peers A-B-C connected linearly. A emits a chat envelope; B
	// receives and forwards to C; B then receives the same msg_id again
	// from A within 5s and must drop it, so C receives only once.
	a, b, c := peer.ID("A"), peer.ID("B"), peer.ID("C")

	bSender := newFakeSender(c)
	var delivered int
	bRouter := NewRouter(b, "B", bSender, nil, nil)
	bRouter.Register(MsgChat, func(env *Envelope, from peer.ID) { delivered++ })

	env := &Envelope{
		MsgID:       "m1",
		MsgType:     MsgChat,
		SenderID:    a,
		SenderName:  "A",
		TTL:         7,
		HopCount:    0,
		Path:        []peer.ID{a},
		RoutingHint: RoutingBroadcast,
		Payload:     "hello",
	}

	bRouter.Route(env, a)
	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}
	toC := bSender.sentTo(c)
	if len(toC) != 1 {
		t.Fatalf("expected 1 forward to C, got %d", len(toC))
	}
	if toC[0].TTL != 6 || toC[0].HopCount != 1 {
		t.Fatalf("forwarded envelope has wrong ttl/hop_count: %+v", toC[0])
	}

	// Replay from A within the window.
	bRouter.Route(env, a)
	if delivered != 1 {
		t.Fatalf("duplicate must not redeliver locally, got %d deliveries", delivered)
	}
	toCAfter := bSender.sentTo(c)
	if len(toCAfter) != 1 {
		t.Fatalf("duplicate must not be forwarded again, got %d sends to C", len(toCAfter))
	}
}

func TestAtMostOnceLocalDelivery(t *testing.T) {
	self := peer.ID("self")
	sender := newFakeSender()
	r := NewRouter(self, "self", sender, nil, nil)
	var count int
	r.Register(MsgChat, func(env *Envelope, from peer.ID) { count++ })

	env := &Envelope{
		MsgID:       "dup",
		MsgType:     MsgChat,
		SenderID:    "X",
		TTL:         7,
		Path:        []peer.ID{"X"},
		RoutingHint: RoutingBroadcast,
	}
	r.Route(env, "X")
	r.Route(env, "X")
	r.Route(env, "Y")
	if count != 1 {
		t.Fatalf("handler invoked %d times, want at most once", count)
	}
}

func TestNoForwardOnExpiredTTL(t *testing.T) {
	self := peer.ID("self")
	other := peer.ID("other")
	sender := newFakeSender(other)
	r := NewRouter(self, "self", sender, nil, nil)

	env := &Envelope{
		MsgID:       "m",
		MsgType:     MsgChat,
		SenderID:    "X",
		TTL:         1,
		Path:        []peer.ID{"X"},
		RoutingHint: RoutingBroadcast,
	}
	r.Route(env, "X")
	if len(sender.sentTo(other)) != 0 {
		t.Fatal("ttl<=1 must not be forwarded")
	}
}

func TestNoForwardBeyondMaxHops(t *testing.T) {
	self := peer.ID("self")
	other := peer.ID("other")
	sender := newFakeSender(other)
	r := NewRouter(self, "self", sender, nil, nil)

	path := make([]peer.ID, MaxHops+1)
	for i := range path {
		path[i] = peer.ID(rune('a' + i))
	}
	env := &Envelope{
		MsgID:       "deep",
		MsgType:     MsgChat,
		SenderID:    path[0],
		TTL:         7,
		HopCount:    MaxHops,
		Path:        path,
		RoutingHint: RoutingBroadcast,
	}
	r.Route(env, "")
	if len(sender.sentTo(other)) != 0 {
		t.Fatal("hop_count >= max_hops must not be forwarded")
	}
}

func TestNoLoopForwarding(t *testing.T) {
	self := peer.ID("self")
	other := peer.ID("other")
	sender := newFakeSender(other)
	r := NewRouter(self, "self", sender, nil, nil)
	var delivered int
	r.Register(MsgChat, func(env *Envelope, from peer.ID) { delivered++ })

	env := &Envelope{
		MsgID:       "looped",
		MsgType:     MsgChat,
		SenderID:    "X",
		TTL:         7,
		HopCount:    1,
		Path:        []peer.ID{"X", "X"},
		RoutingHint: RoutingBroadcast,
	}
	r.Route(env, "X")
	if len(sender.sentTo(other)) != 0 {
		t.Fatal("looped path must not be forwarded")
	}
	if delivered != 0 {
		t.Fatal("looped path must be dropped before delivery")
	}
}

func TestForwardExcludesUpstreamPathAndSender(t *testing.T) {
	self := peer.ID("self")
	upstream := peer.ID("upstream")
	inPath := peer.ID("in-path")
	senderPeer := peer.ID("sender")
	fresh := peer.ID("fresh")

	sender := newFakeSender(upstream, inPath, senderPeer, fresh)
	r := NewRouter(self, "self", sender, nil, nil)

	env := &Envelope{
		MsgID:       "fwd",
		MsgType:     MsgChat,
		SenderID:    senderPeer,
		TTL:         7,
		HopCount:    1,
		Path:        []peer.ID{senderPeer, inPath},
		RoutingHint: RoutingBroadcast,
	}
	r.Route(env, upstream)

	if len(sender.sentTo(upstream)) != 0 {
		t.Error("must not forward back to upstream")
	}
	if len(sender.sentTo(inPath)) != 0 {
		t.Error("must not forward to a peer already in path")
	}
	if len(sender.sentTo(senderPeer)) != 0 {
		t.Error("must not forward to original sender")
	}
	if len(sender.sentTo(fresh)) != 1 {
		t.Error("must forward to peers not excluded")
	}
}

func TestSendFailureDoesNotAbortSiblingForwarding(t *testing.T) {
	self := peer.ID("self")
	bad := peer.ID("bad")
	good := peer.ID("good")
	sender := newFakeSender(bad, good)
	sender.fail[bad] = true
	r := NewRouter(self, "self", sender, nil, nil)

	env := &Envelope{
		MsgID:       "m",
		MsgType:     MsgChat,
		SenderID:    "X",
		TTL:         7,
		Path:        []peer.ID{"X"},
		RoutingHint: RoutingBroadcast,
	}
	r.Route(env, "")
	if len(sender.sentTo(good)) != 1 {
		t.Fatal("send failure on one peer must not prevent sends to siblings")
	}
}

func TestCreateAssignsDefaults(t *testing.T) {
	self := peer.ID("self")
	r := NewRouter(self, "self", newFakeSender(), nil, nil)

	env, err := r.Create(MsgChat, "hi", CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if env.TTL != defaultTTL {
		t.Errorf("ttl = %d, want %d", env.TTL, defaultTTL)
	}
	if env.HopCount != 0 {
		t.Errorf("hop_count = %d, want 0", env.HopCount)
	}
	if len(env.Path) != 1 || env.Path[0] != self {
		t.Errorf("path = %v, want [%s]", env.Path, self)
	}
	if env.RoutingHint != RoutingBroadcast {
		t.Errorf("routing_hint = %s, want broadcast", env.RoutingHint)
	}
}

func TestRegisterReplacesEarlierHandler(t *testing.T) {
	self := peer.ID("self")
	r := NewRouter(self, "self", newFakeSender(), nil, nil)
	var firstCalled, secondCalled bool
	r.Register(MsgChat, func(env *Envelope, from peer.ID) { firstCalled = true })
	r.Register(MsgChat, func(env *Envelope, from peer.ID) { secondCalled = true })

	env := &Envelope{MsgID: "m", MsgType: MsgChat, SenderID: "X", TTL: 7, Path: []peer.ID{"X"}, RoutingHint: RoutingBroadcast}
	r.Route(env, "")
	if firstCalled || !secondCalled {
		t.Fatal("later registration must replace the earlier one")
	}
}

func TestMalformedEnvelopeDropped(t *testing.T) {
	self := peer.ID("self")
	r := NewRouter(self, "self", newFakeSender(), nil, nil)
	var delivered int
	r.Register(MsgChat, func(env *Envelope, from peer.ID) { delivered++ })

	env := &Envelope{MsgID: "", MsgType: MsgChat, SenderID: "X", TTL: 7, Path: []peer.ID{"X"}}
	r.Route(env, "")
	if delivered != 0 {
		t.Fatal("malformed envelope must not be delivered")
	}
}
