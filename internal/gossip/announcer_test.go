package gossip

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/moukrea/serverless-chat-sub000/internal/flood"
	"github.com/moukrea/serverless-chat-sub000/internal/meshid"
	"github.com/moukrea/serverless-chat-sub000/internal/meshkv"
)

type fakeSender struct {
	mu   sync.Mutex
	sent map[peer.ID][]*flood.Envelope
	live []peer.ID
}

func newFakeSender(live ...peer.ID) *fakeSender {
	return &fakeSender{sent: make(map[peer.ID][]*flood.Envelope), live: live}
}

func (f *fakeSender) SendEnvelope(id peer.ID, env *flood.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[id] = append(f.sent[id], env)
	return nil
}

func (f *fakeSender) GetPeerIDs() []peer.ID { return f.live }

type fakeConnState struct {
	connected map[peer.ID]bool
	count     int
}

func (f *fakeConnState) IsConnectedOrConnecting(id peer.ID) bool { return f.connected[id] }
func (f *fakeConnState) ConnectionCount() int                    { return f.count }

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []peer.ID
}

func (f *fakeScheduler) ScheduleReconnect(id peer.ID, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, id)
}

func (f *fakeScheduler) wasScheduled(id peer.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.scheduled {
		if p == id {
			return true
		}
	}
	return false
}

type noBlacklist struct{}

func (noBlacklist) IsBlacklisted(peer.ID, time.Time) bool { return false }

type testRig struct {
	announcer *Announcer
	self      *meshid.NodeIdentity
	trust     *meshid.TrustStore
	sched     *fakeScheduler
	sender    *fakeSender
	router    *flood.Router
}

func newTestRig(t *testing.T, name string, live ...peer.ID) *testRig {
	t.Helper()
	ctx := context.Background()

	self, err := meshid.LoadOrCreateIdentity(ctx, meshkv.NewMemStore(), name, []byte(name+"-entropy"))
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	trust, err := meshid.LoadTrustStore(ctx, meshkv.NewMemStore(), meshid.DeriveStorageKey([]byte("shared-trust")))
	if err != nil {
		t.Fatalf("load trust store: %v", err)
	}

	sender := newFakeSender(live...)
	router := flood.NewRouter(self.PeerID, name, sender, slog.Default(), nil)

	sched := &fakeScheduler{}
	a := New(Config{
		Self:        self,
		Trust:       trust,
		Nonces:      meshid.NewNonceCache(),
		Router:      router,
		Connections: &fakeConnState{connected: map[peer.ID]bool{}},
		Scheduler:   sched,
		Blacklist:   noBlacklist{},
	})

	return &testRig{announcer: a, self: self, trust: trust, sched: sched, sender: sender, router: router}
}

func pinRigPeer(t *testing.T, ts *meshid.TrustStore, id *meshid.NodeIdentity) {
	t.Helper()
	pub, err := id.SignPublicKeyBytes()
	if err != nil {
		t.Fatalf("pubkey: %v", err)
	}
	if err := ts.AddTrusted(context.Background(), id.PeerID, pub, id.Algorithm); err != nil {
		t.Fatalf("pin: %v", err)
	}
}

// newOrderedPeer creates an identity whose peer_id sorts above self when
// higher is true, or below it otherwise. Peer IDs come from freshly
// generated keys, so the display name does not decide the ordering.
func newOrderedPeer(t *testing.T, self peer.ID, name string, higher bool) *meshid.NodeIdentity {
	t.Helper()
	for {
		id, err := meshid.LoadOrCreateIdentity(context.Background(), meshkv.NewMemStore(), name, []byte(name+"-entropy"))
		if err != nil {
			t.Fatalf("create other identity: %v", err)
		}
		if (id.PeerID > self) == higher {
			return id
		}
	}
}

func TestAnnounceBroadcastsThroughRouter(t *testing.T) {
	rig := newTestRig(t, "alice", "peerB")
	if err := rig.announcer.Announce(context.Background(), meshid.ReasonPeriodic, nil, nil); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	sent := rig.sender.sent["peerB"]
	if len(sent) != 1 {
		t.Fatalf("expected 1 envelope sent to live peer, got %d", len(sent))
	}
	if sent[0].MsgType != flood.MsgPeerAnnouncement {
		t.Fatalf("MsgType = %v, want peer_announcement", sent[0].MsgType)
	}
	if sent[0].TTL != announceTTL-1 {
		t.Fatalf("TTL after one forward hop = %d, want %d", sent[0].TTL, announceTTL-1)
	}
}

func TestAnnounceIPChangeUsesLongerTTL(t *testing.T) {
	rig := newTestRig(t, "alice", "peerB")
	if err := rig.announcer.AnnounceIPChange(context.Background(), "challenge-1", nil, nil); err != nil {
		t.Fatalf("AnnounceIPChange: %v", err)
	}
	sent := rig.sender.sent["peerB"]
	if len(sent) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(sent))
	}
	if sent[0].MsgType != flood.MsgIPChangeAnnounce {
		t.Fatalf("MsgType = %v, want ip_change_announcement", sent[0].MsgType)
	}
	if sent[0].TTL != ipChangeAnnounceTTL-1 {
		t.Fatalf("TTL after one forward hop = %d, want %d", sent[0].TTL, ipChangeAnnounceTTL-1)
	}
}

func TestInboundAnnouncementFromSelfIsDropped(t *testing.T) {
	rig := newTestRig(t, "alice")
	ann, err := rig.self.CreateAnnouncement(context.Background(), meshid.Extras{Reason: meshid.ReasonPeriodic})
	if err != nil {
		t.Fatalf("CreateAnnouncement: %v", err)
	}
	env := &flood.Envelope{MsgID: "m1", MsgType: flood.MsgPeerAnnouncement, SenderID: rig.self.PeerID, TTL: 5, Path: []peer.ID{rig.self.PeerID}, RoutingHint: flood.RoutingBroadcast, Payload: ann}
	rig.router.Route(env, "")
	if rig.sched.wasScheduled(rig.self.PeerID) {
		t.Fatal("must never schedule a reconnection to self")
	}
}

// TestInboundAnnouncementSchedulesReconnectionWhenLowerID is the integration
// form of scenario S2's lower-half: a verified announcement from a
// higher-sorting peer_id causes the lower-sorting side to schedule.
func TestInboundAnnouncementSchedulesReconnectionWhenLowerID(t *testing.T) {
	rig := newTestRig(t, "AAA")
	other := newOrderedPeer(t, rig.self.PeerID, "ZZZ", true)
	pinRigPeer(t, rig.trust, other)

	ann, err := other.CreateAnnouncement(context.Background(), meshid.Extras{Reason: meshid.ReasonRejoin})
	if err != nil {
		t.Fatalf("CreateAnnouncement: %v", err)
	}
	env := &flood.Envelope{MsgID: "m1", MsgType: flood.MsgPeerAnnouncement, SenderID: other.PeerID, TTL: 5, Path: []peer.ID{other.PeerID}, RoutingHint: flood.RoutingBroadcast, Payload: ann}
	rig.router.Route(env, "")

	deadline := time.Now().Add(time.Second)
	for !rig.sched.wasScheduled(other.PeerID) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !rig.sched.wasScheduled(other.PeerID) {
		t.Fatal("expected lower peer_id side to schedule a reconnection")
	}
}

func TestInboundAnnouncementDoesNotScheduleWhenHigherID(t *testing.T) {
	rig := newTestRig(t, "ZZZ")
	other := newOrderedPeer(t, rig.self.PeerID, "AAA", false)
	pinRigPeer(t, rig.trust, other)

	ann, err := other.CreateAnnouncement(context.Background(), meshid.Extras{Reason: meshid.ReasonRejoin})
	if err != nil {
		t.Fatalf("CreateAnnouncement: %v", err)
	}
	env := &flood.Envelope{MsgID: "m1", MsgType: flood.MsgPeerAnnouncement, SenderID: other.PeerID, TTL: 5, Path: []peer.ID{other.PeerID}, RoutingHint: flood.RoutingBroadcast, Payload: ann}
	rig.router.Route(env, "")

	time.Sleep(20 * time.Millisecond)
	if rig.sched.wasScheduled(other.PeerID) {
		t.Fatal("higher peer_id side must not initiate")
	}
}

func TestInboundAnnouncementRespectsCooldown(t *testing.T) {
	rig := newTestRig(t, "AAA")
	other := newOrderedPeer(t, rig.self.PeerID, "ZZZ", true)
	pinRigPeer(t, rig.trust, other)

	rig.announcer.markAttempted(other.PeerID)

	ann, _ := other.CreateAnnouncement(context.Background(), meshid.Extras{Reason: meshid.ReasonRejoin})
	env := &flood.Envelope{MsgID: "m1", MsgType: flood.MsgPeerAnnouncement, SenderID: other.PeerID, TTL: 5, Path: []peer.ID{other.PeerID}, RoutingHint: flood.RoutingBroadcast, Payload: ann}
	rig.router.Route(env, "")

	time.Sleep(20 * time.Millisecond)
	if rig.sched.wasScheduled(other.PeerID) {
		t.Fatal("a reconnection attempted within the last 60s must not be rescheduled")
	}
}

func TestDuplicateAnnouncementProcessedOnce(t *testing.T) {
	rig := newTestRig(t, "AAA")
	other, err := meshid.LoadOrCreateIdentity(context.Background(), meshkv.NewMemStore(), "ZZZ", []byte("zzz-entropy"))
	if err != nil {
		t.Fatalf("create other identity: %v", err)
	}
	pinRigPeer(t, rig.trust, other)

	ann, _ := other.CreateAnnouncement(context.Background(), meshid.Extras{Reason: meshid.ReasonRejoin})
	if rig.announcer.isDuplicate(ann) {
		t.Fatal("first sight must not be a duplicate")
	}
	if !rig.announcer.isDuplicate(ann) {
		t.Fatal("second sight of the same signature must be a duplicate")
	}
}
