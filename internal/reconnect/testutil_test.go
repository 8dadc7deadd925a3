package reconnect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/moukrea/serverless-chat-sub000/internal/flood"
	"github.com/moukrea/serverless-chat-sub000/internal/gossip"
	"github.com/moukrea/serverless-chat-sub000/internal/meshid"
	"github.com/moukrea/serverless-chat-sub000/internal/meshkv"
	"github.com/moukrea/serverless-chat-sub000/internal/peerstore"
	"github.com/moukrea/serverless-chat-sub000/internal/transport"
)

// fakeRegistry is a minimal, map-backed ConnectionRegistry for unit tests
// that don't need LivePeerRegistry's full Send/codec plumbing.
type fakeRegistry struct {
	mu        sync.Mutex
	connected map[peer.ID]bool
	conns     map[peer.ID]transport.Connection
}

func newFakeRegistry(connected ...peer.ID) *fakeRegistry {
	m := make(map[peer.ID]bool, len(connected))
	for _, id := range connected {
		m[id] = true
	}
	return &fakeRegistry{connected: m, conns: make(map[peer.ID]transport.Connection)}
}

func (f *fakeRegistry) IsConnectedOrConnecting(id peer.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[id]
}

func (f *fakeRegistry) ConnectionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connected)
}

func (f *fakeRegistry) ConnectedPeerIDs() []peer.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]peer.ID, 0, len(f.connected))
	for id, ok := range f.connected {
		if ok {
			out = append(out, id)
		}
	}
	return out
}

func (f *fakeRegistry) Register(id peer.ID, conn transport.Connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[id] = true
	f.conns[id] = conn
}

func (f *fakeRegistry) Unregister(id peer.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.connected, id)
	delete(f.conns, id)
}

// busSender is an in-memory flood.PeerSender wiring multiple real
// flood.Router instances into an arbitrary topology: connect() records a
// directly-reachable neighbor, SendEnvelope hands the envelope straight to
// that neighbor's Router.Route. Grounded on gossip's test fakeSender,
// extended to a multi-hop bus so relay scenarios can be exercised with real
// Router instances on every hop instead of a single recording stub.
type busSender struct {
	mu    sync.Mutex
	peers map[peer.ID]*flood.Router
}

func newBusSender() *busSender {
	return &busSender{peers: make(map[peer.ID]*flood.Router)}
}

func (b *busSender) connect(id peer.ID, r *flood.Router) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers[id] = r
}

func (b *busSender) SendEnvelope(id peer.ID, env *flood.Envelope) error {
	b.mu.Lock()
	r, ok := b.peers[id]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("reconnect test bus: no route to %s", id)
	}
	from := env.SenderID
	if len(env.Path) > 0 {
		from = env.Path[len(env.Path)-1]
	}
	r.Route(env, from)
	return nil
}

func (b *busSender) GetPeerIDs() []peer.ID {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]peer.ID, 0, len(b.peers))
	for id := range b.peers {
		out = append(out, id)
	}
	return out
}

type fakeAnnouncer struct {
	mu        sync.Mutex
	announced int
	ipChanges int
}

func (f *fakeAnnouncer) Announce(ctx context.Context, reason meshid.Reason, connectedPeers []peer.ID, live []gossip.LivePeer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announced++
	return nil
}

func (f *fakeAnnouncer) AnnounceIPChange(ctx context.Context, challenge string, connectedPeers []peer.ID, live []gossip.LivePeer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ipChanges++
	return nil
}

type fakeEventSink struct {
	mu       sync.Mutex
	requests int
	lastHasSecret bool
}

func (f *fakeEventSink) EmitManualPairingRequested(pairingSecretPresent bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	f.lastHasSecret = pairingSecretPresent
}

// testNode bundles one simulated node's full collaborator set.
type testNode struct {
	id       *meshid.NodeIdentity
	peers    *peerstore.Store
	bus      *busSender
	router   *flood.Router
	registry *fakeRegistry
	factory  *transport.FakeFactory
	announcer *fakeAnnouncer
	events   *fakeEventSink
	orch     *Orchestrator
}

// newTestNode builds one node with its own identity, peerstore, router, and
// Orchestrator, wired via the given registry (nil gets a fresh fakeRegistry).
func newTestNode(t *testing.T, name string, registry *fakeRegistry) *testNode {
	t.Helper()
	ctx := context.Background()

	id, err := meshid.LoadOrCreateIdentity(ctx, meshkv.NewMemStore(), name, []byte(name+"-entropy"))
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity(%s): %v", name, err)
	}
	store, err := peerstore.Open(ctx, meshkv.NewMemStore())
	if err != nil {
		t.Fatalf("peerstore.Open(%s): %v", name, err)
	}
	if registry == nil {
		registry = newFakeRegistry()
	}
	bus := newBusSender()
	router := flood.NewRouter(id.PeerID, name, bus, slog.Default(), nil)
	announcer := &fakeAnnouncer{}
	events := &fakeEventSink{}
	factory := transport.NewFakeFactory()

	orch := New(Config{
		Self:         id,
		Peers:        store,
		Router:       router,
		Registry:     registry,
		TransportFac: factory,
		Announcer:    announcer,
		Events:       events,
		Logger:       slog.Default(),
	})

	return &testNode{
		id: id, peers: store, bus: bus, router: router, registry: registry,
		factory: factory, announcer: announcer, events: events, orch: orch,
	}
}

// link wires two nodes as direct mesh neighbors in both directions.
func link(a, b *testNode) {
	a.bus.connect(b.id.PeerID, b.router)
	b.bus.connect(a.id.PeerID, a.router)
}
