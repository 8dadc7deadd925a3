package transport

import (
	"errors"
	"sync"
)

var errClosedConnection = errors.New("transport: connection closed")

// FakeFactory is an in-memory Factory: Create returns a FakeConnection that
// never actually connects anywhere. Tests manually drive OnConnect/OnData/
// OnClose via the returned connection's exported trigger methods, or pair
// two fakes together with Link.
type FakeFactory struct {
	mu          sync.Mutex
	connections []*FakeConnection
	stats       Stats
	failCreate  error
}

// NewFakeFactory builds a fake factory. Connections it creates report a
// host candidate with 20ms latency until overridden with SetStats.
func NewFakeFactory() *FakeFactory {
	return &FakeFactory{stats: Stats{Type: CandidateHost, LatencyMs: 20}}
}

// SetStats changes what subsequently-created connections report.
func (f *FakeFactory) SetStats(s Stats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = s
}

// FailNextCreate makes the next Create call return err instead of a
// connection, for exercising error paths.
func (f *FakeFactory) FailNextCreate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCreate = err
}

func (f *FakeFactory) Create(initiator bool, cfg ICEConfig, handler EventHandler) (Connection, error) {
	f.mu.Lock()
	if f.failCreate != nil {
		err := f.failCreate
		f.failCreate = nil
		f.mu.Unlock()
		return nil, err
	}
	stats := f.stats
	f.mu.Unlock()

	conn := &FakeConnection{
		initiator: initiator,
		handler:   handler,
		stats:     stats,
	}
	f.mu.Lock()
	f.connections = append(f.connections, conn)
	f.mu.Unlock()
	return conn, nil
}

// Connections returns every connection created so far, for assertions.
func (f *FakeFactory) Connections() []*FakeConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeConnection{}, f.connections...)
}

// FakeConnection is a no-op Connection whose lifecycle tests drive directly.
type FakeConnection struct {
	mu        sync.Mutex
	initiator bool
	handler   EventHandler
	stats     Stats
	closed    bool
	signals   [][]byte
	peer      *FakeConnection
	sent      [][]byte
}

func (c *FakeConnection) Signal(blob []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = append(c.signals, blob)
	return nil
}

// Send records the message and, if this connection was paired via Link,
// delivers it to the peer's OnData handler synchronously.
func (c *FakeConnection) Send(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosedConnection
	}
	c.sent = append(c.sent, data)
	peer := c.peer
	c.mu.Unlock()

	if peer != nil {
		peer.mu.Lock()
		h := peer.handler
		peer.mu.Unlock()
		if h != nil {
			h.OnData(data)
		}
	}
	return nil
}

// Sent returns every message passed to Send so far, for assertions.
func (c *FakeConnection) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte{}, c.sent...)
}

func (c *FakeConnection) Stats() (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats, nil
}

func (c *FakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.handler != nil {
		c.handler.OnClose()
	}
	return nil
}

// TriggerConnect fires the OnConnect event, simulating a completed handshake.
func (c *FakeConnection) TriggerConnect() {
	if c.handler != nil {
		c.handler.OnConnect()
	}
}

// TriggerData fires the OnData event with the given payload.
func (c *FakeConnection) TriggerData(data []byte) {
	if c.handler != nil {
		c.handler.OnData(data)
	}
}

// TriggerError fires the OnError event.
func (c *FakeConnection) TriggerError(err error) {
	if c.handler != nil {
		c.handler.OnError(err)
	}
}

// Signals returns every blob passed to Signal so far.
func (c *FakeConnection) Signals() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte{}, c.signals...)
}

// Link connects two fakes so OnConnect fires on both and Send on one
// delivers to the other's OnData — enough to drive ladder-step integration
// tests without a real transport. Signal is never auto-delivered; offer and
// answer blobs stay opaque passthrough data for callers that need it.
func Link(a, b *FakeConnection) {
	a.mu.Lock()
	a.peer = b
	aHandler := a.handler
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	bHandler := b.handler
	b.mu.Unlock()
	if aHandler != nil {
		aHandler.OnConnect()
	}
	if bHandler != nil {
		bHandler.OnConnect()
	}
}
