package transport

import (
	"errors"
	"testing"
	"time"
)

type recordingHandler struct {
	connected bool
	data      [][]byte
	closed    bool
	errs      []error
}

func (h *recordingHandler) OnSignal(blob []byte) {}
func (h *recordingHandler) OnConnect()           { h.connected = true }
func (h *recordingHandler) OnData(d []byte)      { h.data = append(h.data, d) }
func (h *recordingHandler) OnClose()             { h.closed = true }
func (h *recordingHandler) OnError(err error)    { h.errs = append(h.errs, err) }

func TestFakeFactoryCreateAndConnect(t *testing.T) {
	f := NewFakeFactory()
	h := &recordingHandler{}
	conn, err := f.Create(true, ICEConfig{}, h)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fc := conn.(*FakeConnection)
	fc.TriggerConnect()
	if !h.connected {
		t.Fatal("expected OnConnect to fire")
	}
	stats, err := conn.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Type != CandidateHost {
		t.Fatalf("Stats.Type = %v, want host", stats.Type)
	}
}

func TestFakeFactoryFailCreate(t *testing.T) {
	f := NewFakeFactory()
	wantErr := errors.New("boom")
	f.FailNextCreate(wantErr)
	_, err := f.Create(true, ICEConfig{}, &recordingHandler{})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected injected error, got %v", err)
	}
	// Subsequent Create calls should succeed again.
	if _, err := f.Create(true, ICEConfig{}, &recordingHandler{}); err != nil {
		t.Fatalf("second Create should succeed: %v", err)
	}
}

func TestFakeConnectionCloseIsIdempotent(t *testing.T) {
	f := NewFakeFactory()
	h := &recordingHandler{}
	conn, _ := f.Create(false, ICEConfig{}, h)
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !h.closed {
		t.Fatal("expected OnClose to fire")
	}
}

func TestCacheValidityByType(t *testing.T) {
	cases := map[CandidateType]time.Duration{
		CandidateHost:  10 * time.Minute,
		CandidateSrflx: 5 * time.Minute,
		CandidateRelay: 2 * time.Minute,
		CandidatePrflx: 5 * time.Minute,
	}
	for typ, want := range cases {
		if got := CacheValidity(typ); got != want {
			t.Fatalf("CacheValidity(%v) = %v, want %v", typ, got, want)
		}
	}
}
