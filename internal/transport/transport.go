// Package transport defines the WebRTC collaborator boundary. The real
// offer/answer/ICE implementation is out of scope for this module (spec.md
// §1 Non-goals); this package only defines the interface M4 drives and a
// fake implementation the module's own tests run against.
package transport

import "time"

// CandidateType classifies an ICE candidate pair, mirroring peerstore's
// ConnectionType so quality measurements line up without translation.
type CandidateType string

const (
	CandidateHost  CandidateType = "host"
	CandidateSrflx CandidateType = "srflx"
	CandidateRelay CandidateType = "relay"
	CandidatePrflx CandidateType = "prflx"
)

// Stats is the subset of a connection's selected candidate pair sufficient
// to classify connection type and observe latency, per spec.md §6.
type Stats struct {
	Type      CandidateType
	LatencyMs float64
}

// ICEConfig carries STUN/TURN server hints; opaque to this module beyond
// passing it through to the real implementation.
type ICEConfig struct {
	Servers []string
}

// EventHandler receives the five transport-lifecycle events.
type EventHandler interface {
	OnSignal(blob []byte)
	OnConnect()
	OnData(data []byte)
	OnClose()
	OnError(err error)
}

// Connection is a single peer connection's collaborator surface.
type Connection interface {
	// Signal delivers a remote offer/answer/ICE-candidate blob.
	Signal(blob []byte) error
	// Send writes a data-channel message (an encoded flood envelope) to the
	// remote peer. Valid only after OnConnect has fired.
	Send(data []byte) error
	// Stats returns the current candidate-pair classification, valid only
	// after OnConnect has fired.
	Stats() (Stats, error)
	// Close tears the connection down; idempotent.
	Close() error
}

// Factory creates Connections. The real implementation wraps a WebRTC
// peer connection; tests use the in-memory fake in fake.go.
type Factory interface {
	Create(initiator bool, cfg ICEConfig, handler EventHandler) (Connection, error)
}

// CacheValidity returns how long cached ICE data of the given type is
// considered usable for ladder step A, per spec.md §4.4.
func CacheValidity(t CandidateType) time.Duration {
	switch t {
	case CandidateHost:
		return 10 * time.Minute
	case CandidateSrflx:
		return 5 * time.Minute
	case CandidateRelay:
		return 2 * time.Minute
	default:
		return 5 * time.Minute
	}
}
