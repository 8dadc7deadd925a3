package flood

import (
	"encoding/json"
	"reflect"

	"github.com/libp2p/go-libp2p/core/peer"
)

// payloadSpec pairs a payload constructor with whether callers store the
// pointer or the dereferenced value in Envelope.Payload — the two existing
// conventions in this module (gossip keeps *meshid.Announcement, reconnect's
// message types are plain values), so Decode must match either.
type payloadSpec struct {
	newPtr      func() any
	keepPointer bool
}

// payloadFactories maps a registered MsgType to how to decode its payload,
// so Decode can reconstruct the same Go type Create was given rather than a
// generic map[string]interface{}. Populated by RegisterPayloadType at
// package-init time from the packages that own each payload type (gossip,
// reconnect), keeping flood itself ignorant of their concrete shapes.
var payloadFactories = map[MsgType]payloadSpec{}

// RegisterPayloadType tells the envelope codec how to decode payload for
// msgType: newPtr must return a pointer to a zero value of the payload
// struct. Set keepPointer true if the package stores *T in Envelope.Payload
// (as gossip does for *meshid.Announcement); false if it stores T by value.
// Call from an init() in the package that owns the payload type.
func RegisterPayloadType(msgType MsgType, newPtr func() any, keepPointer bool) {
	payloadFactories[msgType] = payloadSpec{newPtr: newPtr, keepPointer: keepPointer}
}

// wireEnvelope mirrors Envelope field-for-field except Payload, which is
// kept as raw JSON until MsgType tells Decode how to interpret it.
type wireEnvelope struct {
	MsgID        string          `json:"msg_id"`
	MsgType      MsgType         `json:"msg_type"`
	SenderID     peer.ID         `json:"sender_id"`
	SenderName   string          `json:"sender_name"`
	Timestamp    int64           `json:"timestamp"`
	TTL          int             `json:"ttl"`
	HopCount     int             `json:"hop_count"`
	Path         []peer.ID       `json:"path"`
	TargetPeerID peer.ID         `json:"target_peer_id,omitempty"`
	RoutingHint  RoutingHint     `json:"routing_hint"`
	Payload      json.RawMessage `json:"payload"`
}

// Encode renders an envelope to its JSON wire form, per spec.md §6.
func Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses the JSON wire form back into an Envelope. If a payload
// factory was registered for the envelope's msg_type, Payload is decoded
// into that concrete type (a pointer if the type was registered with
// keepPointer, otherwise the dereferenced value); otherwise Payload is left as a json.RawMessage for the caller to handle.
func Decode(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	env := &Envelope{
		MsgID:        w.MsgID,
		MsgType:      w.MsgType,
		SenderID:     w.SenderID,
		SenderName:   w.SenderName,
		Timestamp:    w.Timestamp,
		TTL:          w.TTL,
		HopCount:     w.HopCount,
		Path:         w.Path,
		TargetPeerID: w.TargetPeerID,
		RoutingHint:  w.RoutingHint,
	}

	spec, ok := payloadFactories[env.MsgType]
	if !ok || len(w.Payload) == 0 {
		env.Payload = w.Payload
		return env, nil
	}
	p := spec.newPtr()
	if err := json.Unmarshal(w.Payload, p); err != nil {
		return nil, err
	}
	if spec.keepPointer {
		env.Payload = p
	} else {
		env.Payload = derefPointer(p)
	}
	return env, nil
}

// derefPointer turns the *T a factory returns into a T value, so payload
// type assertions (env.Payload.(T)) match what Router.Create stores for
// locally-constructed envelopes.
func derefPointer(p any) any {
	v := reflect.ValueOf(p)
	if v.Kind() == reflect.Ptr {
		return v.Elem().Interface()
	}
	return p
}
