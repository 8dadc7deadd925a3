package reconnect

import "errors"

var (
	// errUnknownPeer is returned by LivePeerRegistry.SendEnvelope when asked
	// to send to a peer_id with no tracked connection.
	errUnknownPeer = errors.New("reconnect: unknown peer")
)
