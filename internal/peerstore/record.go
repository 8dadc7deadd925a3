// Package peerstore implements M5: durable, encrypted, queryable storage of
// PeerRecords with connection quality metrics, priority scoring, blacklist,
// and retention.
package peerstore

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// ConnectionType is the closed set of ICE candidate classes.
type ConnectionType string

const (
	ConnTypeHost  ConnectionType = "host"
	ConnTypeSrflx ConnectionType = "srflx"
	ConnTypeRelay ConnectionType = "relay"
	ConnTypePrflx ConnectionType = "prflx"
)

// ConnectionQuality tracks the measured behavior of a peer's connections.
type ConnectionQuality struct {
	LatencyMs            *float64       `json:"latency_ms,omitempty"`
	SuccessRate          float64        `json:"success_rate"`
	Type                 ConnectionType `json:"type,omitempty"`
	LastMeasured         time.Time      `json:"last_measured"`
	TotalConnections     int            `json:"total_connections"`
	SuccessfulConnections int           `json:"successful_connections"`
	AvgUptimeS           float64        `json:"avg_uptime_s"`
}

// ICECandidate is a cached candidate-pair hint, used by ladder step A to
// rehydrate a connection without fresh signalling.
type ICECandidate struct {
	Type      ConnectionType `json:"type"`
	Address   string         `json:"address"`
	CachedAt  time.Time      `json:"cached_at"`
}

// PeerRecord is the per-peer persisted record M5 exclusively owns on disk.
type PeerRecord struct {
	PeerID               peer.ID           `json:"peer_id"`
	DisplayName          string            `json:"display_name"`
	FirstSeen            time.Time         `json:"first_seen"`
	LastSeen             time.Time         `json:"last_seen"`
	LastConnected        time.Time         `json:"last_connected"`
	PublicKey            []byte            `json:"public_key"`
	EncryptedSharedSecret []byte           `json:"encrypted_shared_secret,omitempty"`
	LastKnownAddress     string            `json:"last_known_address,omitempty"`
	CachedICECandidates  []ICECandidate    `json:"cached_ice_candidates"`
	Quality              ConnectionQuality `json:"connection_quality"`
	ReconnectionAttempts int               `json:"reconnection_attempts"`
	BlacklistUntil       *time.Time        `json:"blacklist_until,omitempty"`
	SchemaVersion        string            `json:"schema_version"`
}

// IsBlacklisted reports whether the record is currently blacklisted as of now.
func (r *PeerRecord) IsBlacklisted(now time.Time) bool {
	return r.BlacklistUntil != nil && r.BlacklistUntil.After(now)
}

// clone returns a deep-enough copy so callers can't mutate store-internal
// state through a returned record.
func (r *PeerRecord) clone() *PeerRecord {
	cp := *r
	cp.PublicKey = append([]byte{}, r.PublicKey...)
	cp.EncryptedSharedSecret = append([]byte{}, r.EncryptedSharedSecret...)
	cp.CachedICECandidates = append([]ICECandidate{}, r.CachedICECandidates...)
	if r.BlacklistUntil != nil {
		t := *r.BlacklistUntil
		cp.BlacklistUntil = &t
	}
	return &cp
}
