package meshconfig

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// Config is the top-level meshnode configuration document.
type Config struct {
	Version   int             `yaml:"version,omitempty"`
	Identity  IdentityConfig  `yaml:"identity"`
	Network   NetworkConfig   `yaml:"network,omitempty"`
	Peers     PeerStoreConfig `yaml:"peers,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
}

// IdentityConfig controls where and how the node's persistent NodeIdentity
// is stored.
type IdentityConfig struct {
	// DisplayName is the human-readable name carried in announcements.
	DisplayName string `yaml:"display_name"`
	// EntropyFile points at a local file of stable random bytes the
	// storage-key derivation (meshid.DeriveStorageKey) is seeded from.
	// Never transmitted, never logged.
	EntropyFile string `yaml:"entropy_file"`
}

// NetworkConfig holds operator-facing tuning knobs for M1/M3/M4's timing
// constants. The mesh core runs on its fixed compiled-in defaults; nothing
// in this module reads these fields.
type NetworkConfig struct {
	// AnnounceIntervalSeconds is parsed from the config file but not applied:
	// gossip's heartbeat interval stays at its compiled-in 120s.
	AnnounceIntervalSeconds int `yaml:"announce_interval_seconds,omitempty"`
}

// PeerStoreConfig holds M5 retention tuning.
type PeerStoreConfig struct {
	// MaxPeers overrides peerstore.MaxPeers via
	// peerstore.NewRetentionWithCap. 0 uses the compiled-in default (100).
	MaxPeers int `yaml:"max_peers,omitempty"`
}

// TelemetryConfig holds observability settings. Disabled by default
// (opt-in), mirroring the teacher's own TelemetryConfig/MetricsConfig.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"` // no default; required when Enabled
}
