package aerodb

import "time"

// FsyncPolicy is the closed set of durability policies the WAL's Sync
// call is driven by. FsyncAlways is the only policy defined, and the only
// one the correctness kernel implements (R1 requires every ack wait for
// fsync); this engine implements no relaxed durability.
type FsyncPolicy string

const (
	FsyncAlways FsyncPolicy = "always"
)

// EngineConfig is the engine's full configuration surface, unmarshalled
// by pkg/config.Load from .env plus AERODB_-prefixed environment
// variables.
type EngineConfig struct {
	DataDir                     string        `mapstructure:"data_dir"`
	WalFsyncPolicy              FsyncPolicy   `mapstructure:"wal_fsync_policy"`
	BindAddress                 string        `mapstructure:"bind_address"`
	ControlPlaneConfirmationTTL time.Duration `mapstructure:"control_plane_confirmation_ttl"`
	ObservabilityEnabled        bool          `mapstructure:"observability_enabled"`
	ObservabilityBind           string        `mapstructure:"observability_bind"`

	// Replication peer addressing. NodeID/Role select this
	// process's identity in the 2-node topology; PeerAddress is where its
	// counterpart's replication RPC server listens. Role is "primary" or
	// "replica"; an empty PeerAddress means replication is disabled and
	// the engine runs standalone.
	NodeID      string `mapstructure:"node_id"`
	Role        string `mapstructure:"role"`
	PeerAddress string `mapstructure:"peer_address"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// DispatchPoolMinSize/MaxSize bound operation-pipeline concurrency
	// (pool.Options). Zero means DefaultOptions applies.
	DispatchPoolMinSize int `mapstructure:"dispatch_pool_min_size"`
	DispatchPoolMaxSize int `mapstructure:"dispatch_pool_max_size"`
}

// DefaultEngineConfig returns the configuration a standalone, single-node
// engine runs with if the operator supplies no overrides.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DataDir:                     "./data",
		WalFsyncPolicy:              FsyncAlways,
		BindAddress:                 "127.0.0.1:9300",
		ControlPlaneConfirmationTTL: 5 * time.Minute,
		ObservabilityEnabled:        false,
		ObservabilityBind:           "127.0.0.1:9301",
		NodeID:                      "node-1",
		Role:                        "primary",
		LogLevel:                    "INFO",
		LogFormat:                   "json",
	}
}
