package am

// Config represents the scenesync configuration
type Config struct {
	Peer     PeerConfig     `mapstructure:"peer"`
	Session  SessionConfig  `mapstructure:"session"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Database DatabaseConfig `mapstructure:"database"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// PeerConfig identifies the local peer
type PeerConfig struct {
	ID   string `mapstructure:"id"`   // empty = fresh id per run
	Name string `mapstructure:"name"` // advertised to peers in hello (e.g., "studio")
}

// SessionConfig configures replication sessions and their transport
type SessionConfig struct {
	Listen                  string   `mapstructure:"listen"`                    // address serve listens on (e.g., ":8877")
	JoinURL                 string   `mapstructure:"join_url"`                  // ws:// URL join dials
	HandshakeTimeoutSeconds int      `mapstructure:"handshake_timeout_seconds"` // wait for the remote hello (default: 10)
	FramesPerSecond         float64  `mapstructure:"frames_per_second"`         // outbound pacing, 0 = unpaced
	Burst                   int      `mapstructure:"burst"`                     // frames allowed above the pace
	QueueSize               int      `mapstructure:"queue_size"`                // outbound frames before a slow peer is dropped, 0 = unbounded
	SnapshotChunk           int      `mapstructure:"snapshot_chunk"`            // ops per snapshot frame (default: 256)
	CompressThresholdBytes  int      `mapstructure:"compress_threshold_bytes"`  // frames above this are zstd-compressed, 0 = never
	MaxFrameBytes           int      `mapstructure:"max_frame_bytes"`           // largest accepted decoded frame
	AllowedOrigins          []string `mapstructure:"allowed_origins"`
}

// ScheduleConfig configures the inbound dependency scheduler
type ScheduleConfig struct {
	PendingTTLSeconds int `mapstructure:"pending_ttl_seconds"` // how long an op may wait for a dependency, 0 = forever
	SweepIntervalMs   int `mapstructure:"sweep_interval_ms"`   // how often pending ops are checked (default: 500)
}

// PolicyConfig configures the conflict/delay policy
type PolicyConfig struct {
	DefaultMode      string             `mapstructure:"default_mode"`       // editing mode in which changes flow live (default: OBJECT)
	SettleIntervalMs int                `mapstructure:"settle_interval_ms"` // how often toggles are confirmed (default: 250)
	Rules            []PolicyRuleConfig `mapstructure:"rules"`              // empty = built-in table
}

// PolicyRuleConfig is one [[policy.rules]] entry. The first matching entry wins.
type PolicyRuleConfig struct {
	Category  string   `mapstructure:"category"`
	Types     []string `mapstructure:"types"`     // empty = every type
	Paths     []string `mapstructure:"paths"`     // glob patterns, empty = every path
	Rule      string   `mapstructure:"rule"`      // immediate, two_toggle, mode_buffer, exclude
	Direction string   `mapstructure:"direction"` // outbound, inbound, both (default)
}

// DatabaseConfig configures the SQLite registry snapshot
type DatabaseConfig struct {
	Path                string `mapstructure:"path"`
	PersistOnExit       bool   `mapstructure:"persist_on_exit"`       // save the registry when the process stops
	SaveIntervalSeconds int    `mapstructure:"save_interval_seconds"` // periodic save, 0 = only on exit
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // served next to the session endpoint (default: /metrics)
}

// Session listen default
const DefaultListenAddress = ":8877"

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
