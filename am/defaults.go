package am

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/policy"
	"github.com/teranos/scenesync/scene"
	"github.com/teranos/scenesync/sync"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Session defaults
	v.SetDefault("session.listen", DefaultListenAddress)
	v.SetDefault("session.handshake_timeout_seconds", 10)
	v.SetDefault("session.snapshot_chunk", sync.DefaultSnapshotChunk)
	v.SetDefault("session.queue_size", 4096)                 // a peer this far behind is dropped
	v.SetDefault("session.compress_threshold_bytes", 16<<10) // join snapshots compress, edits don't
	v.SetDefault("session.max_frame_bytes", 64<<20)
	v.SetDefault("session.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})

	// Schedule defaults
	v.SetDefault("schedule.pending_ttl_seconds", 30)
	v.SetDefault("schedule.sweep_interval_ms", 500)

	// Policy defaults
	v.SetDefault("policy.default_mode", "OBJECT")
	v.SetDefault("policy.settle_interval_ms", 250)

	// Database defaults
	v.SetDefault("database.path", "scenesync.db")
	v.SetDefault("database.persist_on_exit", true)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// BindSensitiveEnvVars explicitly binds per-machine configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("peer.id", "SCENESYNC_PEER_ID")
	v.BindEnv("peer.name", "SCENESYNC_PEER_NAME")
	v.BindEnv("database.path", "SCENESYNC_DATABASE_PATH")
	v.BindEnv("session.join_url", "SCENESYNC_JOIN_URL")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "scenesync.db" // Fallback default
	}
	return c.Database.Path
}

// GetListenAddress returns the session listen address
func (c *Config) GetListenAddress() string {
	if c.Session.Listen == "" {
		return DefaultListenAddress
	}
	return c.Session.Listen
}

// GetMetricsPath returns where metrics are served (default: /metrics)
func (c *Config) GetMetricsPath() string {
	if c.Metrics.Path == "" {
		return "/metrics"
	}
	return c.Metrics.Path
}

// GetPeerID returns the configured peer id, or a fresh one
func (c *Config) GetPeerID() scene.PeerID {
	if c.Peer.ID == "" {
		return scene.NewPeerID()
	}
	return scene.PeerID(c.Peer.ID)
}

// GetDefaultMode returns the editing mode in which changes flow live
func (c *Config) GetDefaultMode() string {
	if c.Policy.DefaultMode == "" {
		return "OBJECT"
	}
	return c.Policy.DefaultMode
}

// HandshakeTimeout returns the session handshake timeout
func (c *Config) HandshakeTimeout() time.Duration {
	if c.Session.HandshakeTimeoutSeconds == 0 {
		return sync.DefaultHandshakeTimeout
	}
	return time.Duration(c.Session.HandshakeTimeoutSeconds) * time.Second
}

// PendingTTL returns how long an inbound op may wait for its dependencies
func (c *Config) PendingTTL() time.Duration {
	return time.Duration(c.Schedule.PendingTTLSeconds) * time.Second
}

// SweepInterval returns how often pending ops are checked (default: 500ms)
func (c *Config) SweepInterval() time.Duration {
	if c.Schedule.SweepIntervalMs == 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Schedule.SweepIntervalMs) * time.Millisecond
}

// SettleInterval returns how often toggles are confirmed (default: 250ms)
func (c *Config) SettleInterval() time.Duration {
	if c.Policy.SettleIntervalMs == 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(c.Policy.SettleIntervalMs) * time.Millisecond
}

// PolicyTable builds the delay policy table. No configured rules means the
// built-in table.
func (c *Config) PolicyTable() (*policy.Table, error) {
	if len(c.Policy.Rules) == 0 {
		return policy.DefaultTable(), nil
	}
	entries := make([]policy.RuleEntry, 0, len(c.Policy.Rules))
	for i, r := range c.Policy.Rules {
		entry := policy.RuleEntry{
			Category:  r.Category,
			Paths:     r.Paths,
			Rule:      policy.Rule(r.Rule),
			Direction: policy.Direction(r.Direction),
		}
		for _, t := range r.Types {
			typ, err := scene.ParseEntityType(t)
			if err != nil {
				return nil, errors.Wrapf(err, "policy.rules[%d]", i)
			}
			entry.Types = append(entry.Types, typ)
		}
		entries = append(entries, entry)
	}
	t, err := policy.NewTable(entries)
	if err != nil {
		return nil, errors.Wrap(err, "invalid policy.rules")
	}
	return t, nil
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Peer: %s, Listen: %s, Database: %s, Rules: %d}",
		c.Peer.Name, c.GetListenAddress(), c.GetDatabasePath(), len(c.Policy.Rules))
}
