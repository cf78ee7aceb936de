package am

import (
	"net/url"

	"github.com/teranos/scenesync/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Timeouts and intervals: 0 = default, negative = invalid
	if c.Session.HandshakeTimeoutSeconds < 0 {
		return errors.Newf("session.handshake_timeout_seconds must be >= 0, got %d", c.Session.HandshakeTimeoutSeconds)
	}
	if c.Schedule.SweepIntervalMs < 0 {
		return errors.Newf("schedule.sweep_interval_ms must be >= 0, got %d", c.Schedule.SweepIntervalMs)
	}
	if c.Policy.SettleIntervalMs < 0 {
		return errors.Newf("policy.settle_interval_ms must be >= 0, got %d", c.Policy.SettleIntervalMs)
	}

	// Limits: 0 = disabled/unbounded (zero means zero), negative = invalid
	if c.Session.FramesPerSecond < 0 {
		return errors.Newf("session.frames_per_second must be >= 0, got %f", c.Session.FramesPerSecond)
	}
	if c.Session.Burst < 0 {
		return errors.Newf("session.burst must be >= 0, got %d", c.Session.Burst)
	}
	if c.Session.QueueSize < 0 {
		return errors.Newf("session.queue_size must be >= 0, got %d", c.Session.QueueSize)
	}
	if c.Session.SnapshotChunk < 0 {
		return errors.Newf("session.snapshot_chunk must be >= 0, got %d", c.Session.SnapshotChunk)
	}
	if c.Session.CompressThresholdBytes < 0 {
		return errors.Newf("session.compress_threshold_bytes must be >= 0, got %d", c.Session.CompressThresholdBytes)
	}
	if c.Session.MaxFrameBytes < 0 {
		return errors.Newf("session.max_frame_bytes must be >= 0, got %d", c.Session.MaxFrameBytes)
	}
	if c.Schedule.PendingTTLSeconds < 0 {
		return errors.Newf("schedule.pending_ttl_seconds must be >= 0, got %d", c.Schedule.PendingTTLSeconds)
	}
	if c.Database.SaveIntervalSeconds < 0 {
		return errors.Newf("database.save_interval_seconds must be >= 0, got %d", c.Database.SaveIntervalSeconds)
	}

	// Join URL must be a websocket URL when set
	if c.Session.JoinURL != "" {
		u, err := url.Parse(c.Session.JoinURL)
		if err != nil {
			return errors.Wrapf(err, "session.join_url %q", c.Session.JoinURL)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.WithHint(
				errors.Newf("session.join_url must use ws:// or wss://, got %q", u.Scheme),
				"e.g. ws://studio.local:8877/ws/scene",
			)
		}
	}

	// Policy rules must build a table
	if _, err := c.PolicyTable(); err != nil {
		return err
	}

	return nil
}
