package raft

import (
	"time"

	"github.com/cockroachdb/errors"
)

// ServerConfig holds the tunables of a Server.
type ServerConfig struct {
	// GroupID labels logs and metrics.
	GroupID GroupID

	// SnapshotThreshold is the number of applied entries after which the
	// state machine is snapshotted.
	SnapshotThreshold uint64
	// SnapshotTrailing is the number of entries kept in the log after a
	// local snapshot, so slow followers can catch up without one.
	SnapshotTrailing int
	// AppendRequestThreshold bounds the entry bytes of one append request.
	AppendRequestThreshold int
	// MaxLogSize is the number of in-memory entries after which AddEntry
	// waits for a snapshot to shrink the log.
	MaxLogSize int
	// EnablePrevoting runs a pre-vote round before each election.
	EnablePrevoting bool
	// EnableForwarding forwards AddEntry, ModifyConfig and ReadBarrier
	// from followers to the leader.
	EnableForwarding bool
	// TickInterval is how often the owner calls Tick. It converts stepdown
	// timeouts into ticks.
	TickInterval time.Duration

	Logger Logger
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SnapshotThreshold:      1024,
		SnapshotTrailing:       200,
		AppendRequestThreshold: 100000,
		MaxLogSize:             5000,
		EnablePrevoting:        true,
		EnableForwarding:       true,
		TickInterval:           100 * time.Millisecond,
	}
}

// Validate checks the configuration.
func (c *ServerConfig) Validate() error {
	if c.SnapshotThreshold == 0 {
		return errors.Wrap(ErrInvalidConfig, "snapshot threshold must be positive")
	}
	if c.SnapshotTrailing < 0 {
		return errors.Wrap(ErrInvalidConfig, "snapshot trailing must not be negative")
	}
	if c.MaxLogSize <= 0 {
		return errors.Wrap(ErrInvalidConfig, "max log size must be positive")
	}
	if uint64(c.MaxLogSize) <= uint64(c.SnapshotTrailing) {
		return errors.Wrapf(ErrInvalidConfig,
			"max log size %d must exceed snapshot trailing %d", c.MaxLogSize, c.SnapshotTrailing)
	}
	if uint64(c.MaxLogSize)-uint64(c.SnapshotTrailing) < c.SnapshotThreshold {
		// Otherwise AddEntry could wait forever for a snapshot that never
		// triggers.
		return errors.Wrapf(ErrInvalidConfig,
			"max log size %d minus snapshot trailing %d is below snapshot threshold %d",
			c.MaxLogSize, c.SnapshotTrailing, c.SnapshotThreshold)
	}
	if c.AppendRequestThreshold < 0 {
		return errors.Wrap(ErrInvalidConfig, "append request threshold must not be negative")
	}
	if c.TickInterval <= 0 {
		return errors.Wrap(ErrInvalidConfig, "tick interval must be positive")
	}
	return nil
}

// timeoutTicks converts d into ticks, rounding up.
func (c *ServerConfig) timeoutTicks(d time.Duration) uint64 {
	if d <= 0 {
		return ElectionTimeout
	}
	return uint64((d + c.TickInterval - 1) / c.TickInterval)
}
