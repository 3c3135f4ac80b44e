package config

import (
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/KilimcininKorOglu/metaraft/internal/logging"
	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

// DefaultGroup0ID is the group0 id used when none is configured.
var DefaultGroup0ID = raft.GroupID(uuid.NewSHA1(uuid.NameSpaceOID, []byte("metaraft.group0")))

// ServerConfig converts the raft section.
func (c *RaftConfig) ServerConfig() raft.ServerConfig {
	return raft.ServerConfig{
		TickInterval:           c.TickInterval,
		SnapshotThreshold:      c.SnapshotThreshold,
		SnapshotTrailing:       c.SnapshotTrailing,
		AppendRequestThreshold: c.AppendRequestThreshold,
		MaxLogSize:             c.MaxLogSize,
		EnablePrevoting:        c.EnablePrevoting,
		EnableForwarding:       c.EnableForwarding,
	}
}

// GroupID returns the configured group0 id.
func (c *Group0Config) GroupID() (raft.GroupID, error) {
	if c.ID == "" {
		return DefaultGroup0ID, nil
	}
	return raft.ParseGroupID(c.ID)
}

// Voter reports whether the member votes.
func (m MemberConfig) Voter() bool {
	return m.CanVote == nil || *m.CanVote
}

// Bootstrap returns the initial group0 configuration, which is empty when
// no members are listed.
func (c *Group0Config) Bootstrap() (raft.Configuration, error) {
	if len(c.Members) == 0 {
		return raft.Configuration{}, nil
	}
	members := raft.NewServerAddressSet()
	for _, m := range c.Members {
		id, err := raft.ParseServerID(m.ID)
		if err != nil {
			return raft.Configuration{}, errors.Wrapf(err, "member %q", m.ID)
		}
		members[id] = raft.ServerAddress{ID: id, CanVote: m.Voter(), Info: []byte(m.Address)}
	}
	return raft.NewConfiguration(members), nil
}

// LoggingConfig converts the logging section.
func (c *LogConfig) LoggingConfig() logging.Config {
	return logging.Config{Level: c.Level, Format: c.Format, Output: c.Output}
}
