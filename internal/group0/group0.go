// Package group0 implements the metadata group of a metaraft node: a
// replicated key-value store whose changes are chained by state id, so a
// client can retry a change whose outcome it lost without applying it
// twice.
package group0

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/metaraft/internal/logging"
	"github.com/KilimcininKorOglu/metaraft/internal/raft"
	"github.com/KilimcininKorOglu/metaraft/internal/registry"
	"github.com/KilimcininKorOglu/metaraft/internal/storage"
)

// Config describes the group0 of a node.
type Config struct {
	ID          raft.GroupID
	SnapshotDir string
	// Bootstrap is the initial configuration of a new group. Leave it
	// empty when the node joins an existing cluster.
	Bootstrap raft.Configuration
	Server    *raft.ServerConfig
	Logger    logging.Logger
}

// Node is the local member of group0.
type Node struct {
	Server *raft.Server
	SM     *StateMachine
	Client *Client
}

// Start starts group0 in reg.
func Start(ctx context.Context, reg *registry.Registry, cfg Config) (*Node, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	snapshots, err := storage.NewSnapshotStore(cfg.SnapshotDir)
	if err != nil {
		return nil, errors.Wrap(err, "open group0 snapshot store")
	}
	sm := NewStateMachine(snapshots, logger)
	srv, err := reg.StartGroup0(ctx, registry.GroupConfig{
		ID:           cfg.ID,
		StateMachine: sm,
		Bootstrap:    cfg.Bootstrap,
		Server:       cfg.Server,
	})
	if err != nil {
		return nil, err
	}
	return &Node{Server: srv, SM: sm, Client: NewClient(srv, sm, logger)}, nil
}
