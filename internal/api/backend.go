package api

import (
	"context"
	"time"

	"github.com/KilimcininKorOglu/metaraft/internal/group0"
	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

// Backend is what the API serves.
type Backend interface {
	Status() raft.Status
	StateID() group0.StateID
	Get(ctx context.Context, key string) ([]byte, bool, error)
	List(ctx context.Context, prefix string) ([]group0.KV, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	ModifyConfig(ctx context.Context, add []raft.ServerAddress, del []raft.ServerID) error
	Stepdown(ctx context.Context, timeout time.Duration) error
}

// Group0Backend serves the local group0 member.
type Group0Backend struct {
	node *group0.Node
}

// NewGroup0Backend creates a backend for n.
func NewGroup0Backend(n *group0.Node) *Group0Backend {
	return &Group0Backend{node: n}
}

func (b *Group0Backend) Status() raft.Status { return b.node.Server.Status() }

func (b *Group0Backend) StateID() group0.StateID { return b.node.SM.LastStateID() }

func (b *Group0Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return b.node.Client.Get(ctx, key)
}

func (b *Group0Backend) List(ctx context.Context, prefix string) ([]group0.KV, error) {
	return b.node.Client.List(ctx, prefix)
}

func (b *Group0Backend) Put(ctx context.Context, key string, value []byte) error {
	return b.node.Client.Put(ctx, key, value)
}

func (b *Group0Backend) Delete(ctx context.Context, key string) error {
	return b.node.Client.Delete(ctx, key)
}

func (b *Group0Backend) ModifyConfig(ctx context.Context, add []raft.ServerAddress, del []raft.ServerID) error {
	return b.node.Server.ModifyConfig(ctx, add, del)
}

func (b *Group0Backend) Stepdown(ctx context.Context, timeout time.Duration) error {
	return b.node.Server.Stepdown(ctx, timeout)
}
