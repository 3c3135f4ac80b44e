// Package transport carries Raft traffic between nodes.
//
// Frames on the wire are [type:1][length:4][data:N], little-endian, with one
// request and one response per frame. A node runs a single Transport shared
// by all of its Raft groups; Mux routes incoming frames to the group they
// belong to, and GroupRPC implements raft.RPC for one group on top of it.
package transport

import (
	"context"

	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

// Frame types.
const (
	FrameMessage uint8 = iota + 1
	FrameInstallSnapshot
	FrameAddEntry
	FrameModifyConfig
	FrameReadBarrier
	FramePing
)

// MaxFrameSize bounds the data of a single frame.
const MaxFrameSize = 64 * 1024 * 1024

// Transport sends frames to other nodes and serves incoming ones.
type Transport interface {
	// Send sends a frame to a node and waits for the response.
	Send(ctx context.Context, to raft.ServerID, frameType uint8, data []byte) ([]byte, error)

	// Listen starts serving incoming frames.
	Listen(handler Handler) error

	// Close shuts down the transport.
	Close() error

	// LocalAddr returns the address other nodes reach this one at.
	LocalAddr() string
}

// Handler handles an incoming frame and returns the response data.
type Handler func(frameType uint8, data []byte) []byte
