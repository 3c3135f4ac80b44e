package main

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KilimcininKorOglu/metaraft/internal/config"
	"github.com/KilimcininKorOglu/metaraft/internal/logging"
	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

func testNodeConfig(t *testing.T) *config.Config {
	t.Helper()
	id := raft.NewServerID().String()
	cfg := config.DefaultConfig()
	cfg.Node.ID = id
	cfg.Node.DataDir = t.TempDir()
	cfg.Node.RaftAddress = "127.0.0.1:0"
	cfg.API.Address = "127.0.0.1:0"
	cfg.Raft.TickInterval = 10 * time.Millisecond
	cfg.Group0.Members = []config.MemberConfig{{ID: id, Address: "127.0.0.1:0"}}
	return cfg
}

func startNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	node, err := NewNode(cfg, logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = node.Stop(ctx)
	})

	require.Eventually(t, func() bool {
		return node.Group0().Server.IsLeader()
	}, 5*time.Second, 10*time.Millisecond)
	return node
}

func TestNode_SingleMember(t *testing.T) {
	node := startNode(t, testNodeConfig(t))
	ctx := context.Background()
	c := newAPIClient(node.APIAddr(), 5*time.Second)

	require.NoError(t, c.Put(ctx, "config/a", []byte("1")))
	require.NoError(t, c.Put(ctx, "config/b", []byte("2")))
	require.NoError(t, c.Put(ctx, "other", []byte("3")))

	kv, err := c.Get(ctx, "config/a")
	require.NoError(t, err)
	assert.Equal(t, "1", kv.Value)

	list, err := c.List(ctx, "config/")
	require.NoError(t, err)
	require.Equal(t, 2, list.Count)
	assert.Equal(t, "config/b", list.Items[1].Key)

	require.NoError(t, c.Delete(ctx, "config/a"))
	_, err = c.Get(ctx, "config/a")
	var ae *apiError
	require.True(t, errors.As(err, &ae), "got %v", err)
	assert.Equal(t, http.StatusNotFound, ae.Status)
	assert.Equal(t, "key_not_found", ae.Code)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, node.ID().String(), st.ID)
	assert.Equal(t, "leader", st.Role)
	assert.Equal(t, st.ID, st.Leader)
	require.Len(t, st.Members, 1)
	assert.True(t, st.Members[0].CanVote)
}

func TestNode_Commands(t *testing.T) {
	node := startNode(t, testNodeConfig(t))
	api := node.APIAddr()

	code, stdout, stderr := execute("--api", api, "put", "greeting", "hello")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "OK\n", stdout)

	code, stdout, _ = execute("--api", api, "get", "greeting")
	require.Equal(t, 0, code)
	assert.Equal(t, "hello\n", stdout)

	code, stdout, _ = execute("--api", api, "get", "--prefix", "greet")
	require.Equal(t, 0, code)
	assert.Equal(t, "greeting=hello\n", stdout)

	code, stdout, _ = execute("--api", api, "status")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "Role:           leader")
	assert.Contains(t, stdout, node.ID().String())

	code, stdout, _ = execute("--api", api, "-o", "json", "status")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, `"role": "leader"`)

	// The only voter cannot hand leadership over.
	code, _, stderr = execute("--api", api, "stepdown", "--wait", "100ms")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "no_other_voting_member")

	code, _, stderr = execute("--api", api, "members", "remove", "not-a-uuid")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "invalid_id")

	code, _, _ = execute("--api", api, "delete", "greeting")
	require.Equal(t, 0, code)
	code, _, stderr = execute("--api", api, "get", "greeting")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "key_not_found")
}

func TestNode_RestartKeepsState(t *testing.T) {
	cfg := testNodeConfig(t)

	node, err := NewNode(cfg, logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))
	require.Eventually(t, func() bool {
		return node.Group0().Server.IsLeader()
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, node.Group0().Client.Put(context.Background(), "k", []byte("v")))
	require.NoError(t, node.Stop(context.Background()))

	restarted := startNode(t, cfg)
	assert.Equal(t, node.ID(), restarted.ID())
	value, ok, err := restarted.Group0().Client.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), value)
}

func TestNode_StopIsIdempotent(t *testing.T) {
	cfg := testNodeConfig(t)
	cfg.API.Enabled = false
	node, err := NewNode(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))
	assert.Empty(t, node.APIAddr())

	require.NoError(t, node.Stop(context.Background()))
	require.NoError(t, node.Stop(context.Background()))
}
