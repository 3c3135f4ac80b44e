package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

const (
	idA = "5f0c2b1e-8a57-4bd3-9d1f-2f4f5b6f7a01"
	idB = "0b8e8f7c-3c1d-4f4e-8d55-6f1b0e2c9a02"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Node.DataDir = t.TempDir()
	return cfg
}

func fields(errs []error) []string {
	var out []string
	for _, err := range errs {
		var ve ValidationError
		if errors.As(err, &ve) {
			out = append(out, ve.Field)
		}
	}
	return out
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("raft defaults match the server defaults", func(t *testing.T) {
		want := raft.DefaultServerConfig()
		got := cfg.Raft.ServerConfig()
		assert.Equal(t, want.TickInterval, got.TickInterval)
		assert.Equal(t, want.SnapshotThreshold, got.SnapshotThreshold)
		assert.Equal(t, want.SnapshotTrailing, got.SnapshotTrailing)
		assert.Equal(t, want.MaxLogSize, got.MaxLogSize)
		assert.True(t, got.EnablePrevoting)
		assert.True(t, got.EnableForwarding)
	})

	t.Run("logging defaults", func(t *testing.T) {
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "json", cfg.Logging.Format)
		assert.Equal(t, "stdout", cfg.Logging.Output)
	})

	t.Run("valid", func(t *testing.T) {
		assert.Empty(t, ValidateConfig(validConfig(t)))
	})
}

func TestParseConfig(t *testing.T) {
	t.Run("empty config uses defaults", func(t *testing.T) {
		cfg, err := ParseConfig([]byte(""))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("full config", func(t *testing.T) {
		data := `
node:
  id: ` + idA + `
  dataDir: /tmp/metaraft
  raftAddress: 10.0.0.1:7000
raft:
  tickInterval: 50ms
  snapshotThreshold: 100
  snapshotTrailing: 10
  maxLogSize: 1000
  enablePrevoting: false
group0:
  members:
    - id: ` + idA + `
      address: 10.0.0.1:7000
    - id: ` + idB + `
      address: 10.0.0.2:7000
      canVote: false
failureDetector:
  deadAfter: 5s
api:
  address: 0.0.0.0:9090
logging:
  level: debug
`
		cfg, err := ParseConfig([]byte(data))
		require.NoError(t, err)
		assert.Equal(t, idA, cfg.Node.ID)
		assert.Equal(t, "10.0.0.1:7000", cfg.Node.RaftAddress)
		assert.Equal(t, 50*time.Millisecond, cfg.Raft.TickInterval)
		assert.Equal(t, uint64(100), cfg.Raft.SnapshotThreshold)
		assert.False(t, cfg.Raft.EnablePrevoting)
		assert.True(t, cfg.Raft.EnableForwarding, "unset keys keep their default")
		assert.Equal(t, 5*time.Second, cfg.FailureDetector.DeadAfter)
		assert.Equal(t, 500*time.Millisecond, cfg.FailureDetector.PingInterval)
		assert.Equal(t, "debug", cfg.Logging.Level)

		require.Len(t, cfg.Group0.Members, 2)
		assert.True(t, cfg.Group0.Members[0].Voter())
		assert.False(t, cfg.Group0.Members[1].Voter())
	})

	t.Run("unknown keys are rejected", func(t *testing.T) {
		_, err := ParseConfig([]byte("node:\n  dataDirectory: /tmp\n"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidYAML))
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := ParseConfig([]byte("node: [unclosed"))
		assert.True(t, errors.Is(err, ErrInvalidYAML))
	})

	t.Run("environment substitution", func(t *testing.T) {
		t.Setenv("TEST_METARAFT_DIR", "/data/x")
		cfg, err := ParseConfig([]byte("node:\n  dataDir: ${TEST_METARAFT_DIR}\n  raftAddress: ${TEST_METARAFT_UNSET:-127.0.0.1:7100}\n"))
		require.NoError(t, err)
		assert.Equal(t, "/data/x", cfg.Node.DataDir)
		assert.Equal(t, "127.0.0.1:7100", cfg.Node.RaftAddress)
	})
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := DefaultConfig()
	env := map[string]string{
		"METARAFT_NODE_ID":   idB,
		"METARAFT_LOG_LEVEL": "warn",
		"METARAFT_DATA_DIR":  "",
	}
	ApplyEnvOverrides(cfg, func(k string) string { return env[k] })
	assert.Equal(t, idB, cfg.Node.ID)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "/var/lib/metaraft", cfg.Node.DataDir)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metaraft.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api:\n  address: 127.0.0.1:9999\n"), 0o600))

	t.Setenv("METARAFT_RAFT_ADDRESS", "127.0.0.1:7777")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.API.Address)
	assert.Equal(t, "127.0.0.1:7777", cfg.Node.RaftAddress)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.True(t, errors.Is(err, ErrFileNotFound))
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   []string
	}{
		{"bad node id", func(c *Config) { c.Node.ID = "node-1" }, []string{"node.id"}},
		{"missing data dir", func(c *Config) { c.Node.DataDir = "" }, []string{"node.dataDir"}},
		{"bad raft address", func(c *Config) { c.Node.RaftAddress = "localhost" }, []string{"node.raftAddress"}},
		{"zero tick", func(c *Config) { c.Raft.TickInterval = 0 }, []string{"raft.tickInterval"}},
		{"log smaller than trailing", func(c *Config) { c.Raft.MaxLogSize = 100 }, []string{"raft"}},
		{"bad group0 id", func(c *Config) { c.Group0.ID = "zero" }, []string{"group0.id"}},
		{"duplicate member", func(c *Config) {
			c.Group0.Members = []MemberConfig{{ID: idA, Address: "a:1"}, {ID: idA, Address: "b:1"}}
		}, []string{"group0.members[1].id"}},
		{"member without port", func(c *Config) {
			c.Group0.Members = []MemberConfig{{ID: idA, Address: "a"}}
		}, []string{"group0.members[0].address"}},
		{"no voters", func(c *Config) {
			no := false
			c.Group0.Members = []MemberConfig{{ID: idA, Address: "a:1", CanVote: &no}}
		}, []string{"group0.members"}},
		{"dead before ping", func(c *Config) { c.FailureDetector.DeadAfter = c.FailureDetector.PingInterval }, []string{"failureDetector.deadAfter"}},
		{"bad api address", func(c *Config) { c.API.Address = "nope" }, []string{"api.address"}},
		{"disabled api is not checked", func(c *Config) { c.API.Enabled = false; c.API.Address = "nope" }, nil},
		{"short retention", func(c *Config) { c.Metrics.Retention = time.Second }, []string{"metrics.retention"}},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, []string{"logging.level"}},
		{"relative log file", func(c *Config) { c.Logging.Output = "metaraft.log" }, []string{"logging.output"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.modify(cfg)
			assert.Equal(t, tt.want, fields(ValidateConfig(cfg)))
		})
	}
}

func TestGroup0Bootstrap(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		var g Group0Config
		cfg, err := g.Bootstrap()
		require.NoError(t, err)
		assert.Empty(t, cfg.Current)

		id, err := g.GroupID()
		require.NoError(t, err)
		assert.Equal(t, DefaultGroup0ID, id)
	})

	t.Run("members", func(t *testing.T) {
		no := false
		g := Group0Config{Members: []MemberConfig{
			{ID: idA, Address: "10.0.0.1:7000"},
			{ID: idB, Address: "10.0.0.2:7000", CanVote: &no},
		}}
		cfg, err := g.Bootstrap()
		require.NoError(t, err)
		require.Len(t, cfg.Current, 2)

		a, _ := raft.ParseServerID(idA)
		b, _ := raft.ParseServerID(idB)
		assert.True(t, cfg.Current[a].CanVote)
		assert.Equal(t, []byte("10.0.0.1:7000"), cfg.Current[a].Info)
		assert.False(t, cfg.Current[b].CanVote)
	})

	t.Run("bad id", func(t *testing.T) {
		g := Group0Config{Members: []MemberConfig{{ID: "x", Address: "a:1"}}}
		_, err := g.Bootstrap()
		assert.Error(t, err)
	})
}
