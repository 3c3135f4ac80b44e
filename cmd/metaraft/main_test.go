package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/KilimcininKorOglu/metaraft/internal/config"
	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

func execute(args ...string) (code int, stdout, stderr string) {
	var out, errOut bytes.Buffer
	code = run(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRun_NoArgs(t *testing.T) {
	code, stdout, _ := execute()
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "Available Commands")
}

func TestRun_Help(t *testing.T) {
	for _, args := range [][]string{{"help"}, {"-h"}, {"--help"}} {
		code, stdout, _ := execute(args...)
		assert.Equal(t, 0, code, "args %v", args)
		assert.Contains(t, stdout, "serve")
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, stderr := execute("unknown")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unknown command")
}

func TestRun_Version(t *testing.T) {
	code, stdout, _ := execute("version")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "metaraft version "+version)
	assert.Contains(t, stdout, "Go version")

	code, stdout, _ = execute("version", "--short")
	assert.Equal(t, 0, code)
	assert.Equal(t, version+"\n", stdout)
}

func TestRun_ArgumentValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"put without key", []string{"put"}},
		{"delete without key", []string{"delete"}},
		{"members add without address", []string{"members", "add", raft.NewServerID().String()}},
		{"members remove without id", []string{"members", "remove"}},
		{"status with argument", []string{"status", "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := execute(tt.args...)
			assert.Equal(t, 1, code)
		})
	}
}

func TestRun_UnreachableNode(t *testing.T) {
	code, _, stderr := execute("--api", "127.0.0.1:1", "--timeout", "500ms", "status")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "GET /v1/status")
}

func TestConfigInit(t *testing.T) {
	code, stdout, _ := execute("config", "init")
	require.Equal(t, 0, code)

	cfg, err := config.ParseConfig([]byte(stdout))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)
}

func TestConfigShow_EnvOverrides(t *testing.T) {
	t.Setenv("METARAFT_RAFT_ADDRESS", "10.0.0.1:7001")
	code, stdout, _ := execute("config", "show")
	require.Equal(t, 0, code)

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(stdout), &cfg))
	assert.Equal(t, "10.0.0.1:7001", cfg.Node.RaftAddress)
}

func TestConfigValidate(t *testing.T) {
	dataDir := t.TempDir()
	id := raft.NewServerID().String()

	t.Run("valid", func(t *testing.T) {
		path := writeConfig(t, `
node:
  id: `+id+`
  dataDir: `+dataDir+`
  raftAddress: 127.0.0.1:7000
group0:
  members:
    - id: `+id+`
      address: 127.0.0.1:7000
`)
		code, stdout, stderr := execute("config", "validate", "-c", path)
		assert.Equal(t, 0, code, stderr)
		assert.Contains(t, stdout, "Configuration is valid")
	})

	t.Run("invalid", func(t *testing.T) {
		path := writeConfig(t, `
node:
  id: not-a-uuid
  dataDir: `+dataDir+`
logging:
  level: loud
`)
		code, _, stderr := execute("config", "validate", "-c", path)
		assert.Equal(t, 1, code)
		assert.Contains(t, stderr, "node.id")
		assert.Contains(t, stderr, "logging.level")
	})

	t.Run("unknown field", func(t *testing.T) {
		path := writeConfig(t, "node:\n  colour: blue\n")
		code, _, _ := execute("config", "validate", "-c", path)
		assert.Equal(t, 1, code)
	})

	t.Run("missing flag", func(t *testing.T) {
		code, _, stderr := execute("config", "validate")
		assert.Equal(t, 1, code)
		assert.True(t, strings.Contains(stderr, "config"), stderr)
	})
}

func TestServe_InvalidConfig(t *testing.T) {
	code, _, stderr := execute("serve", "--id", "nope", "--data-dir", t.TempDir())
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "node.id")
}
