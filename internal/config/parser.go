package config

import (
	"bytes"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Parser errors.
var (
	ErrInvalidYAML       = errors.New("invalid YAML format")
	ErrFileNotFound      = errors.New("configuration file not found")
	ErrMissingConfigFile = errors.New("config file path is required")
	ErrMissingOnChange   = errors.New("onChange callback is required")
)

// EnvPrefix prefixes the environment variables that override file values.
const EnvPrefix = "METARAFT_"

// LoadConfig loads configuration from a file path.
// It reads the file, substitutes environment variables, parses YAML,
// applies defaults for missing values and then environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrFileNotFound, path)
		}
		return nil, err
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	ApplyEnvOverrides(cfg, os.Getenv)
	return cfg, nil
}

// ParseConfig parses configuration from YAML data on top of the defaults.
// Unknown keys are rejected.
func ParseConfig(data []byte) (*Config, error) {
	data = substituteEnvVars(data)
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Mark(errors.Wrap(err, "parse config"), ErrInvalidYAML)
	}
	return cfg, nil
}

// substituteEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllFunc(data, func(match []byte) []byte {
		content := string(match[2 : len(match)-1])

		if idx := strings.Index(content, ":-"); idx != -1 {
			varName := content[:idx]
			defaultVal := content[idx+2:]
			if val := os.Getenv(varName); val != "" {
				return []byte(val)
			}
			return []byte(defaultVal)
		}

		return []byte(os.Getenv(content))
	})
}

// ApplyEnvOverrides overrides single values from METARAFT_* variables.
func ApplyEnvOverrides(cfg *Config, getenv func(string) string) {
	overrides := []struct {
		name string
		dst  *string
	}{
		{"NODE_ID", &cfg.Node.ID},
		{"DATA_DIR", &cfg.Node.DataDir},
		{"RAFT_ADDRESS", &cfg.Node.RaftAddress},
		{"GROUP0_ID", &cfg.Group0.ID},
		{"API_ADDRESS", &cfg.API.Address},
		{"LOG_LEVEL", &cfg.Logging.Level},
		{"LOG_FORMAT", &cfg.Logging.Format},
		{"LOG_OUTPUT", &cfg.Logging.Output},
	}
	for _, o := range overrides {
		if v := getenv(EnvPrefix + o.name); v != "" {
			*o.dst = v
		}
	}
}
