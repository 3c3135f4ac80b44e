package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateConfig validates the configuration and returns a list of validation errors.
// An empty slice indicates the configuration is valid.
func ValidateConfig(config *Config) []error {
	var errs []error
	errs = append(errs, validateNodeConfig(&config.Node)...)
	errs = append(errs, validateRaftConfig(&config.Raft)...)
	errs = append(errs, validateGroup0Config(&config.Group0)...)
	errs = append(errs, validateFailureDetectorConfig(&config.FailureDetector)...)
	errs = append(errs, validateAPIConfig(&config.API)...)
	errs = append(errs, validateMetricsConfig(&config.Metrics)...)
	errs = append(errs, validateLogConfig(&config.Logging)...)
	return errs
}

func validateNodeConfig(config *NodeConfig) []error {
	var errs []error

	if config.ID != "" {
		if _, err := raft.ParseServerID(config.ID); err != nil {
			errs = append(errs, ValidationError{Field: "node.id", Message: "must be a UUID"})
		}
	}

	if config.DataDir == "" {
		errs = append(errs, ValidationError{Field: "node.dataDir", Message: "is required"})
	} else if info, err := os.Stat(config.DataDir); err == nil && !info.IsDir() {
		errs = append(errs, ValidationError{Field: "node.dataDir", Message: "is not a directory"})
	}

	if config.RaftAddress == "" {
		errs = append(errs, ValidationError{Field: "node.raftAddress", Message: "is required"})
	} else if err := validateAddress(config.RaftAddress); err != nil {
		errs = append(errs, ValidationError{Field: "node.raftAddress", Message: err.Error()})
	}

	return errs
}

func validateRaftConfig(config *RaftConfig) []error {
	var errs []error

	if config.TickInterval <= 0 {
		errs = append(errs, ValidationError{Field: "raft.tickInterval", Message: "must be positive"})
	}
	if config.SnapshotThreshold == 0 {
		errs = append(errs, ValidationError{Field: "raft.snapshotThreshold", Message: "must be positive"})
	}
	if config.SnapshotTrailing < 0 {
		errs = append(errs, ValidationError{Field: "raft.snapshotTrailing", Message: "must be non-negative"})
	}
	if config.AppendRequestThreshold < 0 {
		errs = append(errs, ValidationError{Field: "raft.appendRequestThreshold", Message: "must be non-negative"})
	}
	if config.MaxLogSize <= 0 {
		errs = append(errs, ValidationError{Field: "raft.maxLogSize", Message: "must be positive"})
	}
	if len(errs) > 0 {
		return errs
	}

	// Relations between the fields are checked by the server itself.
	sc := config.ServerConfig()
	if err := sc.Validate(); err != nil {
		msg := strings.TrimSuffix(err.Error(), ": "+raft.ErrInvalidConfig.Error())
		errs = append(errs, ValidationError{Field: "raft", Message: msg})
	}
	return errs
}

func validateGroup0Config(config *Group0Config) []error {
	var errs []error

	if config.ID != "" {
		if _, err := raft.ParseGroupID(config.ID); err != nil {
			errs = append(errs, ValidationError{Field: "group0.id", Message: "must be a UUID"})
		}
	}

	seen := make(map[string]bool)
	voters := 0
	for i, m := range config.Members {
		field := fmt.Sprintf("group0.members[%d]", i)
		if _, err := raft.ParseServerID(m.ID); err != nil {
			errs = append(errs, ValidationError{Field: field + ".id", Message: "must be a UUID"})
		} else if seen[strings.ToLower(m.ID)] {
			errs = append(errs, ValidationError{Field: field + ".id", Message: "duplicate member"})
		}
		seen[strings.ToLower(m.ID)] = true

		if err := validateAddress(m.Address); err != nil {
			errs = append(errs, ValidationError{Field: field + ".address", Message: err.Error()})
		}
		if m.Voter() {
			voters++
		}
	}
	if len(config.Members) > 0 && voters == 0 {
		errs = append(errs, ValidationError{Field: "group0.members", Message: "at least one member must vote"})
	}

	return errs
}

func validateFailureDetectorConfig(config *FailureDetectorConfig) []error {
	var errs []error

	if config.PingInterval <= 0 {
		errs = append(errs, ValidationError{Field: "failureDetector.pingInterval", Message: "must be positive"})
	}
	if config.PingTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "failureDetector.pingTimeout", Message: "must be positive"})
	}
	if config.DeadAfter <= config.PingInterval {
		errs = append(errs, ValidationError{Field: "failureDetector.deadAfter", Message: "must exceed pingInterval"})
	}

	return errs
}

func validateAPIConfig(config *APIConfig) []error {
	var errs []error
	if !config.Enabled {
		return nil
	}

	if err := validateAddress(config.Address); err != nil {
		errs = append(errs, ValidationError{Field: "api.address", Message: err.Error()})
	}
	if config.ReadTimeout < 0 {
		errs = append(errs, ValidationError{Field: "api.readTimeout", Message: "must be non-negative"})
	}
	if config.WriteTimeout < 0 {
		errs = append(errs, ValidationError{Field: "api.writeTimeout", Message: "must be non-negative"})
	}

	return errs
}

func validateMetricsConfig(config *MetricsConfig) []error {
	var errs []error
	if !config.Enabled {
		return nil
	}

	if config.Interval <= 0 {
		errs = append(errs, ValidationError{Field: "metrics.interval", Message: "must be positive"})
	}
	if config.Retention < config.Interval {
		errs = append(errs, ValidationError{Field: "metrics.retention", Message: "must be at least one interval"})
	}

	return errs
}

// validateLogConfig validates logging configuration.
func validateLogConfig(config *LogConfig) []error {
	var errs []error

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if config.Level != "" && !validLevels[strings.ToLower(config.Level)] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be debug, info, warn, or error",
		})
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if config.Format != "" && !validFormats[strings.ToLower(config.Format)] {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: "must be text or json",
		})
	}

	if config.Output != "" && config.Output != "stdout" && config.Output != "stderr" {
		dir := filepath.Dir(config.Output)
		if !filepath.IsAbs(config.Output) {
			errs = append(errs, ValidationError{
				Field:   "logging.output",
				Message: "must be stdout, stderr, or an absolute file path",
			})
		} else if _, err := os.Stat(dir); os.IsNotExist(err) {
			errs = append(errs, ValidationError{
				Field:   "logging.output",
				Message: fmt.Sprintf("directory %s does not exist", dir),
			})
		}
	}

	return errs
}

// validateAddress validates a network address in host:port format.
func validateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %v", err)
	}
	if port == "" {
		return fmt.Errorf("port is required")
	}
	return nil
}
