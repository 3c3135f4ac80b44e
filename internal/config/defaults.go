package config

import "time"

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir:     "/var/lib/metaraft",
			RaftAddress: "127.0.0.1:7000",
		},
		Raft: RaftConfig{
			TickInterval:           100 * time.Millisecond,
			SnapshotThreshold:      1024,
			SnapshotTrailing:       200,
			AppendRequestThreshold: 100000,
			MaxLogSize:             5000,
			EnablePrevoting:        true,
			EnableForwarding:       true,
		},
		FailureDetector: FailureDetectorConfig{
			PingInterval: 500 * time.Millisecond,
			PingTimeout:  300 * time.Millisecond,
			DeadAfter:    2 * time.Second,
		},
		API: APIConfig{
			Enabled:      true,
			Address:      "127.0.0.1:8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Interval:  10 * time.Second,
			Retention: time.Minute,
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}
