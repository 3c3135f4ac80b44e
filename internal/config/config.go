package config

import "time"

// Config holds the complete node configuration.
type Config struct {
	Node            NodeConfig            `yaml:"node"`
	Raft            RaftConfig            `yaml:"raft"`
	Group0          Group0Config          `yaml:"group0"`
	FailureDetector FailureDetectorConfig `yaml:"failureDetector"`
	API             APIConfig             `yaml:"api"`
	Metrics         MetricsConfig         `yaml:"metrics"`
	Logging         LogConfig             `yaml:"logging"`
}

// NodeConfig identifies the node.
type NodeConfig struct {
	// ID is the server id. When empty, an id is generated on first start
	// and kept in the data directory.
	ID          string `yaml:"id"`
	DataDir     string `yaml:"dataDir"`
	RaftAddress string `yaml:"raftAddress"`
}

// RaftConfig holds the tunables shared by all groups of the node.
type RaftConfig struct {
	TickInterval           time.Duration `yaml:"tickInterval"`
	SnapshotThreshold      uint64        `yaml:"snapshotThreshold"`
	SnapshotTrailing       int           `yaml:"snapshotTrailing"`
	AppendRequestThreshold int           `yaml:"appendRequestThreshold"`
	MaxLogSize             int           `yaml:"maxLogSize"`
	EnablePrevoting        bool          `yaml:"enablePrevoting"`
	EnableForwarding       bool          `yaml:"enableForwarding"`
}

// Group0Config describes the metadata group.
type Group0Config struct {
	// ID is the group id. Every node of a cluster must use the same one.
	ID string `yaml:"id"`
	// Members bootstraps a new cluster. Nodes joining an existing cluster
	// leave it empty and are added with a configuration change.
	Members []MemberConfig `yaml:"members,omitempty"`
}

// MemberConfig is one initial member of group0.
type MemberConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	// CanVote defaults to true.
	CanVote *bool `yaml:"canVote"`
}

// FailureDetectorConfig tunes the ping based failure detector.
type FailureDetectorConfig struct {
	PingInterval time.Duration `yaml:"pingInterval"`
	PingTimeout  time.Duration `yaml:"pingTimeout"`
	DeadAfter    time.Duration `yaml:"deadAfter"`
}

// APIConfig holds HTTP API configuration.
type APIConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// MetricsConfig holds in-memory metrics configuration.
type MetricsConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	Retention time.Duration `yaml:"retention"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}
