// Package config loads and validates the configuration of a metaraft node.
//
// Configuration is read from a YAML file on top of DefaultConfig. Values
// may reference environment variables with ${VAR} or ${VAR:-default}, and
// a few settings can be overridden directly with METARAFT_* variables:
//
//	METARAFT_NODE_ID       node.id
//	METARAFT_DATA_DIR      node.dataDir
//	METARAFT_RAFT_ADDRESS  node.raftAddress
//	METARAFT_GROUP0_ID     group0.id
//	METARAFT_API_ADDRESS   api.address
//	METARAFT_LOG_LEVEL     logging.level
//	METARAFT_LOG_FORMAT    logging.format
//	METARAFT_LOG_OUTPUT    logging.output
//
// A minimal three node bootstrap:
//
//	node:
//	  id: 5f0c2b1e-8a57-4bd3-9d1f-2f4f5b6f7a01
//	  dataDir: /var/lib/metaraft
//	  raftAddress: 10.0.0.1:7000
//	group0:
//	  members:
//	    - id: 5f0c2b1e-8a57-4bd3-9d1f-2f4f5b6f7a01
//	      address: 10.0.0.1:7000
//	    - id: 0b8e8f7c-3c1d-4f4e-8d55-6f1b0e2c9a02
//	      address: 10.0.0.2:7000
//	    - id: 9a7d6c5b-4e3f-4a2b-9c1d-0e9f8a7b6c03
//	      address: 10.0.0.3:7000
//
// ValidateConfig reports every problem at once as ValidationError values.
// Watcher polls the file and hands valid new versions to a callback; only
// the log level is applied without a restart.
package config
