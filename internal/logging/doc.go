// Package logging provides structured logging for metaraft.
//
// # Overview
//
// Logger is a key/value logging interface backed by zap. Raft servers,
// the transport, the group registry and the HTTP API all log through it:
//
//	logger := logging.New(logging.Config{
//	    Level:  "info",
//	    Format: "json",
//	    Output: "/var/log/metaraft/metaraft.log",
//	})
//
//	logger.Info("became leader", "groupId", gid, "term", 7)
//
// For testing, use a no-op logger:
//
//	logger := logging.NewNop()
//
// # Contextual Fields
//
// WithFields returns a logger that adds fields to every entry. Derived
// loggers share the level of their parent, so SetLevel on the root logger
// changes all of them:
//
//	groupLogger := logger.WithFields("groupId", gid)
//	logging.SetLevel(logger, logging.LevelDebug)
//
// # Request ID Tracking
//
// The HTTP API tags each request:
//
//	reqLogger := logger.WithRequestID(logging.GenerateRequestID())
//
// # Output Formats
//
// Text format (console encoder):
//
//	2026-02-18T10:30:00.000Z	INFO	became leader	{"groupId": "...", "term": 7}
//
// JSON format:
//
//	{"level":"info","ts":"2026-02-18T10:30:00.000Z","msg":"became leader","term":7}
package logging
