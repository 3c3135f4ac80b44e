// Package api serves the HTTP API of a metaraft node.
//
// Endpoints:
//
//	GET    /v1/status          role, term, indexes and members of group0
//	GET    /v1/kv?prefix=p     list keys
//	GET    /v1/kv/{key}        linearizable read
//	PUT    /v1/kv/{key}        store the request body
//	DELETE /v1/kv/{key}        remove a key
//	POST   /v1/members         add a member {"id", "address", "canVote"}
//	DELETE /v1/members/{id}    remove a member
//	POST   /v1/stepdown        transfer leadership, ?timeout=5s
//	GET    /v1/metrics         in-memory metrics
//
// Keys may contain slashes. Errors are JSON objects with an error code; a
// not_leader error names the leader in the X-Raft-Leader header when it is
// known.
package api
