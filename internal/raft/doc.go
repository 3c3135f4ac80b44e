// Package raft implements the Raft consensus algorithm for replicating a
// state machine across a group of servers.
//
// # Overview
//
// The package is split in two layers:
//   - Fsm is a synchronous, single-threaded Raft state machine. It owns the
//     in-memory Log, the role state (follower, pre-candidate, candidate or
//     leader) and the replication progress of every follower. Its work comes
//     out as Output batches: entries to persist, messages to send and
//     entries to apply.
//   - Server drives an Fsm from one goroutine. It persists outputs, sends
//     messages through an RPC, applies committed entries to a StateMachine
//     on a separate goroutine and resolves the waiters of client calls.
//
// # Features
//
//   - Leader election with pre-voting and randomized timeouts
//   - Log replication with pipelined AppendEntries and flow control
//   - Joint-consensus membership changes and non-voting members
//   - Linearizable reads through read barriers
//   - Snapshots, log truncation and snapshot transfer to lagging followers
//   - Forwarding of client calls from followers to the leader
//   - Leadership transfer with TimeoutNow
//
// # Usage
//
// A new group is bootstrapped once, then started on every member:
//
//	cfg := raft.NewConfiguration(members)
//	if err := raft.Bootstrap(ctx, persistence, cfg); err != nil {
//	    return err
//	}
//
//	srv, err := raft.NewServer(id, raft.DefaultServerConfig(), persistence, rpc, sm, fd)
//	if err != nil {
//	    return err
//	}
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//	defer srv.Abort()
//
//	// Tick drives elections and heartbeats.
//	go func() {
//	    for range time.Tick(100 * time.Millisecond) {
//	        srv.Tick()
//	    }
//	}()
//
//	err = srv.AddEntry(ctx, command, raft.WaitApplied)
//
// # Errors
//
// Client calls fail with sentinel errors that callers test with errors.Is.
// ErrCommitStatusUnknown means the entry may or may not be applied; callers
// that need exactly-once effects make their commands idempotent.
// NotLeaderError carries the id of the current leader when one is known.
//
// # References
//
//   - Raft Paper: https://raft.github.io/raft.pdf
//   - Diego Ongaro's thesis, chapter 4 (membership) and 6.4 (read-only queries)
package raft
