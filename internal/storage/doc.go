// Package storage keeps the durable state of a metaraft node.
//
// # Raft State
//
// DB wraps one bolt file per process. It stores the server id of the
// process and, for every Raft group, a bucket pair:
//
//	groups/<group id>/meta   term, vote and the snapshot descriptor
//	groups/<group id>/log    log entries keyed by big endian index
//
// DB.Persistence returns the raft.Persistence of one group. Writes are
// synchronous bolt transactions, so a call returns only after the data is
// on disk.
//
// # Application Snapshots
//
// SnapshotStore keeps state machine snapshots outside bolt, one file per
// snapshot id with a small header and a CRC32 of the payload:
//
//	store, err := storage.NewSnapshotStore(filepath.Join(dataDir, "snapshots"))
//	if err != nil {
//	    return err
//	}
//	if err := store.Save(id, data); err != nil {
//	    return err
//	}
//	data, err = store.Load(id)
//
// Files are written to a temporary name and renamed into place, so a crash
// never leaves a partial snapshot under its final name.
package storage
