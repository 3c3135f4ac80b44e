package storage

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

// DBFileName is the name of the bolt file inside the data directory.
const DBFileName = "metaraft.db"

// Bucket layout:
//
//	node/                       server id of this process
//	groups/<group id>/meta      term, vote, snapshot descriptor
//	groups/<group id>/log       entries keyed by big endian index
var (
	bucketNode   = []byte("node")
	bucketGroups = []byte("groups")
	bucketMeta   = []byte("meta")
	bucketLog    = []byte("log")

	keyServerID = []byte("server_id")
	keyTerm     = []byte("term")
	keyVote     = []byte("vote")
	keySnapshot = []byte("snapshot")
)

// Storage errors.
var (
	ErrClosed = errors.New("storage: closed")
)

// DB is the durable store of one process. Every Raft group gets its own
// bucket; see Persistence.
type DB struct {
	bolt *bolt.DB
	path string
}

// Open opens or creates the bolt file in dir.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create data directory %s", dir)
	}
	path := filepath.Join(dir, DBFileName)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketNode); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketGroups)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create buckets")
	}
	return &DB{bolt: db, path: path}, nil
}

// Path returns the location of the bolt file.
func (db *DB) Path() string { return db.path }

// Close closes the bolt file.
func (db *DB) Close() error {
	return db.bolt.Close()
}

// ServerID returns the id stored for this process, generating and storing a
// new one on first use.
func (db *DB) ServerID() (raft.ServerID, error) {
	var id raft.ServerID
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNode)
		if v := b.Get(keyServerID); v != nil {
			if len(v) != len(id) {
				return errors.Wrapf(raft.ErrLogCorrupted, "server id has %d bytes", len(v))
			}
			copy(id[:], v)
			return nil
		}
		id = raft.NewServerID()
		return b.Put(keyServerID, id[:])
	})
	return id, err
}

// SetServerID stores id as this process's server id.
func (db *DB) SetServerID(id raft.ServerID) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNode).Put(keyServerID, id[:])
	})
}

// Groups returns the ids of all groups with stored state.
func (db *DB) Groups() ([]raft.GroupID, error) {
	var out []raft.GroupID
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGroups).ForEach(func(k, _ []byte) error {
			var gid raft.GroupID
			if len(k) == len(gid) {
				copy(gid[:], k)
				out = append(out, gid)
			}
			return nil
		})
	})
	return out, err
}

// DropGroup removes all state of a group.
func (db *DB) DropGroup(gid raft.GroupID) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketGroups).DeleteBucket(gid[:])
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// Persistence returns the raft.Persistence of group gid.
func (db *DB) Persistence(gid raft.GroupID) (*BoltPersistence, error) {
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		g, err := tx.Bucket(bucketGroups).CreateBucketIfNotExists(gid[:])
		if err != nil {
			return err
		}
		if _, err := g.CreateBucketIfNotExists(bucketMeta); err != nil {
			return err
		}
		_, err = g.CreateBucketIfNotExists(bucketLog)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create buckets of group %s", gid)
	}
	return &BoltPersistence{db: db.bolt, group: gid}, nil
}

// BoltPersistence stores the Raft state of one group in bolt. Close does not
// close the shared DB.
type BoltPersistence struct {
	db    *bolt.DB
	group raft.GroupID
}

func (p *BoltPersistence) buckets(tx *bolt.Tx) (meta, log *bolt.Bucket) {
	g := tx.Bucket(bucketGroups).Bucket(p.group[:])
	if g == nil {
		return nil, nil
	}
	return g.Bucket(bucketMeta), g.Bucket(bucketLog)
}

func (p *BoltPersistence) update(fn func(meta, log *bolt.Bucket) error) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		meta, log := p.buckets(tx)
		if meta == nil {
			return errors.Wrapf(ErrClosed, "group %s was dropped", p.group)
		}
		return fn(meta, log)
	})
}

func (p *BoltPersistence) view(fn func(meta, log *bolt.Bucket) error) error {
	return p.db.View(func(tx *bolt.Tx) error {
		meta, log := p.buckets(tx)
		if meta == nil {
			return errors.Wrapf(ErrClosed, "group %s was dropped", p.group)
		}
		return fn(meta, log)
	})
}

func indexKey(idx raft.Index) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(idx))
	return k[:]
}

func keyIndex(k []byte) raft.Index {
	return raft.Index(binary.BigEndian.Uint64(k))
}

// StoreTermAndVote implements raft.Persistence.
func (p *BoltPersistence) StoreTermAndVote(_ context.Context, term raft.Term, vote raft.ServerID) error {
	return p.update(func(meta, _ *bolt.Bucket) error {
		var t [8]byte
		binary.LittleEndian.PutUint64(t[:], uint64(term))
		if err := meta.Put(keyTerm, t[:]); err != nil {
			return err
		}
		return meta.Put(keyVote, vote[:])
	})
}

// LoadTermAndVote implements raft.Persistence.
func (p *BoltPersistence) LoadTermAndVote(context.Context) (raft.Term, raft.ServerID, error) {
	var (
		term raft.Term
		vote raft.ServerID
	)
	err := p.view(func(meta, _ *bolt.Bucket) error {
		if v := meta.Get(keyTerm); len(v) == 8 {
			term = raft.Term(binary.LittleEndian.Uint64(v))
		}
		if v := meta.Get(keyVote); len(v) == len(vote) {
			copy(vote[:], v)
		}
		return nil
	})
	return term, vote, err
}

// StoreLogEntries implements raft.Persistence.
func (p *BoltPersistence) StoreLogEntries(_ context.Context, entries []*raft.LogEntry) error {
	return p.update(func(_, log *bolt.Bucket) error {
		for _, e := range entries {
			if err := log.Put(indexKey(e.Index), e.Serialize()); err != nil {
				return errors.Wrapf(err, "store entry %d", e.Index)
			}
		}
		return nil
	})
}

// LoadLog implements raft.Persistence.
func (p *BoltPersistence) LoadLog(context.Context) ([]*raft.LogEntry, error) {
	var out []*raft.LogEntry
	err := p.view(func(_, log *bolt.Bucket) error {
		return log.ForEach(func(k, v []byte) error {
			e, err := raft.DeserializeLogEntry(v)
			if err != nil {
				return errors.Wrapf(err, "entry %d", keyIndex(k))
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// TruncateLog implements raft.Persistence.
func (p *BoltPersistence) TruncateLog(_ context.Context, idx raft.Index) error {
	return p.update(func(_, log *bolt.Bucket) error {
		var doomed [][]byte
		c := log.Cursor()
		for k, _ := c.Seek(indexKey(idx)); k != nil; k, _ = c.Next() {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		return deleteKeys(log, doomed)
	})
}

// StoreSnapshotDescriptor implements raft.Persistence.
func (p *BoltPersistence) StoreSnapshotDescriptor(_ context.Context, snp raft.SnapshotDescriptor, preserveLogEntries int) error {
	return p.update(func(meta, log *bolt.Bucket) error {
		if err := meta.Put(keySnapshot, snp.Serialize()); err != nil {
			return err
		}
		if snp.Index <= raft.Index(preserveLogEntries) {
			return nil
		}
		// Keep the preserveLogEntries entries ending at the snapshot.
		keepFrom := snp.Index - raft.Index(preserveLogEntries) + 1
		var doomed [][]byte
		c := log.Cursor()
		for k, _ := c.First(); k != nil && keyIndex(k) < keepFrom; k, _ = c.Next() {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		return deleteKeys(log, doomed)
	})
}

// deleteKeys removes keys collected during iteration; deleting through a
// bolt cursor skips the following key.
func deleteKeys(b *bolt.Bucket, keys [][]byte) error {
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// LoadSnapshotDescriptor implements raft.Persistence.
func (p *BoltPersistence) LoadSnapshotDescriptor(context.Context) (raft.SnapshotDescriptor, error) {
	var snp raft.SnapshotDescriptor
	err := p.view(func(meta, _ *bolt.Bucket) error {
		v := meta.Get(keySnapshot)
		if v == nil {
			return nil
		}
		var err error
		snp, err = raft.DeserializeSnapshotDescriptor(v)
		return err
	})
	return snp, err
}

// Close implements raft.Persistence.
func (p *BoltPersistence) Close() error { return nil }

var _ raft.Persistence = (*BoltPersistence)(nil)
