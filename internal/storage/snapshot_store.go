package storage

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

// Snapshot file layout:
//
//	Bytes 0-3:   magic "MRSN"
//	Byte  4:     format version
//	Bytes 5-12:  data length (uint64)
//	Bytes 13-16: CRC32 of data
//	Bytes 17-:   data
const (
	snapshotMagic      = "MRSN"
	snapshotVersion    = 1
	snapshotHeaderSize = 17
	snapshotExt        = ".snap"
)

// Snapshot store errors.
var (
	ErrSnapshotNotFound = errors.New("storage: snapshot not found")
	ErrSnapshotCorrupt  = errors.New("storage: snapshot corrupt")
)

// SnapshotStore keeps application snapshots as one file per snapshot id.
type SnapshotStore struct {
	dir string
	mu  sync.RWMutex
}

// NewSnapshotStore creates the store in dir.
func NewSnapshotStore(dir string) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create snapshot directory %s", dir)
	}
	return &SnapshotStore{dir: dir}, nil
}

func (s *SnapshotStore) filename(id raft.SnapshotID) string {
	return filepath.Join(s.dir, id.String()+snapshotExt)
}

// Save writes a snapshot. The file appears atomically.
func (s *SnapshotStore) Save(id raft.SnapshotID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "tmp-*"+snapshotExt)
	if err != nil {
		return errors.Wrap(err, "create snapshot file")
	}
	defer os.Remove(tmp.Name())

	header := make([]byte, snapshotHeaderSize)
	copy(header[0:4], snapshotMagic)
	header[4] = snapshotVersion
	binary.LittleEndian.PutUint64(header[5:13], uint64(len(data)))
	binary.LittleEndian.PutUint32(header[13:17], crc32.ChecksumIEEE(data))

	if _, err := tmp.Write(header); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write snapshot header")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write snapshot data")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync snapshot")
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.filename(id))
}

// Load reads a snapshot and verifies its checksum.
func (s *SnapshotStore) Load(id raft.SnapshotID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.filename(id))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrSnapshotNotFound, "snapshot %s", id)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header := make([]byte, snapshotHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "read header of snapshot %s", id), ErrSnapshotCorrupt)
	}
	if string(header[0:4]) != snapshotMagic || header[4] != snapshotVersion {
		return nil, errors.Wrapf(ErrSnapshotCorrupt, "snapshot %s: bad header", id)
	}
	size := binary.LittleEndian.Uint64(header[5:13])
	if st, err := f.Stat(); err == nil && uint64(st.Size()-snapshotHeaderSize) != size {
		return nil, errors.Wrapf(ErrSnapshotCorrupt, "snapshot %s: size %d, header says %d", id, st.Size()-snapshotHeaderSize, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "read snapshot %s", id), ErrSnapshotCorrupt)
	}
	if crc32.ChecksumIEEE(data) != binary.LittleEndian.Uint32(header[13:17]) {
		return nil, errors.Wrapf(ErrSnapshotCorrupt, "snapshot %s: checksum mismatch", id)
	}
	return data, nil
}

// Delete removes a snapshot. Removing a missing snapshot is not an error.
func (s *SnapshotStore) Delete(id raft.SnapshotID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.filename(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// List returns the ids of all stored snapshots.
func (s *SnapshotStore) List() ([]raft.SnapshotID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []raft.SnapshotID
	for _, e := range names {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		id, err := raft.ParseSnapshotID(strings.TrimSuffix(name, snapshotExt))
		if err != nil {
			// Leftover temporary file.
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// Retain deletes every snapshot except keep.
func (s *SnapshotStore) Retain(keep ...raft.SnapshotID) error {
	ids, err := s.List()
	if err != nil {
		return err
	}
	wanted := make(map[raft.SnapshotID]bool, len(keep))
	for _, id := range keep {
		wanted[id] = true
	}
	for _, id := range ids {
		if !wanted[id] {
			if err := s.Delete(id); err != nil {
				return err
			}
		}
	}
	return nil
}
