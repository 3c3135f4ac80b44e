package raft

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
)

// Wire message types.
const (
	MsgVoteRequest uint8 = iota + 1
	MsgVoteReply
	MsgAppendRequest
	MsgAppendReply
	MsgInstallSnapshot
	MsgSnapshotReply
	MsgTimeoutNow
	MsgReadQuorum
	MsgReadQuorumReply
)

const (
	appendAccepted uint8 = iota
	appendRejected
)

// MessageType returns the wire type of m.
func MessageType(m Message) uint8 {
	switch m.(type) {
	case VoteRequest:
		return MsgVoteRequest
	case VoteReply:
		return MsgVoteReply
	case AppendRequest:
		return MsgAppendRequest
	case AppendReply:
		return MsgAppendReply
	case InstallSnapshot:
		return MsgInstallSnapshot
	case SnapshotReply:
		return MsgSnapshotReply
	case TimeoutNow:
		return MsgTimeoutNow
	case ReadQuorum:
		return MsgReadQuorum
	case ReadQuorumReply:
		return MsgReadQuorumReply
	default:
		return 0
	}
}

// EncodeMessage serializes m. The message type is not included; use
// MessageType to frame it.
func EncodeMessage(m Message) []byte {
	var buf bytes.Buffer
	switch m := m.(type) {
	case VoteRequest:
		writeUint64(&buf, uint64(m.CurrentTerm))
		writeUint64(&buf, uint64(m.LastLogIdx))
		writeUint64(&buf, uint64(m.LastLogTerm))
		writeBool(&buf, m.IsPrevote)
		writeBool(&buf, m.Force)
	case VoteReply:
		writeUint64(&buf, uint64(m.CurrentTerm))
		writeBool(&buf, m.VoteGranted)
		writeBool(&buf, m.IsPrevote)
	case AppendRequest:
		writeUint64(&buf, uint64(m.CurrentTerm))
		writeUint64(&buf, uint64(m.PrevLogIdx))
		writeUint64(&buf, uint64(m.PrevLogTerm))
		writeUint64(&buf, uint64(m.LeaderCommitIdx))
		writeUint32(&buf, uint32(len(m.Entries)))
		for _, e := range m.Entries {
			writeBytes(&buf, e.Serialize())
		}
	case AppendReply:
		writeUint64(&buf, uint64(m.CurrentTerm))
		writeUint64(&buf, uint64(m.CommitIdx))
		switch r := m.Result.(type) {
		case AppendAccepted:
			buf.WriteByte(appendAccepted)
			writeUint64(&buf, uint64(r.LastNewIdx))
		case AppendRejected:
			buf.WriteByte(appendRejected)
			writeUint64(&buf, uint64(r.NonMatchingIdx))
			writeUint64(&buf, uint64(r.LastIdx))
		}
	case InstallSnapshot:
		writeUint64(&buf, uint64(m.CurrentTerm))
		writeBytes(&buf, m.Snapshot.Serialize())
		writeBytes(&buf, m.Data)
	case SnapshotReply:
		writeUint64(&buf, uint64(m.CurrentTerm))
		writeBool(&buf, m.Success)
	case TimeoutNow:
		writeUint64(&buf, uint64(m.CurrentTerm))
	case ReadQuorum:
		writeUint64(&buf, uint64(m.CurrentTerm))
		writeUint64(&buf, uint64(m.LeaderCommitIdx))
		writeUint64(&buf, uint64(m.ID))
	case ReadQuorumReply:
		writeUint64(&buf, uint64(m.CurrentTerm))
		writeUint64(&buf, uint64(m.CommitIdx))
		writeUint64(&buf, uint64(m.ID))
	}
	return buf.Bytes()
}

// DecodeMessage decodes a message of the given wire type.
func DecodeMessage(msgType uint8, data []byte) (Message, error) {
	d := newDecoder(data)
	var m Message
	switch msgType {
	case MsgVoteRequest:
		m = VoteRequest{
			CurrentTerm: Term(d.uint64()),
			LastLogIdx:  Index(d.uint64()),
			LastLogTerm: Term(d.uint64()),
			IsPrevote:   d.bool(),
			Force:       d.bool(),
		}
	case MsgVoteReply:
		m = VoteReply{
			CurrentTerm: Term(d.uint64()),
			VoteGranted: d.bool(),
			IsPrevote:   d.bool(),
		}
	case MsgAppendRequest:
		req := AppendRequest{
			CurrentTerm:     Term(d.uint64()),
			PrevLogIdx:      Index(d.uint64()),
			PrevLogTerm:     Term(d.uint64()),
			LeaderCommitIdx: Index(d.uint64()),
		}
		n := d.uint32()
		for i := uint32(0); i < n && d.err == nil; i++ {
			e, err := DeserializeLogEntry(d.bytes())
			if err != nil {
				return nil, err
			}
			req.Entries = append(req.Entries, e)
		}
		m = req
	case MsgAppendReply:
		reply := AppendReply{
			CurrentTerm: Term(d.uint64()),
			CommitIdx:   Index(d.uint64()),
		}
		switch d.byte() {
		case appendAccepted:
			reply.Result = AppendAccepted{LastNewIdx: Index(d.uint64())}
		case appendRejected:
			reply.Result = AppendRejected{NonMatchingIdx: Index(d.uint64()), LastIdx: Index(d.uint64())}
		default:
			d.fail()
		}
		m = reply
	case MsgInstallSnapshot:
		term := Term(d.uint64())
		snp, err := DeserializeSnapshotDescriptor(d.bytes())
		if err != nil {
			return nil, err
		}
		m = InstallSnapshot{CurrentTerm: term, Snapshot: snp, Data: d.bytes()}
	case MsgSnapshotReply:
		m = SnapshotReply{CurrentTerm: Term(d.uint64()), Success: d.bool()}
	case MsgTimeoutNow:
		m = TimeoutNow{CurrentTerm: Term(d.uint64())}
	case MsgReadQuorum:
		m = ReadQuorum{
			CurrentTerm:     Term(d.uint64()),
			LeaderCommitIdx: Index(d.uint64()),
			ID:              ReadID(d.uint64()),
		}
	case MsgReadQuorumReply:
		m = ReadQuorumReply{
			CurrentTerm: Term(d.uint64()),
			CommitIdx:   Index(d.uint64()),
			ID:          ReadID(d.uint64()),
		}
	default:
		return nil, errors.Wrapf(ErrLogCorrupted, "unknown message type %d", msgType)
	}
	if d.err != nil {
		return nil, errors.Wrapf(ErrLogCorrupted, "decode message type %d", msgType)
	}
	return m, nil
}

// Serialize encodes the log entry.
// Format: [Index:8][Term:8][Kind:1][Payload]
func (e *LogEntry) Serialize() []byte {
	var buf bytes.Buffer
	writeUint64(&buf, uint64(e.Index))
	writeUint64(&buf, uint64(e.Term))
	buf.WriteByte(byte(e.Kind))
	switch e.Kind {
	case EntryCommand:
		writeBytes(&buf, e.Command)
	case EntryConfiguration:
		writeConfiguration(&buf, *e.Config)
	}
	return buf.Bytes()
}

// DeserializeLogEntry decodes a log entry.
func DeserializeLogEntry(data []byte) (*LogEntry, error) {
	d := newDecoder(data)
	e := &LogEntry{
		Index: Index(d.uint64()),
		Term:  Term(d.uint64()),
		Kind:  EntryKind(d.byte()),
	}
	switch e.Kind {
	case EntryCommand:
		e.Command = d.bytes()
	case EntryConfiguration:
		cfg := d.configuration()
		e.Config = &cfg
	case EntryDummy:
	default:
		d.fail()
	}
	if d.err != nil {
		return nil, ErrLogCorrupted
	}
	return e, nil
}

// Serialize encodes the snapshot descriptor.
// Format: [Index:8][Term:8][ID:16][Configuration]
func (s SnapshotDescriptor) Serialize() []byte {
	var buf bytes.Buffer
	writeUint64(&buf, uint64(s.Index))
	writeUint64(&buf, uint64(s.Term))
	buf.Write(s.ID[:])
	writeConfiguration(&buf, s.Config)
	return buf.Bytes()
}

// DeserializeSnapshotDescriptor decodes a snapshot descriptor.
func DeserializeSnapshotDescriptor(data []byte) (SnapshotDescriptor, error) {
	d := newDecoder(data)
	s := SnapshotDescriptor{
		Index: Index(d.uint64()),
		Term:  Term(d.uint64()),
	}
	copy(s.ID[:], d.fixed(16))
	s.Config = d.configuration()
	if d.err != nil {
		return SnapshotDescriptor{}, ErrLogCorrupted
	}
	return s, nil
}

// EncodeServerAddresses serializes a list of server addresses.
func EncodeServerAddresses(addrs []ServerAddress) []byte {
	var buf bytes.Buffer
	writeAddresses(&buf, addrs)
	return buf.Bytes()
}

// DecodeServerAddresses decodes a list written by EncodeServerAddresses.
func DecodeServerAddresses(data []byte) ([]ServerAddress, error) {
	d := newDecoder(data)
	addrs := d.addresses()
	if d.err != nil {
		return nil, ErrLogCorrupted
	}
	return addrs, nil
}

func writeConfiguration(buf *bytes.Buffer, cfg Configuration) {
	writeAddressSet(buf, cfg.Current)
	writeAddressSet(buf, cfg.Previous)
}

func writeAddressSet(buf *bytes.Buffer, s ServerAddressSet) {
	addrs := make([]ServerAddress, 0, len(s))
	for _, id := range s.IDs() {
		addrs = append(addrs, s[id])
	}
	writeAddresses(buf, addrs)
}

// Format: [Count:4] then per address [ID:16][CanVote:1][InfoLen:4][Info:N]
func writeAddresses(buf *bytes.Buffer, addrs []ServerAddress) {
	writeUint32(buf, uint32(len(addrs)))
	for _, a := range addrs {
		buf.Write(a.ID[:])
		writeBool(buf, a.CanVote)
		writeBytes(buf, a.Info)
	}
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func writeBytes(buf *bytes.Buffer, data []byte) {
	writeUint32(buf, uint32(len(data)))
	buf.Write(data)
}

// decoder reads little-endian fields and remembers the first error.
type decoder struct {
	r   *bytes.Reader
	err error
}

func newDecoder(data []byte) *decoder {
	return &decoder{r: bytes.NewReader(data)}
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = ErrLogCorrupted
	}
}

func (d *decoder) fixed(n int) []byte {
	if d.err != nil {
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.err = err
		return nil
	}
	return b
}

func (d *decoder) uint64() uint64 {
	b := d.fixed(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) uint32() uint32 {
	b := d.fixed(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) byte() byte {
	b := d.fixed(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) bool() bool {
	return d.byte() != 0
}

func (d *decoder) bytes() []byte {
	n := d.uint32()
	if d.err != nil {
		return nil
	}
	if int64(n) > int64(d.r.Len()) {
		d.fail()
		return nil
	}
	if n == 0 {
		return nil
	}
	return d.fixed(int(n))
}

func (d *decoder) addresses() []ServerAddress {
	n := d.uint32()
	if d.err != nil || int64(n) > int64(d.r.Len()) {
		d.fail()
		return nil
	}
	addrs := make([]ServerAddress, 0, n)
	for i := uint32(0); i < n && d.err == nil; i++ {
		var a ServerAddress
		copy(a.ID[:], d.fixed(16))
		a.CanVote = d.bool()
		a.Info = d.bytes()
		addrs = append(addrs, a)
	}
	return addrs
}

func (d *decoder) addressSet() ServerAddressSet {
	addrs := d.addresses()
	if len(addrs) == 0 {
		return nil
	}
	return NewServerAddressSet(addrs...)
}

func (d *decoder) configuration() Configuration {
	return Configuration{Current: d.addressSet(), Previous: d.addressSet()}
}
