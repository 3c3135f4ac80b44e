package transport

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

// envelope addresses a frame to a Raft group member.
// Format: [Group:16][From:16][To:16][FromAddrLen:2][FromAddr:N][Body]
type envelope struct {
	group    raft.GroupID
	from     raft.ServerID
	to       raft.ServerID
	fromAddr string
	body     []byte
}

func (e *envelope) encode() []byte {
	var buf bytes.Buffer
	buf.Grow(50 + len(e.fromAddr) + len(e.body))
	buf.Write(e.group[:])
	buf.Write(e.from[:])
	buf.Write(e.to[:])
	writeString(&buf, e.fromAddr)
	buf.Write(e.body)
	return buf.Bytes()
}

func decodeEnvelope(data []byte) (envelope, error) {
	var e envelope
	r := bytes.NewReader(data)
	for _, dst := range [][]byte{e.group[:], e.from[:], e.to[:]} {
		if _, err := io.ReadFull(r, dst); err != nil {
			return envelope{}, ErrMalformedFrame
		}
	}
	addr, err := readString(r)
	if err != nil {
		return envelope{}, ErrMalformedFrame
	}
	e.fromAddr = addr
	e.body = data[len(data)-r.Len():]
	return e, nil
}

// Body of FrameAddEntry responses: [Term:8][Index:8]
func encodeTermIndex(term raft.Term, idx raft.Index) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], uint64(term))
	binary.LittleEndian.PutUint64(b[8:16], uint64(idx))
	return b
}

func decodeTermIndex(b []byte) (raft.Term, raft.Index, error) {
	if len(b) != 16 {
		return 0, 0, ErrMalformedFrame
	}
	return raft.Term(binary.LittleEndian.Uint64(b[0:8])), raft.Index(binary.LittleEndian.Uint64(b[8:16])), nil
}

// Body of FrameReadBarrier responses: [Index:8]
func encodeIndex(idx raft.Index) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(idx))
	return b
}

func decodeIndex(b []byte) (raft.Index, error) {
	if len(b) != 8 {
		return 0, ErrMalformedFrame
	}
	return raft.Index(binary.LittleEndian.Uint64(b)), nil
}

// Body of FrameModifyConfig requests:
// [AddLen:4][Add:N][DelCount:4][Del:16*DelCount]
func encodeModifyConfig(add []raft.ServerAddress, del []raft.ServerID) []byte {
	var buf bytes.Buffer
	addrs := raft.EncodeServerAddresses(add)
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(addrs)))
	buf.Write(n[:])
	buf.Write(addrs)
	binary.LittleEndian.PutUint32(n[:], uint32(len(del)))
	buf.Write(n[:])
	for _, id := range del {
		buf.Write(id[:])
	}
	return buf.Bytes()
}

func decodeModifyConfig(b []byte) ([]raft.ServerAddress, []raft.ServerID, error) {
	if len(b) < 4 {
		return nil, nil, ErrMalformedFrame
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint64(n) > uint64(len(b)) {
		return nil, nil, ErrMalformedFrame
	}
	add, err := raft.DecodeServerAddresses(b[:n])
	if err != nil {
		return nil, nil, err
	}
	b = b[n:]
	if len(b) < 4 {
		return nil, nil, ErrMalformedFrame
	}
	count := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint64(count)*16 != uint64(len(b)) {
		return nil, nil, ErrMalformedFrame
	}
	del := make([]raft.ServerID, count)
	for i := range del {
		copy(del[i][:], b[i*16:])
	}
	return add, del, nil
}
