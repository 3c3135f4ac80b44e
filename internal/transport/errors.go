package transport

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

// Transport errors.
var (
	ErrTransportClosed = errors.New("transport: closed")
	ErrConnectFailed   = errors.New("transport: connect failed")
	ErrUnknownAddress  = errors.New("transport: address of server unknown")
	ErrUnknownGroup    = errors.New("transport: unknown raft group")
	ErrFrameTooLarge   = errors.New("transport: frame too large")
	ErrMalformedFrame  = errors.New("transport: malformed frame")
	ErrQueueFull       = errors.New("transport: outbound queue full")
)

// RemoteError is an error returned by the remote node that has no local
// equivalent.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Message
}

const (
	statusOK uint8 = iota
	statusError
)

// Error codes carried in responses so callers can match raft errors.
const (
	codeOther uint8 = iota
	codeNotLeader
	codeConfChangeInProgress
	codeCommitStatusUnknown
	codeDroppedEntry
	codeTimeout
	codeStopped
	codeReadBarrierOutsideConfig
	codeUnknownGroup
	codeNoOtherVotingMember
)

var codeErrors = map[uint8]error{
	codeConfChangeInProgress:     raft.ErrConfChangeInProgress,
	codeCommitStatusUnknown:      raft.ErrCommitStatusUnknown,
	codeDroppedEntry:             raft.ErrDroppedEntry,
	codeTimeout:                  raft.ErrTimeout,
	codeStopped:                  raft.ErrStopped,
	codeReadBarrierOutsideConfig: raft.ErrReadBarrierOutsideConfig,
	codeUnknownGroup:             ErrUnknownGroup,
	codeNoOtherVotingMember:      raft.ErrNoOtherVotingMember,
}

// okResponse wraps a successful response payload.
func okResponse(payload []byte) []byte {
	return append([]byte{statusOK}, payload...)
}

// errorResponse encodes err.
// Format: [status:1][code:1][leader:16][msgLen:2][msg:N]
func errorResponse(err error) []byte {
	var buf bytes.Buffer
	buf.WriteByte(statusError)
	code := codeOther
	var leader raft.ServerID
	var nle *raft.NotLeaderError
	if errors.As(err, &nle) {
		code = codeNotLeader
		leader = nle.Leader
	} else {
		for c, target := range codeErrors {
			if errors.Is(err, target) {
				code = c
				break
			}
		}
	}
	buf.WriteByte(code)
	buf.Write(leader[:])
	writeString(&buf, err.Error())
	return buf.Bytes()
}

// decodeResponse returns the payload of a successful response or the error
// it carries.
func decodeResponse(resp []byte) ([]byte, error) {
	if len(resp) == 0 {
		return nil, ErrMalformedFrame
	}
	if resp[0] == statusOK {
		return resp[1:], nil
	}
	r := bytes.NewReader(resp[1:])
	code, err := r.ReadByte()
	if err != nil {
		return nil, ErrMalformedFrame
	}
	var leader raft.ServerID
	if _, err := io.ReadFull(r, leader[:]); err != nil {
		return nil, ErrMalformedFrame
	}
	msg, err := readString(r)
	if err != nil {
		return nil, ErrMalformedFrame
	}
	if code == codeNotLeader {
		return nil, &raft.NotLeaderError{Leader: leader}
	}
	if target, ok := codeErrors[code]; ok {
		return nil, errors.Wrap(target, "remote")
	}
	return nil, &RemoteError{Message: msg}
}

func writeString(buf *bytes.Buffer, s string) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(len(s)))
	buf.Write(b[:])
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint16(b[:])
	if int(n) > r.Len() {
		return "", ErrMalformedFrame
	}
	s := make([]byte, n)
	if _, err := io.ReadFull(r, s); err != nil {
		return "", err
	}
	return string(s), nil
}
