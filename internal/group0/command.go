package group0

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

// Command types.
const (
	CmdPut    uint8 = iota + 1 // Set a key
	CmdDelete                  // Remove a key
	CmdNoop                    // Advance the state id only
)

// StateID names one state of the group0 store. Every applied command moves
// the store to the command's NewStateID.
type StateID = uuid.UUID

// Command is one change of the group0 store. A command with a non-zero
// PrevStateID only applies when the store is still in that state.
type Command struct {
	Type        uint8
	PrevStateID StateID
	NewStateID  StateID
	Creator     raft.ServerID
	Key         string
	Value       []byte
}

// Serialize encodes the command to bytes.
func (c *Command) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(c.Type)
	buf.Write(c.PrevStateID[:])
	buf.Write(c.NewStateID[:])
	buf.Write(c.Creator[:])
	if err := writeString(&buf, c.Key); err != nil {
		return nil, err
	}
	if err := writeBytes(&buf, c.Value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DeserializeCommand decodes a command from bytes.
func DeserializeCommand(data []byte) (*Command, error) {
	r := bytes.NewReader(data)
	cmd := &Command{}

	var err error
	if cmd.Type, err = r.ReadByte(); err != nil {
		return nil, errors.Wrap(ErrCorruptCommand, "type")
	}
	if cmd.Type < CmdPut || cmd.Type > CmdNoop {
		return nil, errors.Wrapf(ErrCorruptCommand, "unknown command type %d", cmd.Type)
	}
	for _, dst := range [][]byte{cmd.PrevStateID[:], cmd.NewStateID[:], cmd.Creator[:]} {
		if _, err := io.ReadFull(r, dst); err != nil {
			return nil, errors.Wrap(ErrCorruptCommand, "ids")
		}
	}
	if cmd.Key, err = readString(r); err != nil {
		return nil, errors.Wrap(ErrCorruptCommand, "key")
	}
	if cmd.Value, err = readBytes(r); err != nil {
		return nil, errors.Wrap(ErrCorruptCommand, "value")
	}
	return cmd, nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > maxKeyLen {
		return errors.Wrapf(ErrKeyTooLong, "%d bytes", len(s))
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var length uint16
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", err
	}
	return string(data), nil
}

func writeBytes(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
