package group0

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/KilimcininKorOglu/metaraft/internal/logging"
	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

// DefaultMaxAttempts bounds how often a change is retried.
const DefaultMaxAttempts = 10

// Raft is the part of raft.Server a Client needs.
type Raft interface {
	ID() raft.ServerID
	AddEntry(ctx context.Context, command []byte, wait raft.WaitType) error
	ReadBarrier(ctx context.Context) error
}

// Client reads and changes the group0 store through Raft. Reads are
// linearizable. A change is applied at most once even when it has to be
// retried after its commit status got lost.
type Client struct {
	raft        Raft
	sm          *StateMachine
	logger      logging.Logger
	MaxAttempts int
}

// NewClient creates a client for the local server r and its state machine.
func NewClient(r Raft, sm *StateMachine, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Client{raft: r, sm: sm, logger: logger, MaxAttempts: DefaultMaxAttempts}
}

// Get returns the value of key.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := c.raft.ReadBarrier(ctx); err != nil {
		return nil, false, err
	}
	v, ok := c.sm.Get(key)
	return v, ok, nil
}

// List returns the keys with the given prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]KV, error) {
	if err := c.raft.ReadBarrier(ctx); err != nil {
		return nil, err
	}
	return c.sm.List(prefix), nil
}

// Put sets key to value.
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	return c.change(ctx, Command{Type: CmdPut, Key: key, Value: value})
}

// Delete removes key. Deleting a missing key succeeds.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.change(ctx, Command{Type: CmdDelete, Key: key})
}

// Barrier commits a no-op change, so every change submitted before it is
// applied locally when it returns.
func (c *Client) Barrier(ctx context.Context) error {
	return c.change(ctx, Command{Type: CmdNoop})
}

func (c *Client) change(ctx context.Context, cmd Command) error {
	if cmd.Type != CmdNoop && cmd.Key == "" {
		return ErrEmptyKey
	}
	if len(cmd.Key) > maxKeyLen {
		return errors.Wrapf(ErrKeyTooLong, "%d bytes", len(cmd.Key))
	}
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	var attempted []StateID
	for i := 0; i < attempts; i++ {
		if err := c.raft.ReadBarrier(ctx); err != nil {
			return err
		}
		if c.anyApplied(attempted) {
			return nil
		}

		newID, err := uuid.NewV7()
		if err != nil {
			return errors.Wrap(err, "generate state id")
		}
		cmd.PrevStateID = c.sm.LastStateID()
		cmd.NewStateID = newID
		cmd.Creator = c.raft.ID()
		data, err := cmd.Serialize()
		if err != nil {
			return err
		}
		attempted = append(attempted, cmd.NewStateID)

		err = c.raft.AddEntry(ctx, data, raft.WaitApplied)
		switch {
		case err == nil:
			if c.sm.Applied(cmd.NewStateID) {
				return nil
			}
			c.logger.Debug("group0 change lost to a concurrent change, retrying",
				"key", cmd.Key, "attempt", i+1)
		case errors.Is(err, raft.ErrCommitStatusUnknown), errors.Is(err, raft.ErrDroppedEntry):
			c.logger.Debug("group0 change outcome unknown, retrying",
				"key", cmd.Key, "attempt", i+1, "error", err)
		default:
			return err
		}
	}

	if err := c.raft.ReadBarrier(ctx); err != nil {
		return err
	}
	if c.anyApplied(attempted) {
		return nil
	}
	return errors.Wrapf(ErrConflict, "after %d attempts", attempts)
}

func (c *Client) anyApplied(ids []StateID) bool {
	for _, id := range ids {
		if c.sm.Applied(id) {
			return true
		}
	}
	return false
}
