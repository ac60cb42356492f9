package chainsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotArray      = errors.New("chainsync: not an array")
	ErrEmptyEnvelope = errors.New("chainsync: empty envelope")
	ErrBadMessageID  = errors.New("chainsync: message id is not an unsigned integer")
	ErrPayloadShape  = errors.New("chainsync: unexpected payload shape")
	ErrNotEncodable  = errors.New("chainsync: message cannot be encoded")
)

// DecodeError reports a malformed envelope or payload. The client state is
// unchanged and the caller keeps reading.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("chainsync: decode %s: %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(op string, err error) error {
	return &DecodeError{Op: op, Err: err}
}

// UnexpectedMessageError reports a well-formed message the current state does
// not accept. It is ignored.
type UnexpectedMessageError struct {
	State State
	ID    uint64
}

func (e *UnexpectedMessageError) Error() string {
	return fmt.Sprintf("chainsync: unexpected message id %d in state %s", e.ID, e.State)
}

// StorageError wraps a chain index failure. The client cannot make progress
// without durable writes, so it is fatal.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("chainsync: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsFatal reports whether err must stop the sync loop.
func IsFatal(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr)
}
