package presence

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownSession is returned for heartbeat or detach on a connection
	// that was never attached or has already been evicted.
	ErrUnknownSession = errors.New("unknown session")
	// ErrOutboxFull means a recipient fell too far behind and the event was dropped.
	ErrOutboxFull = errors.New("recipient outbox full")
)

// PersistenceError wraps a failed durable write. The reconciler retries it on
// the next pass.
type PersistenceError struct {
	UserID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist presence of %s: %v", e.UserID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// DeliveryError describes a failed send to a single recipient.
type DeliveryError struct {
	ConnectionID string
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver presence to %s: %v", e.ConnectionID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
