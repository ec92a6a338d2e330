package realtime

import "errors"

var (
	// ErrCapacityExceeded rejects a connection at the admission gate when the
	// instance-wide maximum is reached.
	ErrCapacityExceeded = errors.New("maximum connections reached")

	// ErrUnknownMessageType is reported back to the sender for types outside
	// the dispatch table; it is never fatal to the connection.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrRoomNotFound is returned by broadcast operations on rooms this
	// instance does not hold.
	ErrRoomNotFound = errors.New("room not found")

	// ErrBrokerStarted guards subscription registration after Start.
	ErrBrokerStarted = errors.New("message broker already started")
)
