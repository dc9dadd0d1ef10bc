package protocol

import "errors"

var (
	// ErrTransferNotFound is returned when a message names a session this node does not track
	ErrTransferNotFound = errors.New("transfer not found")
	// ErrInvalidTransition is returned for state changes the session state machine forbids
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrMissingDescriptor is returned when an operation needs the object's chunk list
	ErrMissingDescriptor = errors.New("session has no descriptor")
	// ErrInvalidMessage is returned for malformed or out-of-range message contents
	ErrInvalidMessage = errors.New("invalid message")
	// ErrUnknownMessage is returned by the codec for unrecognised message types
	ErrUnknownMessage = errors.New("unknown message type")
)
