package chat

import "errors"

// Sentinel errors shared by the broker, the stores and the HTTP layer.
var (
	// ErrProtocol is returned for malformed client frames. The frame is dropped,
	// the connection stays open.
	ErrProtocol = errors.New("protocol error")

	// ErrNotFound is returned when a referenced room or user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned when input is rejected before anything is persisted.
	ErrValidation = errors.New("validation error")

	// ErrConflict is returned when a unique constraint (room name or slug) is violated.
	ErrConflict = errors.New("conflict")

	// ErrAlreadyRegistered is returned when a connection registers twice without
	// deregistering in between.
	ErrAlreadyRegistered = errors.New("connection already registered")

	// ErrDeliveryFailure marks a single recipient that could not accept an event.
	ErrDeliveryFailure = errors.New("delivery failure")

	// ErrBusClosed is returned by Publish once the bus has been shut down.
	ErrBusClosed = errors.New("broadcast bus closed")

	// ErrBridgeFailure is returned when an upload was persisted but could not be
	// handed to the broadcast bus.
	ErrBridgeFailure = errors.New("persisted but not broadcast")
)
