package protocol

import "errors"

var (
	// ErrCorruptFrame reports a frame whose length or header fields are
	// internally inconsistent. Such frames are discarded by the caller.
	ErrCorruptFrame = errors.New("protocol: corrupt frame")

	// ErrPayloadTooLarge reports an encode attempt with more payload bytes
	// than one frame can carry.
	ErrPayloadTooLarge = errors.New("protocol: payload exceeds frame capacity")
)
