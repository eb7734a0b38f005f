package av

import "errors"

// Sentinel errors for descriptor operations.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrMalformedDescriptor indicates a format descriptor that cannot be
	// parsed. Receivers drop the payload it arrived with.
	ErrMalformedDescriptor = errors.New("malformed format descriptor")

	// ErrUnknownMediaType indicates a descriptor type other than video or audio.
	ErrUnknownMediaType = errors.New("unknown media type")
)
