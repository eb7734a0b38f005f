// Package limits provides centralized payload size limits for cdilink.
// Every component that sizes a buffer or validates an inbound payload
// uses these values so the transmit and receive sides agree.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxVideoWidth is the widest frame a session accepts (8K UHD).
	MaxVideoWidth = 7680

	// MaxVideoHeight is the tallest frame a session accepts (8K UHD).
	MaxVideoHeight = 4320

	// MaxVideoPayload bounds a single packed video frame. It covers
	// 8K RGB with alpha at 12 bits per sample.
	MaxVideoPayload = MaxVideoWidth * MaxVideoHeight * 4 * 12 / 8

	// DefaultAudioPayload is the audio area reserved in each Tx slot.
	// 6144 bytes hold 1024 stereo samples at 24 bits.
	DefaultAudioPayload = 6144

	// MaxAudioChannels is the widest channel grouping on the wire (22.2).
	MaxAudioChannels = 24

	// MaxAudioSamples bounds the samples per channel in one audio block.
	MaxAudioSamples = 8192

	// MaxAudioPayload bounds a single packed audio block.
	MaxAudioPayload = MaxAudioChannels * MaxAudioSamples * 3

	// MaxDescriptorLength bounds the format descriptor string carried with
	// every payload.
	MaxDescriptorLength = 1024
)

var (
	// ErrPayloadEmpty indicates an empty payload was provided
	ErrPayloadEmpty = errors.New("empty payload")

	// ErrPayloadTooLarge indicates a payload exceeds its maximum size
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrDimensionsOutOfRange indicates a frame size outside the supported range
	ErrDimensionsOutOfRange = errors.New("frame dimensions out of range")
)

// ValidatePayloadSize validates a payload length against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidatePayloadSize(n, maxSize int) error {
	if n <= 0 {
		return ErrPayloadEmpty
	}
	if n > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrPayloadTooLarge, n, maxSize)
	}
	return nil
}

// ValidateVideoPayload validates a packed video payload length against MaxVideoPayload.
func ValidateVideoPayload(n int) error {
	if n <= 0 {
		return ErrPayloadEmpty
	}
	if n > MaxVideoPayload {
		return fmt.Errorf("%w: video size %d exceeds limit %d", ErrPayloadTooLarge, n, MaxVideoPayload)
	}
	return nil
}

// ValidateAudioPayload validates a packed audio payload length against MaxAudioPayload.
func ValidateAudioPayload(n int) error {
	if n <= 0 {
		return ErrPayloadEmpty
	}
	if n > MaxAudioPayload {
		return fmt.Errorf("%w: audio size %d exceeds limit %d", ErrPayloadTooLarge, n, MaxAudioPayload)
	}
	return nil
}

// ValidateDescriptor validates the length of a format descriptor string.
func ValidateDescriptor(desc string) error {
	if len(desc) == 0 {
		return ErrPayloadEmpty
	}
	if len(desc) > MaxDescriptorLength {
		return fmt.Errorf("%w: descriptor length %d exceeds limit %d", ErrPayloadTooLarge, len(desc), MaxDescriptorLength)
	}
	return nil
}

// ValidateVideoDimensions checks that a frame size is non-zero and within
// MaxVideoWidth x MaxVideoHeight.
func ValidateVideoDimensions(width, height int) error {
	if width <= 0 || height <= 0 || width > MaxVideoWidth || height > MaxVideoHeight {
		return fmt.Errorf("%w: %dx%d (max %dx%d)", ErrDimensionsOutOfRange, width, height, MaxVideoWidth, MaxVideoHeight)
	}
	return nil
}
