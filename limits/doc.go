// Package limits provides centralized payload size constants and validation
// functions for cdilink. Tx pools size their slots from these values and Rx
// transports reject inbound payloads that exceed them before any buffer is
// reserved.
//
// # Size Hierarchy
//
//   - MaxVideoPayload: the largest packed video frame (8K, RGB plus alpha,
//     12 bits per sample).
//   - DefaultAudioPayload (6144 bytes): the audio area reserved after the
//     video area in each transmit slot.
//   - MaxAudioPayload: 24 channels of MaxAudioSamples 24-bit samples.
//   - MaxDescriptorLength: the format descriptor carried with each payload.
//
// # Validation Functions
//
//	if err := limits.ValidateVideoPayload(n); err != nil {
//	    // ErrPayloadEmpty or ErrPayloadTooLarge
//	}
//
// For custom limits, use ValidatePayloadSize:
//
//	err := limits.ValidatePayloadSize(len(buf), 4096)
package limits
