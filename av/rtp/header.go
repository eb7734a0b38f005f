package rtp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/opd-ai/cdilink/interfaces"
	"github.com/opd-ai/cdilink/limits"
)

const (
	payloadHeaderVersion byte = 1

	// PayloadHeaderFixedSize is the header size excluding the descriptor.
	PayloadHeaderFixedSize = 17
)

var (
	// ErrMalformedPacket indicates a datagram that is not a valid fragment
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrHeaderVersion indicates a payload header from an unknown version
	ErrHeaderVersion = errors.New("unsupported payload header version")
)

// PayloadHeader precedes the data of every payload on the wire.
//
//	version(1) stream(2) seconds(4) nanoseconds(4) length(4) configLen(2) config
type PayloadHeader struct {
	StreamID  uint16
	Timestamp interfaces.PTPTimestamp
	Length    uint32
	Config    string
}

// Size returns the encoded size of the header.
func (h *PayloadHeader) Size() int {
	return PayloadHeaderFixedSize + len(h.Config)
}

// MarshalTo encodes the header into buf and returns the bytes written.
func (h *PayloadHeader) MarshalTo(buf []byte) (int, error) {
	if err := limits.ValidateDescriptor(h.Config); err != nil {
		return 0, fmt.Errorf("payload header: %w", err)
	}
	if len(buf) < h.Size() {
		return 0, fmt.Errorf("payload header: buffer %d bytes, need %d", len(buf), h.Size())
	}
	buf[0] = payloadHeaderVersion
	binary.BigEndian.PutUint16(buf[1:], h.StreamID)
	binary.BigEndian.PutUint32(buf[3:], h.Timestamp.Seconds)
	binary.BigEndian.PutUint32(buf[7:], h.Timestamp.Nanoseconds)
	binary.BigEndian.PutUint32(buf[11:], h.Length)
	binary.BigEndian.PutUint16(buf[15:], uint16(len(h.Config)))
	copy(buf[PayloadHeaderFixedSize:], h.Config)
	return h.Size(), nil
}

// Unmarshal decodes a header from the front of buf and returns the bytes
// consumed. When the encoded descriptor equals h.Config the existing string
// is kept, so decoding a stream of identical descriptors does not allocate.
func (h *PayloadHeader) Unmarshal(buf []byte) (int, error) {
	if len(buf) < PayloadHeaderFixedSize {
		return 0, fmt.Errorf("%w: header needs %d bytes, have %d", ErrMalformedPacket, PayloadHeaderFixedSize, len(buf))
	}
	configLen, err := h.decodeFixed(buf)
	if err != nil {
		return 0, err
	}
	end := PayloadHeaderFixedSize + configLen
	if len(buf) < end {
		return 0, fmt.Errorf("%w: descriptor truncated", ErrMalformedPacket)
	}
	h.setConfig(buf[PayloadHeaderFixedSize:end])
	return end, nil
}

// ReadFrom decodes a header from a stream. scratch must hold at least
// limits.MaxDescriptorLength bytes.
func (h *PayloadHeader) ReadFrom(r io.Reader, scratch []byte) error {
	var fixed [PayloadHeaderFixedSize]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return err
	}
	configLen, err := h.decodeFixed(fixed[:])
	if err != nil {
		return err
	}
	if configLen > len(scratch) {
		return fmt.Errorf("%w: descriptor length %d", ErrMalformedPacket, configLen)
	}
	if _, err := io.ReadFull(r, scratch[:configLen]); err != nil {
		return err
	}
	h.setConfig(scratch[:configLen])
	return nil
}

func (h *PayloadHeader) decodeFixed(buf []byte) (int, error) {
	if buf[0] != payloadHeaderVersion {
		return 0, fmt.Errorf("%w: %d", ErrHeaderVersion, buf[0])
	}
	h.StreamID = binary.BigEndian.Uint16(buf[1:])
	h.Timestamp.Seconds = binary.BigEndian.Uint32(buf[3:])
	h.Timestamp.Nanoseconds = binary.BigEndian.Uint32(buf[7:])
	h.Length = binary.BigEndian.Uint32(buf[11:])
	configLen := int(binary.BigEndian.Uint16(buf[15:]))
	if configLen == 0 || configLen > limits.MaxDescriptorLength {
		return 0, fmt.Errorf("%w: descriptor length %d", ErrMalformedPacket, configLen)
	}
	return configLen, nil
}

func (h *PayloadHeader) setConfig(b []byte) {
	if string(b) != h.Config {
		h.Config = string(b)
	}
}
