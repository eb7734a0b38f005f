package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/cdilink/interfaces"
	"github.com/opd-ai/cdilink/limits"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// RTP payload types used on the wire.
const (
	PayloadTypeData  uint8 = 96
	PayloadTypeProbe uint8 = 97
	PayloadTypeAck   uint8 = 98
)

const (
	// DefaultMaxPacketSize keeps datagrams under a typical path MTU.
	DefaultMaxPacketSize = 1200
	// MinMaxPacketSize must leave room for a header with a full descriptor.
	MinMaxPacketSize = rtpHeaderSize + fragmentHeaderSize + PayloadHeaderFixedSize + limits.MaxDescriptorLength + 1
	// MaxMaxPacketSize is the largest jumbo datagram accepted.
	MaxMaxPacketSize = 9000

	rtpHeaderSize      = 12
	fragmentHeaderSize = 4
)

// Packetizer splits payloads into RTP datagrams. It reuses one datagram
// buffer and is not safe for concurrent use.
type Packetizer struct {
	ssrc           uint32
	sequenceNumber uint16
	payloadCount   uint32
	maxPacketSize  int
	buf            []byte
}

// NewPacketizer creates a packetizer with a random SSRC.
//
// Parameters:
//   - maxPacketSize: largest datagram to emit, in [MinMaxPacketSize, MaxMaxPacketSize]
//
// Returns:
//   - *Packetizer: New packetizer instance
//   - error: Any error that occurred during setup
func NewPacketizer(maxPacketSize int) (*Packetizer, error) {
	if maxPacketSize < MinMaxPacketSize || maxPacketSize > MaxMaxPacketSize {
		return nil, fmt.Errorf("invalid packet size: %d (must be %d-%d)", maxPacketSize, MinMaxPacketSize, MaxMaxPacketSize)
	}

	ssrcBytes := make([]byte, 4)
	if _, err := rand.Read(ssrcBytes); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewPacketizer",
			"error":    err.Error(),
		}).Error("Failed to generate SSRC")
		return nil, fmt.Errorf("failed to generate SSRC: %w", err)
	}

	return &Packetizer{
		ssrc:           binary.BigEndian.Uint32(ssrcBytes),
		sequenceNumber: 1,
		maxPacketSize:  maxPacketSize,
		buf:            make([]byte, maxPacketSize),
	}, nil
}

// SSRC returns the synchronization source of emitted packets.
func (pk *Packetizer) SSRC() uint32 { return pk.ssrc }

// PacketCount returns how many datagrams a payload of the given size and
// descriptor length occupies.
func PacketCount(payloadLen, configLen, maxPacketSize int) int {
	room := maxPacketSize - rtpHeaderSize - fragmentHeaderSize
	first := room - PayloadHeaderFixedSize - configLen
	if payloadLen <= first {
		return 1
	}
	return 1 + (payloadLen-first+room-1)/room
}

// Packetize fragments p and calls emit once per datagram, in order. The
// slice passed to emit is only valid until emit returns.
func (pk *Packetizer) Packetize(p *interfaces.TxPayload, emit func([]byte) error) error {
	total := p.Len()
	if err := limits.ValidatePayloadSize(total, limits.MaxVideoPayload); err != nil {
		return err
	}
	h := PayloadHeader{
		StreamID:  p.StreamID,
		Timestamp: p.Timestamp,
		Length:    uint32(total),
		Config:    p.Config,
	}

	cursor := sglCursor{sgl: p.SGL}
	offset := 0
	for offset < total {
		room := pk.maxPacketSize - rtpHeaderSize - fragmentHeaderSize
		if offset == 0 {
			room -= h.Size()
		}
		chunk := min(room, total-offset)

		header := rtp.Header{
			Version:        2,
			Marker:         offset+chunk == total,
			PayloadType:    PayloadTypeData,
			SequenceNumber: pk.sequenceNumber,
			Timestamp:      pk.payloadCount,
			SSRC:           pk.ssrc,
		}
		n, err := header.MarshalTo(pk.buf)
		if err != nil {
			return fmt.Errorf("failed to marshal RTP header: %w", err)
		}
		binary.BigEndian.PutUint32(pk.buf[n:], uint32(offset))
		n += fragmentHeaderSize
		if offset == 0 {
			m, err := h.MarshalTo(pk.buf[n:])
			if err != nil {
				return err
			}
			n += m
		}
		cursor.copyTo(pk.buf[n : n+chunk])

		if err := emit(pk.buf[:n+chunk]); err != nil {
			return err
		}
		pk.sequenceNumber++
		offset += chunk
	}
	pk.payloadCount++
	return nil
}

// Control builds a probe or ack datagram. The returned slice is valid until
// the next call on the packetizer.
func (pk *Packetizer) Control(payloadType uint8) ([]byte, error) {
	header := rtp.Header{
		Version:        2,
		Marker:         true,
		PayloadType:    payloadType,
		SequenceNumber: pk.sequenceNumber,
		Timestamp:      pk.payloadCount,
		SSRC:           pk.ssrc,
	}
	n, err := header.MarshalTo(pk.buf)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal RTP header: %w", err)
	}
	pk.sequenceNumber++
	return pk.buf[:n], nil
}

// PayloadTypeOf returns the RTP payload type of a datagram without fully
// parsing it.
func PayloadTypeOf(datagram []byte) (uint8, bool) {
	if len(datagram) < rtpHeaderSize || datagram[0]>>6 != 2 {
		return 0, false
	}
	return datagram[1] & 0x7F, true
}

// sglCursor copies consecutive bytes out of a scatter-gather list.
type sglCursor struct {
	sgl [][]byte
	i   int
	off int
}

func (c *sglCursor) copyTo(dst []byte) {
	for len(dst) > 0 {
		src := c.sgl[c.i][c.off:]
		n := copy(dst, src)
		dst = dst[n:]
		c.off += n
		if c.off == len(c.sgl[c.i]) {
			c.i++
			c.off = 0
		}
	}
}
