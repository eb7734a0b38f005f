// Package rtp frames cdilink payloads as RTP datagrams using pion/rtp.
//
// A payload larger than one datagram is split into consecutive RTP packets
// that share an RTP timestamp (a per-sender payload counter) and SSRC. The
// marker bit is set on the last packet. Every packet's RTP payload begins
// with the 4-byte big-endian byte offset of its data; the packet at offset
// zero also carries a [PayloadHeader] with the stream identifier, PTP
// timestamp, total length and format descriptor.
//
//	+------------+----------+---------------------+--------------+
//	| RTP header | offset   | PayloadHeader       | payload data |
//	| 12 bytes   | 4 bytes  | (offset 0 only)     |              |
//	+------------+----------+---------------------+--------------+
//
// # Packet Types
//
//   - PayloadTypeData (96): payload fragments
//   - PayloadTypeProbe (97): keepalive from sender to receiver
//   - PayloadTypeAck (98): receiver reply to a probe
//
// # Reassembly
//
// [Depacketizer] reassembles fragments directly into slots of a
// [pool.Pool], so a receive buffer is reserved once per payload and
// returned when the consumer calls Free on the delivered payload.
// Incomplete payloads are evicted after a timeout or when too many are
// pending.
package rtp
