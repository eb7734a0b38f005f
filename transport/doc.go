// Package transport implements the network adapters that carry payloads
// between a sender and a receiver.
//
// # Adapters
//
// Two adapters satisfy interfaces.ITransport:
//
//	udp  - RTP datagrams over UDP, one payload fragmented across packets
//	quic - one unidirectional QUIC stream per payload
//
// A UDP sender probes the receiver at the keepalive interval and reports
// StatusConnected once an acknowledgement comes back. A QUIC sender reports
// StatusConnected once its handshake completes and redials when the
// connection drops.
//
// # Sharing
//
// Sessions that use the same adapter kind and local address share one
// adapter through a Registry:
//
//	reg := transport.NewRegistry(open)
//	h, err := reg.AcquireShared(transport.AdapterKey{Kind: "udp", LocalAddr: "127.0.0.1"})
//	conn, err := h.Transport().CreateConnection(cfg)
//	...
//	reg.ReleaseShared(h)
//
// The adapter closes when its last handle is released.
//
// # Buffers
//
// Receivers reassemble payloads into slots from a fixed pool sized by the
// connection's QueueDepth and MaxPayloadSize. A delivered payload holds its
// slot until Free is called; when every slot is held new payloads are
// dropped.
package transport
