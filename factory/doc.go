// Package factory opens transport adapters for cdilink sessions.
//
// The factory decouples sessions from concrete transports, so the same
// output can run over RTP/UDP, QUIC or the in-memory simulation without
// changing consuming code.
//
// # Configuration
//
// The factory starts from defaults and applies environment overrides:
//   - CDILINK_TRANSPORT: "udp", "quic" or "sim"
//   - CDILINK_TX_TIMEOUT: a Go duration, e.g. "20ms"
//   - CDILINK_QUEUE_DEPTH: integer in [1, 1024]
//   - CDILINK_KEEPALIVE_INTERVAL: a Go duration, e.g. "250ms"
//
// Invalid or out of range values are logged and ignored.
//
// # Usage
//
//	f := factory.NewTransportFactory()
//	registry := f.NewRegistry()
//	key := f.AdapterKey("127.0.0.1")
//
// Every adapter opened with the "sim" kind joins the factory's single
// SimulatedNetwork, so a sender and a receiver created from the same
// factory reach each other in memory.
package factory
