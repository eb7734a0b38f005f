// Package testing provides an in-memory transport for deterministic tests
// of sessions and the outputs built on them.
//
// # Overview
//
// A SimulatedNetwork joins simulated senders and receivers by port. It
// implements the same interfaces.ITransport contract as the UDP and QUIC
// adapters, so code under test cannot tell the difference:
//
//	net := testing.NewSimulatedNetwork()
//	adapter := net.Open("127.0.0.1")
//	rx, _ := adapter.CreateConnection(interfaces.ConnectionConfig{
//	    Role: interfaces.RoleRx, Port: 5000, QueueDepth: 4, MaxPayloadSize: 1 << 20,
//	    OnReceive: func(p *interfaces.RxPayload) { ...; p.Free() },
//	})
//	tx, _ := adapter.CreateConnection(interfaces.ConnectionConfig{
//	    Role: interfaces.RoleTx, RemoteAddr: "127.0.0.1", Port: 5000, QueueDepth: 4,
//	})
//
// A sender reports StatusConnected while a receiver is bound to its port
// and the link is up.
//
// # Fault Injection
//
// Tests drive failure paths through the network:
//
//   - SetQueueFull and SetPerpetualQueueFull make Send return ErrQueueFull
//   - FailSends makes Send return a fatal error
//   - SetCompletionDelay delays completions to exercise late-payload paths
//   - SetLinkUp flips connection status on both ends
//   - Inject hands a receiver an arbitrary payload, such as one with a
//     malformed descriptor
//
// # Delivery Logs
//
// Every delivery attempt is recorded as a DeliveryRecord. Use
// GetDeliveryLog to retrieve the log, and ClearDeliveryLog to reset
// between test cases.
//
// # Thread Safety
//
// All methods on SimulatedNetwork are safe for concurrent use from
// multiple goroutines.
package testing
