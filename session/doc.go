// Package session owns one outbound or inbound transport connection.
//
// # State Machine
//
// A session moves through four states:
//
//	Idle -> Connecting        Start registers callbacks and creates the connection
//	Connecting -> Connected   the transport reports StatusConnected
//	Connected -> Connecting   the transport reports a disconnect; the transport keeps retrying
//	any -> Stopped            Stop
//
// # Events
//
// Transport callbacks run on transport goroutines. They never touch session
// state directly: each callback enqueues an event on a buffered channel and
// returns. The session drains the channel synchronously from Poll, from
// WaitConnected and at the top of every Send and retry iteration. The
// session starts no goroutines of its own.
//
// # Sending
//
// TxSession.Send hands a pool slot to the transport. On ErrQueueFull the
// same payload is retried after a short sleep, with no lock held, until it
// is accepted, the context ends, or the connection leaves the Connected
// state. A nil return transfers the slot to the session; it is released
// when the transport reports completion or when the session stops. Any
// other return leaves the slot with the caller.
//
// # Receiving
//
// RxSession parses the descriptor attached to every payload and reports a
// format change once per change of a stream's descriptor. Payloads with a
// malformed descriptor are dropped. The transport buffer is freed on every
// path once the handler returns.
package session
