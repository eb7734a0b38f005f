// Package interfaces defines the boundary between cdilink sessions and the
// network transports that carry their payloads.
//
// The types mirror a scatter-gather, completion-driven transport: a Tx
// connection accepts a [TxPayload] and later reports a [Completion]; an Rx
// connection delivers [RxPayload] values whose buffers go back to the
// transport through Free. Connection state changes arrive asynchronously
// through ConnectionConfig.OnStatus.
//
// # Send Results
//
// [IConnection.Send] has exactly three outcomes:
//
//	err := conn.Send(payload)
//	switch {
//	case err == nil:
//	    // one Completion will follow
//	case errors.Is(err, interfaces.ErrQueueFull):
//	    // retry the same payload
//	default:
//	    // wraps interfaces.ErrFatal; stop or restart the session
//	}
//
// # Implementations
//
// The transport package provides UDP (RTP framed) and QUIC implementations;
// the testing package provides an in-process simulation with fault
// injection. The factory package chooses between them from a
// [TransportConfig].
package interfaces
