// Package pool provides the fixed-capacity payload buffer pool used on the
// transmit path and by transports for receive reassembly.
//
// A Pool carves one contiguous backing allocation into equally sized slots.
// Acquire hands out a *Slot without allocating and reports false when every
// slot is held; callers treat that as backpressure and skip the frame rather
// than block.
//
//	p, err := pool.New(9, payloadSize)
//	if err != nil {
//	    return err
//	}
//	slot, ok := p.Acquire()
//	if !ok {
//	    return // backpressure
//	}
//	n, _ := video.Pack(slot.Bytes(), frame, format)
//	slot.SetLen(n)
//	// ... hand slot.Payload() to the transport, Release on completion
//	slot.Release()
//
// Releasing a slot that is not held is a programming error and panics.
package pool
