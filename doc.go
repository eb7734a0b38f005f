// Package cdilink sends and receives live uncompressed video and audio
// between two hosts.
//
// An Output takes host frames, packs them into the wire format and sends
// them over a transmit session. A Source receives payloads, follows their
// format descriptors and unpacks them into host frames for a FrameSink.
// Both sit on top of the session, pool and transport packages:
//
//	factory := factory.NewTransportFactory()
//	registry := factory.NewRegistry()
//	defer registry.Close()
//
//	cfg := cdilink.DefaultConfig()
//	cfg.RemoteAddr = "10.0.0.2"
//
//	out := cdilink.NewOutput(cfg, registry)
//	if err := out.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer out.Stop()
//
//	for frame := range frames {
//	    out.OnVideoFrame(frame, time.Now().UnixNano())
//	}
//
// # Backpressure
//
// Each stream owns a fixed pool of payload buffers sized at Start. A
// buffer stays with the transport until the payload completes, so a slow
// link drains the pool and further frames are skipped with
// pool.ErrExhausted. Frames handed to an Output that has not connected yet
// are skipped with session.ErrNotConnected; the connection keeps trying in
// the background.
//
// # Formats
//
// Every payload carries a text descriptor of its format. A Source
// allocates its scratch frame when a stream's descriptor first arrives
// and again only when it changes. Equivalent descriptors that differ in
// spelling are not a change.
//
// # Configuration
//
// Config can be built in code from DefaultConfig or read from YAML with
// LoadConfig. Adapter options such as the keepalive interval belong to
// the factory package, which reads CDILINK_* environment variables.
package cdilink
