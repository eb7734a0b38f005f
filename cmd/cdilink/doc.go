// Package main provides the cdilink command, which sends and receives a
// live test stream.
//
// # Overview
//
// The command runs an Output, a Source or both against the same adapter
// registry. The Output carries scrolling colour bars at the configured frame
// rate and a 1 kHz sine tone. The Source counts what arrives and reports
// statistics once a second.
//
// # Usage
//
// Loop a stream through the in-memory network:
//
//	go run ./cmd/cdilink -mode loopback -transport sim -duration 10s
//
// Send 720p to a receiver over UDP:
//
//	go run ./cmd/cdilink -mode tx -remote 10.0.0.2 -width 1280 -height 720
//
// Receive with settings from a file:
//
//	go run ./cmd/cdilink -mode rx -config cdilink.yaml -bind 0.0.0.0
//
// # Configuration Options
//
// Run configuration:
//   - -mode: tx, rx or loopback (default: loopback)
//   - -config: YAML configuration file
//   - -duration: Stop after this long (default: until interrupted)
//
// Network configuration:
//   - -transport: sim, udp or quic (default: CDILINK_TRANSPORT or udp)
//   - -local: Local adapter address (default: 127.0.0.1)
//   - -remote: Receiver address for tx
//   - -bind: Listen address for rx
//   - -port: Destination or listen port (default: 5000)
//
// Stream format:
//   - -width, -height: Video size (default: 1920x1080)
//   - -depth: Bit depth (default: 10)
//   - -sampling: YCbCr422, YCbCr444 or RGB (default: YCbCr422)
//   - -no-audio: Send and receive video only
//   - -bottom-up: Write received frames bottom row first
//
// Logging configuration:
//   - -log-level: debug, info, warn or error (default: info)
//   - -log-json: Log in JSON
//
// Flags override the configuration file. Flags left unset keep the value
// from the file or the built-in default.
//
// # Exit Codes
//
//   - 0: The run ended on its duration or a signal
//   - 1: Invalid configuration or a failed start
//   - 2: Flag parsing error
package main
