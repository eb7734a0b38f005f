package interfaces

import (
	"errors"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueFull is returned by IConnection.Send when the transport cannot
	// accept another payload yet. The caller retries the same payload.
	ErrQueueFull = errors.New("transport queue full")

	// ErrFatal marks a transport failure the caller cannot retry. Errors
	// returned by IConnection.Send other than ErrQueueFull wrap it.
	ErrFatal = errors.New("fatal transport error")
)

// Role is the direction of a connection.
type Role uint8

const (
	RoleTx Role = iota
	RoleRx
)

// String returns the role name.
func (r Role) String() string {
	if r == RoleRx {
		return "rx"
	}
	return "tx"
}

// Status is a connection state reported asynchronously by the transport.
type Status uint8

const (
	StatusDisconnected Status = iota
	StatusConnected
	StatusError
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "disconnected"
	}
}

// PTPTimestamp is a payload timestamp split into seconds and nanoseconds.
type PTPTimestamp struct {
	Seconds     uint32
	Nanoseconds uint32
}

// PTPFromNanos converts a host timestamp in nanoseconds.
func PTPFromNanos(ns int64) PTPTimestamp {
	if ns < 0 {
		ns = 0
	}
	return PTPTimestamp{
		Seconds:     uint32(ns / int64(time.Second)),
		Nanoseconds: uint32(ns % int64(time.Second)),
	}
}

// Nanos converts the timestamp back to nanoseconds.
func (t PTPTimestamp) Nanos() int64 {
	return int64(t.Seconds)*int64(time.Second) + int64(t.Nanoseconds)
}

// TxPayload is one outbound payload. SGL lists the payload's memory
// regions in order; the transport must not retain them after reporting
// the payload's completion.
type TxPayload struct {
	SGL       [][]byte
	StreamID  uint16
	Timestamp PTPTimestamp
	Config    string
	Token     uint64
}

// Len returns the total payload size across all SGL entries.
func (p *TxPayload) Len() int {
	n := 0
	for _, b := range p.SGL {
		n += len(b)
	}
	return n
}

// Completion reports the end of a TxPayload's life in the transport. Err is
// nil when the payload was delivered.
type Completion struct {
	Token    uint64
	StreamID uint16
	Err      error
}

// RxPayload is one inbound payload. The receiver must call Free exactly
// once when it no longer needs SGL so the transport can reuse the buffer.
type RxPayload struct {
	SGL       [][]byte
	Config    string
	StreamID  uint16
	Timestamp PTPTimestamp
	Err       error

	free  func()
	freed atomic.Bool
}

// NewRxPayload builds an RxPayload whose Free calls free.
func NewRxPayload(sgl [][]byte, config string, streamID uint16, ts PTPTimestamp, free func()) *RxPayload {
	return &RxPayload{
		SGL:       sgl,
		Config:    config,
		StreamID:  streamID,
		Timestamp: ts,
		free:      free,
	}
}

// Free returns the payload's buffer to the transport. Calls after the
// first are ignored.
func (p *RxPayload) Free() {
	if p.freed.CompareAndSwap(false, true) && p.free != nil {
		p.free()
	}
}

// Freed reports whether Free has been called.
func (p *RxPayload) Freed() bool { return p.freed.Load() }

// Linear returns the payload as one contiguous buffer. It reports false
// when the payload spans more than one SGL entry.
func (p *RxPayload) Linear() ([]byte, bool) {
	switch len(p.SGL) {
	case 0:
		return nil, true
	case 1:
		return p.SGL[0], true
	default:
		return nil, false
	}
}

// ConnectionConfig describes one connection to create.
//
// For RoleTx, RemoteAddr and Port name the receiver. For RoleRx, BindAddr
// and Port name the local listening endpoint. The callbacks are invoked
// from transport goroutines and must not block.
type ConnectionConfig struct {
	Name           string
	Role           Role
	LocalAddr      string
	RemoteAddr     string
	BindAddr       string
	Port           int
	TxTimeout      time.Duration
	QueueDepth     int
	MaxPayloadSize int

	OnStatus   func(Status)
	OnComplete func(Completion)
	OnReceive  func(*RxPayload)
}

// ITransport creates connections over one network adapter.
type ITransport interface {
	// CreateConnection opens a connection. It returns once the connection
	// exists; the connected state arrives later through OnStatus.
	CreateConnection(cfg ConnectionConfig) (IConnection, error)

	// Kind returns the transport kind, e.g. "udp".
	Kind() string

	// Close shuts down the adapter. Open connections are closed.
	Close() error
}

// IConnection is one open connection.
type IConnection interface {
	// Send queues a payload. It returns nil, ErrQueueFull, or an error
	// wrapping ErrFatal. A nil return promises exactly one Completion.
	Send(p *TxPayload) error

	// Status returns the most recently reported status.
	Status() Status

	// Close tears down the connection. Completions for payloads still
	// queued are not delivered.
	Close() error
}
