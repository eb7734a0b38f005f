package interfaces

import (
	"errors"
	"fmt"
	"time"
)

// Transport kinds understood by the factory.
const (
	TransportSimulated = "sim"
	TransportUDP       = "udp"
	TransportQUIC      = "quic"
)

// Bounds for TransportConfig values.
const (
	MinQueueDepth = 1
	MaxQueueDepth = 1024
)

var (
	// ErrInvalidKind indicates an unknown transport kind
	ErrInvalidKind = errors.New("invalid transport kind")

	// ErrInvalidTimeout indicates a non-positive timeout
	ErrInvalidTimeout = errors.New("invalid timeout")

	// ErrInvalidQueueDepth indicates a queue depth outside [MinQueueDepth, MaxQueueDepth]
	ErrInvalidQueueDepth = errors.New("invalid queue depth")

	// ErrInvalidAddress indicates a missing address or port
	ErrInvalidAddress = errors.New("invalid address")
)

// TransportConfig holds configuration for transport implementations
type TransportConfig struct {
	// Kind selects the implementation: sim, udp or quic
	Kind string `yaml:"kind"`

	// TxTimeout is how long a payload may take to complete before it is
	// reported late
	TxTimeout time.Duration `yaml:"tx_timeout"`

	// QueueDepth bounds the payloads a connection accepts before ErrQueueFull
	QueueDepth int `yaml:"queue_depth"`

	// KeepaliveInterval paces connection probes
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
}

// Validate checks the configuration values.
func (c *TransportConfig) Validate() error {
	switch c.Kind {
	case TransportSimulated, TransportUDP, TransportQUIC:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, c.Kind)
	}
	if c.TxTimeout <= 0 {
		return fmt.Errorf("%w: tx timeout %v", ErrInvalidTimeout, c.TxTimeout)
	}
	if c.KeepaliveInterval <= 0 {
		return fmt.Errorf("%w: keepalive interval %v", ErrInvalidTimeout, c.KeepaliveInterval)
	}
	if c.QueueDepth < MinQueueDepth || c.QueueDepth > MaxQueueDepth {
		return fmt.Errorf("%w: %d", ErrInvalidQueueDepth, c.QueueDepth)
	}
	return nil
}

// Validate checks the addressing for the configured role.
func (c *ConnectionConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidAddress, c.Port)
	}
	if c.Role == RoleTx && c.RemoteAddr == "" {
		return fmt.Errorf("%w: tx connection needs a remote address", ErrInvalidAddress)
	}
	if c.QueueDepth < MinQueueDepth || c.QueueDepth > MaxQueueDepth {
		return fmt.Errorf("%w: %d", ErrInvalidQueueDepth, c.QueueDepth)
	}
	return nil
}
