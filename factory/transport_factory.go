package factory

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/opd-ai/cdilink/interfaces"
	simnet "github.com/opd-ai/cdilink/testing"
	"github.com/opd-ai/cdilink/transport"
	"github.com/sirupsen/logrus"
)

// Validation constants for configuration bounds checking.
const (
	// MinTxTimeout is the smallest accepted transmit timeout.
	MinTxTimeout = time.Millisecond
	// MaxTxTimeout is the largest accepted transmit timeout.
	MaxTxTimeout = 10 * time.Second
	// MinKeepaliveInterval is the smallest accepted probe interval.
	MinKeepaliveInterval = 10 * time.Millisecond
	// MaxKeepaliveInterval is the largest accepted probe interval.
	MaxKeepaliveInterval = 10 * time.Second
)

// Environment variables read by NewTransportFactory.
const (
	EnvTransport         = "CDILINK_TRANSPORT"
	EnvTxTimeout         = "CDILINK_TX_TIMEOUT"
	EnvQueueDepth        = "CDILINK_QUEUE_DEPTH"
	EnvKeepaliveInterval = "CDILINK_KEEPALIVE_INTERVAL"
)

// TransportFactory opens transport adapters based on configuration.
// It is safe for concurrent use; all methods are protected by an internal mutex.
type TransportFactory struct {
	mu            sync.RWMutex
	defaultConfig *interfaces.TransportConfig
	network       *simnet.SimulatedNetwork
}

// NewTransportFactory creates a new factory with default configuration
func NewTransportFactory() *TransportFactory {
	defaultConfig := createDefaultConfig()
	applyEnvironmentOverrides(defaultConfig)
	logConfigurationInfo(defaultConfig)

	return &TransportFactory{
		defaultConfig: defaultConfig,
	}
}

// createDefaultConfig initializes the default transport configuration.
//
// Default Value Rationale:
//   - Kind: udp - RTP over UDP is the lowest-latency real transport
//   - TxTimeout: 16.666ms - one frame period at 60 frames per second
//   - QueueDepth: 8 - a few frames of slack without adding visible latency
//   - KeepaliveInterval: 250ms - a lost receiver is noticed within a second
func createDefaultConfig() *interfaces.TransportConfig {
	return &interfaces.TransportConfig{
		Kind:              interfaces.TransportUDP,
		TxTimeout:         16666 * time.Microsecond,
		QueueDepth:        8,
		KeepaliveInterval: transport.DefaultKeepaliveInterval,
	}
}

// applyEnvironmentOverrides updates configuration based on environment variables.
// It checks for CDILINK_* environment variables and overrides defaults if valid values are found.
func applyEnvironmentOverrides(config *interfaces.TransportConfig) {
	parseKindSetting(config)
	config.TxTimeout = parseDurationSetting(EnvTxTimeout, config.TxTimeout, MinTxTimeout, MaxTxTimeout)
	parseQueueDepthSetting(config)
	config.KeepaliveInterval = parseDurationSetting(EnvKeepaliveInterval, config.KeepaliveInterval,
		MinKeepaliveInterval, MaxKeepaliveInterval)
}

// parseKindSetting updates Kind from CDILINK_TRANSPORT.
func parseKindSetting(config *interfaces.TransportConfig) {
	kind := os.Getenv(EnvTransport)
	if kind == "" {
		return
	}
	switch kind {
	case interfaces.TransportSimulated, interfaces.TransportUDP, interfaces.TransportQUIC:
		config.Kind = kind
	default:
		logrus.WithFields(logrus.Fields{
			"function":    "parseKindSetting",
			"env_var":     EnvTransport,
			"value":       kind,
			"using_value": config.Kind,
		}).Warn("Unknown transport kind in environment, using default")
	}
}

// parseDurationSetting reads a duration such as "20ms" from an environment
// variable. Invalid or out of bounds values keep the current value.
func parseDurationSetting(envVar string, current, minValue, maxValue time.Duration) time.Duration {
	str := os.Getenv(envVar)
	if str == "" {
		return current
	}
	d, err := time.ParseDuration(str)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseDurationSetting",
			"env_var":     envVar,
			"value":       str,
			"error":       err.Error(),
			"using_value": current,
		}).Warn("Failed to parse duration environment variable, using default")
		return current
	}
	if d < minValue || d > maxValue {
		logrus.WithFields(logrus.Fields{
			"function":    "parseDurationSetting",
			"env_var":     envVar,
			"value":       d,
			"min":         minValue,
			"max":         maxValue,
			"using_value": current,
		}).Warn("Duration environment variable out of bounds, using default")
		return current
	}
	return d
}

// parseQueueDepthSetting updates QueueDepth from CDILINK_QUEUE_DEPTH within
// [interfaces.MinQueueDepth, interfaces.MaxQueueDepth].
func parseQueueDepthSetting(config *interfaces.TransportConfig) {
	str := os.Getenv(EnvQueueDepth)
	if str == "" {
		return
	}
	depth, err := strconv.Atoi(str)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseQueueDepthSetting",
			"env_var":     EnvQueueDepth,
			"value":       str,
			"error":       err.Error(),
			"using_value": config.QueueDepth,
		}).Warn("Failed to parse CDILINK_QUEUE_DEPTH environment variable, using default")
		return
	}
	if depth < interfaces.MinQueueDepth || depth > interfaces.MaxQueueDepth {
		logrus.WithFields(logrus.Fields{
			"function":    "parseQueueDepthSetting",
			"env_var":     EnvQueueDepth,
			"value":       depth,
			"min":         interfaces.MinQueueDepth,
			"max":         interfaces.MaxQueueDepth,
			"using_value": config.QueueDepth,
		}).Warn("CDILINK_QUEUE_DEPTH value out of bounds, using default")
		return
	}
	config.QueueDepth = depth
}

// logConfigurationInfo logs the final configuration settings for debugging purposes.
func logConfigurationInfo(config *interfaces.TransportConfig) {
	logrus.WithFields(logrus.Fields{
		"function":           "NewTransportFactory",
		"kind":               config.Kind,
		"tx_timeout":         config.TxTimeout,
		"queue_depth":        config.QueueDepth,
		"keepalive_interval": config.KeepaliveInterval,
	}).Info("Created transport factory with configuration")
}

// Open creates the adapter for key. It has the signature of
// transport.OpenFunc.
func (f *TransportFactory) Open(key transport.AdapterKey) (interfaces.ITransport, error) {
	f.mu.RLock()
	keepalive := f.defaultConfig.KeepaliveInterval
	f.mu.RUnlock()

	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"kind":     key.Kind,
		"local":    key.LocalAddr,
	}).Info("Opening transport adapter")

	switch key.Kind {
	case interfaces.TransportSimulated:
		return f.SimulatedNetwork().Open(key.LocalAddr), nil
	case interfaces.TransportUDP:
		return transport.NewUDPTransport(key.LocalAddr, transport.UDPOptions{KeepaliveInterval: keepalive})
	case interfaces.TransportQUIC:
		return transport.NewQUICTransport(key.LocalAddr, transport.QUICOptions{KeepaliveInterval: keepalive}), nil
	default:
		return nil, fmt.Errorf("%w: %q", interfaces.ErrInvalidKind, key.Kind)
	}
}

// NewRegistry returns an adapter registry that opens adapters through f.
func (f *TransportFactory) NewRegistry() *transport.Registry {
	return transport.NewRegistry(f.Open)
}

// SimulatedNetwork returns the in-memory network shared by every simulated
// adapter this factory opens.
func (f *TransportFactory) SimulatedNetwork() *simnet.SimulatedNetwork {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.network == nil {
		f.network = simnet.NewSimulatedNetwork()
	}
	return f.network
}

// AdapterKey returns the key for the configured transport kind on localAddr.
func (f *TransportFactory) AdapterKey(localAddr string) transport.AdapterKey {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return transport.AdapterKey{Kind: f.defaultConfig.Kind, LocalAddr: localAddr}
}

// SwitchToSimulation switches the configuration to use simulation
func (f *TransportFactory) SwitchToSimulation() {
	f.mu.Lock()
	defer f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SwitchToSimulation",
		"previous": f.defaultConfig.Kind,
	}).Info("Switching factory to simulation mode")

	f.defaultConfig.Kind = interfaces.TransportSimulated
}

// IsUsingSimulation returns true if the factory is configured for simulation
func (f *TransportFactory) IsUsingSimulation() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.defaultConfig.Kind == interfaces.TransportSimulated
}

// GetCurrentConfig returns a copy of the current default configuration
func (f *TransportFactory) GetCurrentConfig() *interfaces.TransportConfig {
	f.mu.RLock()
	defer f.mu.RUnlock()

	cfg := *f.defaultConfig
	return &cfg
}

// UpdateConfig validates and replaces the factory's default configuration
func (f *TransportFactory) UpdateConfig(config *interfaces.TransportConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "UpdateConfig",
		"old_kind": f.defaultConfig.Kind,
		"new_kind": config.Kind,
	}).Info("Updating factory configuration")

	cfg := *config
	f.defaultConfig = &cfg
	return nil
}
