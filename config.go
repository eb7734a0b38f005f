package cdilink

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/opd-ai/cdilink/av"
	"github.com/opd-ai/cdilink/av/audio"
	"github.com/opd-ai/cdilink/av/video"
	"github.com/opd-ai/cdilink/interfaces"
	"github.com/opd-ai/cdilink/limits"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	DefaultName           = "OBS"
	DefaultLocalAddr      = "127.0.0.1"
	DefaultPort           = 5000
	DefaultPoolSize       = 4
	DefaultConnectTimeout = 5 * time.Second
	DefaultAudioSamples   = 1024
)

// ErrInvalidConfig indicates a configuration that cannot start an Output
// or Source.
var ErrInvalidConfig = errors.New("invalid configuration")

// VideoConfig describes the video stream. Enumerations use their
// descriptor names, e.g. Sampling "YCbCr422" and Range "NARROW".
type VideoConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Width        int    `yaml:"width"`
	Height       int    `yaml:"height"`
	Sampling     string `yaml:"sampling"`
	Depth        int    `yaml:"depth"`
	Alpha        bool   `yaml:"alpha"`
	Colorimetry  string `yaml:"colorimetry"`
	Range        string `yaml:"range"`
	FrameRateNum uint32 `yaml:"frame_rate_num"`
	FrameRateDen uint32 `yaml:"frame_rate_den"`

	// Orientation is the row order a Source writes frames in: "top-down"
	// or "bottom-up".
	Orientation string `yaml:"orientation"`
}

// Format converts the configuration to a validated wire format.
func (c VideoConfig) Format() (video.Format, error) {
	sampling, err := video.ParseSampling(c.Sampling)
	if err != nil {
		return video.Format{}, err
	}
	colorimetry, err := video.ParseColorimetry(c.Colorimetry)
	if err != nil {
		return video.Format{}, err
	}
	rng, err := video.ParseRange(c.Range)
	if err != nil {
		return video.Format{}, err
	}
	f := video.Format{
		Width:        c.Width,
		Height:       c.Height,
		Sampling:     sampling,
		Depth:        c.Depth,
		Alpha:        c.Alpha,
		Colorimetry:  colorimetry,
		Range:        rng,
		FrameRateNum: c.FrameRateNum,
		FrameRateDen: c.FrameRateDen,
	}
	if err := f.Validate(); err != nil {
		return video.Format{}, err
	}
	return f, nil
}

// AudioConfig describes the audio stream.
type AudioConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Grouping   string `yaml:"grouping"`
	SampleRate string `yaml:"sample_rate"`
	Language   string `yaml:"language"`

	// MaxSamples is the largest block, in samples per channel, the stream
	// carries. It sizes the audio buffers.
	MaxSamples int `yaml:"max_samples"`
}

// Format converts the configuration to a validated wire format.
func (c AudioConfig) Format() (av.AudioFormat, error) {
	g, err := audio.ParseGrouping(c.Grouping)
	if err != nil {
		return av.AudioFormat{}, err
	}
	rate, err := audio.ParseSampleRate(c.SampleRate)
	if err != nil {
		return av.AudioFormat{}, err
	}
	f := av.AudioFormat{Grouping: g, SampleRate: rate, Language: c.Language}
	if f.Language == "" {
		f.Language = av.DefaultLanguage
	}
	return f, f.Validate()
}

// Config configures an Output or a Source.
//
// An Output sends to RemoteAddr:Port through the adapter bound to
// LocalAddr. A Source listens on BindAddr:Port, defaulting BindAddr to
// LocalAddr.
type Config struct {
	Name       string `yaml:"name"`
	Transport  string `yaml:"transport"`
	LocalAddr  string `yaml:"local_addr"`
	RemoteAddr string `yaml:"remote_addr"`
	BindAddr   string `yaml:"bind_addr"`
	Port       int    `yaml:"port"`

	// TxTimeout and QueueDepth override the session defaults when set
	TxTimeout  time.Duration `yaml:"tx_timeout"`
	QueueDepth int           `yaml:"queue_depth"`

	// PoolSize is the number of payload buffers per stream
	PoolSize int `yaml:"pool_size"`

	// MaxPayloadSize sizes a Source's receive buffers. Zero derives it
	// from the configured video and audio formats.
	MaxPayloadSize int `yaml:"max_payload_size"`

	// ConnectTimeout bounds how long Output.Start waits for the receiver
	// before continuing in the background
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	Video VideoConfig `yaml:"video"`
	Audio AudioConfig `yaml:"audio"`
}

// DefaultConfig returns a configuration for 1080p60 10-bit 4:2:2 video and
// 48 kHz stereo audio over UDP on the loopback interface.
func DefaultConfig() Config {
	return Config{
		Name:           DefaultName,
		Transport:      interfaces.TransportUDP,
		LocalAddr:      DefaultLocalAddr,
		RemoteAddr:     DefaultLocalAddr,
		Port:           DefaultPort,
		PoolSize:       DefaultPoolSize,
		ConnectTimeout: DefaultConnectTimeout,
		Video: VideoConfig{
			Enabled:      true,
			Width:        1920,
			Height:       1080,
			Sampling:     video.SamplingYCbCr422.String(),
			Depth:        10,
			Colorimetry:  video.ColorimetryBT709.String(),
			Range:        video.RangeNarrow.String(),
			FrameRateNum: 60,
			FrameRateDen: 1,
			Orientation:  video.TopDown.String(),
		},
		Audio: AudioConfig{
			Enabled:    true,
			Grouping:   audio.GroupingStereo.String(),
			SampleRate: audio.SampleRate48kHz.String(),
			Language:   av.DefaultLanguage,
			MaxSamples: DefaultAudioSamples,
		},
	}
}

// Validate checks the configuration. Formats are only checked for the
// streams that are enabled.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidConfig)
	}
	switch c.Transport {
	case interfaces.TransportSimulated, interfaces.TransportUDP, interfaces.TransportQUIC:
	default:
		return fmt.Errorf("%w: %w: %q", ErrInvalidConfig, interfaces.ErrInvalidKind, c.Transport)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidConfig, c.Port)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("%w: pool size %d", ErrInvalidConfig, c.PoolSize)
	}
	if c.TxTimeout < 0 || c.ConnectTimeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	if c.QueueDepth < 0 || c.QueueDepth > interfaces.MaxQueueDepth {
		return fmt.Errorf("%w: queue depth %d", ErrInvalidConfig, c.QueueDepth)
	}
	if c.MaxPayloadSize < 0 || c.MaxPayloadSize > limits.MaxVideoPayload {
		return fmt.Errorf("%w: max payload size %d", ErrInvalidConfig, c.MaxPayloadSize)
	}
	if !c.Video.Enabled && !c.Audio.Enabled {
		return fmt.Errorf("%w: neither video nor audio enabled", ErrInvalidConfig)
	}
	if c.Video.Enabled {
		if _, err := c.Video.Format(); err != nil {
			return fmt.Errorf("%w: video: %w", ErrInvalidConfig, err)
		}
		if _, err := video.ParseOrientation(c.Video.Orientation); err != nil {
			return fmt.Errorf("%w: video: %w", ErrInvalidConfig, err)
		}
	}
	if c.Audio.Enabled {
		if _, err := c.Audio.Format(); err != nil {
			return fmt.Errorf("%w: audio: %w", ErrInvalidConfig, err)
		}
		if c.Audio.MaxSamples <= 0 || c.Audio.MaxSamples > limits.MaxAudioSamples {
			return fmt.Errorf("%w: audio max samples %d", ErrInvalidConfig, c.Audio.MaxSamples)
		}
	}
	return nil
}

// bindAddr returns the address a Source listens on.
func (c *Config) bindAddr() string {
	if c.BindAddr != "" {
		return c.BindAddr
	}
	return c.LocalAddr
}

// payloadSizes returns the packed sizes of one video frame and of the
// largest audio block, zero for a disabled stream. c must be valid.
func (c *Config) payloadSizes() (videoSize, audioSize int) {
	if c.Video.Enabled {
		f, _ := c.Video.Format()
		videoSize, _ = video.PayloadSize(f)
	}
	if c.Audio.Enabled {
		f, _ := c.Audio.Format()
		audioSize = audio.PayloadSize(f.Grouping.Channels(), c.Audio.MaxSamples)
	}
	return videoSize, audioSize
}

// LoadConfig reads a YAML configuration file. Fields missing from the file
// keep their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "LoadConfig",
		"path":      path,
		"name":      cfg.Name,
		"transport": cfg.Transport,
		"port":      cfg.Port,
	}).Info("Loaded configuration")
	return cfg, nil
}
