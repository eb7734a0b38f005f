package main

import (
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/cdilink"
	"github.com/opd-ai/cdilink/av/audio"
	"github.com/opd-ai/cdilink/av/video"
	"github.com/opd-ai/cdilink/factory"
	"github.com/opd-ai/cdilink/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCLIConfig(t *testing.T) {
	tests := []struct {
		name        string
		config      *CLIConfig
		wantErr     bool
		errContains string
	}{
		{
			name:   "valid loopback",
			config: &CLIConfig{mode: modeLoopback, logLevel: "info"},
		},
		{
			name:   "valid tx with port",
			config: &CLIConfig{mode: modeTx, port: 5000, duration: time.Second, logLevel: "debug"},
		},
		{
			name:        "unknown mode",
			config:      &CLIConfig{mode: "both", logLevel: "info"},
			wantErr:     true,
			errContains: "invalid mode",
		},
		{
			name:        "port over 65535",
			config:      &CLIConfig{mode: modeRx, port: 70000, logLevel: "info"},
			wantErr:     true,
			errContains: "invalid port",
		},
		{
			name:        "negative port",
			config:      &CLIConfig{mode: modeRx, port: -1, logLevel: "info"},
			wantErr:     true,
			errContains: "invalid port",
		},
		{
			name:        "negative duration",
			config:      &CLIConfig{mode: modeTx, duration: -time.Second, logLevel: "info"},
			wantErr:     true,
			errContains: "duration cannot be negative",
		},
		{
			name:        "bad log level",
			config:      &CLIConfig{mode: modeTx, logLevel: "loud"},
			wantErr:     true,
			errContains: "invalid log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateCLIConfig(tt.config)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestParseCLIFlagsDefaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	config, err := parseCLIFlags(fs, nil)
	require.NoError(t, err)

	assert.Equal(t, modeLoopback, config.mode)
	assert.Equal(t, "info", config.logLevel)
	assert.Zero(t, config.port)
	assert.Empty(t, config.transport)
	assert.False(t, config.noAudio)
}

func TestParseCLIFlagsRejectsUnknownFlag(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	_, err := parseCLIFlags(fs, []string{"-frobnicate"})
	assert.Error(t, err)
}

func TestBuildConfigAppliesFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cli, err := parseCLIFlags(fs, []string{
		"-mode", "tx",
		"-transport", "quic",
		"-remote", "10.0.0.2",
		"-port", "6000",
		"-width", "1280",
		"-height", "720",
		"-depth", "8",
		"-sampling", "YCbCr444",
		"-no-audio",
		"-bottom-up",
	})
	require.NoError(t, err)

	cfg, err := buildConfig(cli, interfaces.TransportUDP)
	require.NoError(t, err)
	assert.Equal(t, interfaces.TransportQUIC, cfg.Transport)
	assert.Equal(t, "10.0.0.2", cfg.RemoteAddr)
	assert.Equal(t, 6000, cfg.Port)
	assert.Equal(t, 1280, cfg.Video.Width)
	assert.Equal(t, 720, cfg.Video.Height)
	assert.Equal(t, 8, cfg.Video.Depth)
	assert.Equal(t, "YCbCr444", cfg.Video.Sampling)
	assert.Equal(t, video.BottomUp.String(), cfg.Video.Orientation)
	assert.False(t, cfg.Audio.Enabled)
}

func TestBuildConfigFileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cdilink.yaml")
	yaml := strings.Join([]string{
		"name: Studio",
		"transport: sim",
		"port: 6100",
		"video:",
		"  width: 640",
		"  height: 360",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cli, err := parseCLIFlags(fs, []string{"-config", path, "-port", "6200"})
	require.NoError(t, err)

	cfg, err := buildConfig(cli, interfaces.TransportUDP)
	require.NoError(t, err)
	assert.Equal(t, "Studio", cfg.Name)
	assert.Equal(t, interfaces.TransportSimulated, cfg.Transport, "file wins over the default kind")
	assert.Equal(t, 6200, cfg.Port, "flag wins over the file")
	assert.Equal(t, 640, cfg.Video.Width)
}

func TestBuildConfigInvalid(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cli, err := parseCLIFlags(fs, []string{"-width", "1921", "-height", "1080"})
	require.NoError(t, err)

	_, err = buildConfig(cli, interfaces.TransportUDP)
	assert.ErrorIs(t, err, cdilink.ErrInvalidConfig)
}

func TestPatternGeneratorFramesPack(t *testing.T) {
	formats := []video.Format{
		{Width: 16, Height: 8, Sampling: video.SamplingYCbCr422, Depth: 10},
		{Width: 16, Height: 8, Sampling: video.SamplingYCbCr422, Depth: 8},
		{Width: 16, Height: 8, Sampling: video.SamplingYCbCr444, Depth: 12},
		{Width: 16, Height: 8, Sampling: video.SamplingRGB, Depth: 8},
	}

	for _, f := range formats {
		t.Run(f.Sampling.String(), func(t *testing.T) {
			size, err := video.PayloadSize(f)
			require.NoError(t, err)
			gen := newPatternGenerator(f)
			buf := make([]byte, size)

			first := gen.next()
			n, err := video.Pack(buf, first, f)
			require.NoError(t, err)
			assert.Equal(t, size, n)

			snapshot := append([]byte(nil), first.Planes[0]...)
			second := gen.next()
			assert.NotEqual(t, snapshot, second.Planes[0], "bars scroll between frames")
		})
	}
}

func TestSineToneBounded(t *testing.T) {
	tone := newSineTone(2, 480, audio.SampleRate48kHz, toneFrequency)
	var peak float32
	for i := 0; i < 10; i++ {
		b := tone.next()
		require.Len(t, b.Channels, 2)
		assert.Equal(t, b.Channels[0], b.Channels[1])
		for _, v := range b.Channels[0] {
			require.LessOrEqual(t, v, float32(1))
			require.GreaterOrEqual(t, v, float32(-1))
			if v > peak {
				peak = v
			}
		}
		buf := make([]byte, audio.PayloadSize(2, b.Samples))
		_, err := audio.Pack(buf, b.Channels, b.Samples)
		require.NoError(t, err)
	}
	assert.InDelta(t, toneLevel, peak, 0.01)
}

func TestFrameError(t *testing.T) {
	assert.NoError(t, frameError(nil))
	assert.NoError(t, frameError(context.DeadlineExceeded))
	assert.ErrorIs(t, frameError(cdilink.ErrNotRunning), cdilink.ErrNotRunning)
	assert.ErrorIs(t, frameError(cdilink.ErrFormatMismatch), cdilink.ErrFormatMismatch)
}

func loopbackConfig() cdilink.Config {
	cfg := cdilink.DefaultConfig()
	cfg.Transport = interfaces.TransportSimulated
	cfg.Port = 7100
	cfg.ConnectTimeout = time.Second
	cfg.Video.Width = 32
	cfg.Video.Height = 16
	cfg.Audio.MaxSamples = 480
	return cfg
}

func TestRunLoopback(t *testing.T) {
	tf := factory.NewTransportFactory()
	registry := tf.NewRegistry()
	defer registry.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	summary, err := run(ctx, modeLoopback, loopbackConfig(), registry)
	require.NoError(t, err)
	assert.NotZero(t, summary.VideoSent)
	assert.NotZero(t, summary.AudioSent)
	assert.NotZero(t, summary.VideoReceived)
	assert.NotZero(t, summary.AudioReceived)
	assert.LessOrEqual(t, summary.VideoReceived, summary.VideoSent)
}

func TestRunReceiveOnly(t *testing.T) {
	tf := factory.NewTransportFactory()
	registry := tf.NewRegistry()
	defer registry.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	summary, err := run(ctx, modeRx, loopbackConfig(), registry)
	require.NoError(t, err)
	assert.Zero(t, summary.VideoSent)
	assert.Zero(t, summary.VideoReceived)
}

func TestPrintUsage(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	_, err := parseCLIFlags(fs, nil)
	require.NoError(t, err)

	var sb strings.Builder
	printUsage(&sb, fs)
	out := sb.String()
	assert.Contains(t, out, "Usage:")
	assert.Contains(t, out, "-mode")
	assert.Contains(t, out, "-transport")
}
