package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/opd-ai/cdilink"
	"github.com/opd-ai/cdilink/av/audio"
	"github.com/opd-ai/cdilink/av/video"
	"github.com/opd-ai/cdilink/factory"
	"github.com/opd-ai/cdilink/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Run modes.
const (
	modeTx       = "tx"
	modeRx       = "rx"
	modeLoopback = "loopback"
)

const statsInterval = time.Second

// CLIConfig holds the parsed command line.
type CLIConfig struct {
	mode       string
	configPath string
	transport  string
	localAddr  string
	remoteAddr string
	bindAddr   string
	port       int
	duration   time.Duration
	width      int
	height     int
	depth      int
	sampling   string
	noAudio    bool
	bottomUp   bool
	logLevel   string
	logJSON    bool
	help       bool
}

// parseCLIFlags parses args into a CLIConfig. Flags left at their zero
// value do not override the configuration file.
func parseCLIFlags(fs *flag.FlagSet, args []string) (*CLIConfig, error) {
	config := &CLIConfig{}

	fs.StringVar(&config.mode, "mode", modeLoopback, "Run mode: tx, rx or loopback")
	fs.StringVar(&config.configPath, "config", "", "YAML configuration file")

	// Network configuration
	fs.StringVar(&config.transport, "transport", "", "Transport kind: sim, udp or quic (default: CDILINK_TRANSPORT or udp)")
	fs.StringVar(&config.localAddr, "local", "", "Local adapter address")
	fs.StringVar(&config.remoteAddr, "remote", "", "Receiver address for tx")
	fs.StringVar(&config.bindAddr, "bind", "", "Listen address for rx (default: local address)")
	fs.IntVar(&config.port, "port", 0, "Destination or listen port")
	fs.DurationVar(&config.duration, "duration", 0, "Stop after this long (default: run until interrupted)")

	// Stream format
	fs.IntVar(&config.width, "width", 0, "Video width")
	fs.IntVar(&config.height, "height", 0, "Video height")
	fs.IntVar(&config.depth, "depth", 0, "Video bit depth: 8, 10 or 12")
	fs.StringVar(&config.sampling, "sampling", "", "Video sampling: YCbCr422, YCbCr444 or RGB")
	fs.BoolVar(&config.noAudio, "no-audio", false, "Disable the audio stream")
	fs.BoolVar(&config.bottomUp, "bottom-up", false, "Write received frames bottom row first")

	// Logging configuration
	fs.StringVar(&config.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.BoolVar(&config.logJSON, "log-json", false, "Log in JSON")

	fs.BoolVar(&config.help, "help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config, nil
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(config *CLIConfig) error {
	switch config.mode {
	case modeTx, modeRx, modeLoopback:
	default:
		return fmt.Errorf("invalid mode %q: must be tx, rx or loopback", config.mode)
	}
	if config.port < 0 || config.port > 65535 {
		return fmt.Errorf("invalid port: must be between 1 and 65535")
	}
	if config.duration < 0 {
		return fmt.Errorf("duration cannot be negative")
	}
	if _, err := logrus.ParseLevel(config.logLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}

// setupLogging applies the logging flags to the standard logger.
func setupLogging(config *CLIConfig) {
	level, _ := logrus.ParseLevel(config.logLevel)
	logrus.SetLevel(level)
	if config.logJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// buildConfig loads the configuration file, if any, and applies flag
// overrides on top of it. defaultKind fills in the transport when neither
// the file nor the flags name one.
func buildConfig(cli *CLIConfig, defaultKind string) (cdilink.Config, error) {
	cfg := cdilink.DefaultConfig()
	cfg.Transport = defaultKind
	if cli.configPath != "" {
		loaded, err := cdilink.LoadConfig(cli.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	if cli.transport != "" {
		cfg.Transport = cli.transport
	}
	if cli.localAddr != "" {
		cfg.LocalAddr = cli.localAddr
	}
	if cli.remoteAddr != "" {
		cfg.RemoteAddr = cli.remoteAddr
	}
	if cli.bindAddr != "" {
		cfg.BindAddr = cli.bindAddr
	}
	if cli.port != 0 {
		cfg.Port = cli.port
	}
	if cli.width != 0 {
		cfg.Video.Width = cli.width
	}
	if cli.height != 0 {
		cfg.Video.Height = cli.height
	}
	if cli.depth != 0 {
		cfg.Video.Depth = cli.depth
	}
	if cli.sampling != "" {
		cfg.Video.Sampling = cli.sampling
	}
	if cli.noAudio {
		cfg.Audio.Enabled = false
	}
	if cli.bottomUp {
		cfg.Video.Orientation = video.BottomUp.String()
	}
	return cfg, cfg.Validate()
}

// countingSink counts what a Source delivers.
type countingSink struct {
	video atomic.Uint64
	audio atomic.Uint64
}

func (s *countingSink) OutputVideo(*video.Frame, video.Format, int64) { s.video.Add(1) }

func (s *countingSink) OutputAudio(*audio.Block, int64) { s.audio.Add(1) }

// runSummary totals one run.
type runSummary struct {
	VideoSent     uint64
	AudioSent     uint64
	VideoReceived uint64
	AudioReceived uint64
}

// run executes mode until ctx ends.
func run(ctx context.Context, mode string, cfg cdilink.Config, registry *transport.Registry) (runSummary, error) {
	var (
		summary runSummary
		out     *cdilink.Output
		src     *cdilink.Source
		sink    countingSink
	)

	if mode == modeRx || mode == modeLoopback {
		src = cdilink.NewSource(cfg, registry, &sink)
		if err := src.Start(); err != nil {
			return summary, err
		}
		defer src.Stop()
	}
	if mode == modeTx || mode == modeLoopback {
		out = cdilink.NewOutput(cfg, registry)
		if err := out.Start(); err != nil {
			return summary, err
		}
		defer out.Stop()
	}

	g, ctx := errgroup.WithContext(ctx)
	if out != nil {
		if cfg.Video.Enabled {
			g.Go(func() error { return sendVideo(ctx, out, cfg) })
		}
		if cfg.Audio.Enabled {
			g.Go(func() error { return sendAudio(ctx, out, cfg) })
		}
	}
	g.Go(func() error {
		reportStats(ctx, out, src)
		return nil
	})
	err := g.Wait()

	if out != nil {
		st := out.Stats()
		summary.VideoSent = st.VideoFrames
		summary.AudioSent = st.AudioFrames
	}
	summary.VideoReceived = sink.video.Load()
	summary.AudioReceived = sink.audio.Load()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	return summary, err
}

// sendVideo feeds the test pattern at the configured frame rate.
func sendVideo(ctx context.Context, out *cdilink.Output, cfg cdilink.Config) error {
	f, err := cfg.Video.Format()
	if err != nil {
		return err
	}
	period := time.Duration(f.FrameRatePeriod()) * time.Microsecond
	if period <= 0 {
		period = time.Second / 60
	}
	gen := newPatternGenerator(f)
	return pace(ctx, period, func(now time.Time) error {
		return frameError(out.OnVideoFrame(gen.next(), now.UnixNano()))
	})
}

// sendAudio feeds a sine tone in blocks of MaxSamples.
func sendAudio(ctx context.Context, out *cdilink.Output, cfg cdilink.Config) error {
	a, err := cfg.Audio.Format()
	if err != nil {
		return err
	}
	tone := newSineTone(a.Grouping.Channels(), cfg.Audio.MaxSamples, a.SampleRate, toneFrequency)
	period := time.Duration(cfg.Audio.MaxSamples) * time.Second / time.Duration(a.SampleRate)
	return pace(ctx, period, func(now time.Time) error {
		return frameError(out.OnAudioFrame(tone.next(), now.UnixNano()))
	})
}

// frameError keeps the errors that end a run. Skipped frames and
// transport failures are already counted by the Output.
func frameError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cdilink.ErrNotRunning),
		errors.Is(err, cdilink.ErrFormatMismatch),
		errors.Is(err, cdilink.ErrStreamDisabled):
		return err
	default:
		return nil
	}
}

func pace(ctx context.Context, period time.Duration, tick func(time.Time) error) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := tick(now); err != nil {
				return err
			}
		}
	}
}

func reportStats(ctx context.Context, out *cdilink.Output, src *cdilink.Source) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if out != nil {
			st := out.Stats()
			logrus.WithFields(logrus.Fields{
				"function":      "reportStats",
				"state":         out.State().String(),
				"video_frames":  st.VideoFrames,
				"audio_frames":  st.AudioFrames,
				"video_skipped": st.VideoSkipped,
				"audio_skipped": st.AudioSkipped,
				"late":          st.Session.Late,
				"retries":       st.Session.Retries,
			}).Info("Output statistics")
		}
		if src != nil {
			st := src.Stats()
			logrus.WithFields(logrus.Fields{
				"function":       "reportStats",
				"state":          src.State().String(),
				"video_frames":   st.VideoFrames,
				"audio_frames":   st.AudioFrames,
				"decode_errors":  st.DecodeErrors,
				"format_changes": st.FormatChanges,
				"malformed":      st.Session.Malformed,
			}).Info("Source statistics")
		}
	}
}

// printUsage prints the usage information.
func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "cdilink - live uncompressed video and audio transport")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintf(w, "  %s [options]\n", os.Args[0])
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintf(w, "  # Send a test pattern and tone to a receiver\n")
	fmt.Fprintf(w, "  %s -mode tx -remote 10.0.0.2 -port 5000\n", os.Args[0])
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  # Receive on all interfaces over QUIC\n")
	fmt.Fprintf(w, "  %s -mode rx -transport quic -bind 0.0.0.0 -port 5000\n", os.Args[0])
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  # Send to yourself in memory for ten seconds\n")
	fmt.Fprintf(w, "  %s -mode loopback -transport sim -duration 10s\n", os.Args[0])
}

// setupSignalHandling cancels ctx on SIGINT or SIGTERM.
func setupSignalHandling(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logrus.WithField("signal", sig.String()).Info("Received signal, shutting down")
		cancel()
	}()
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	cliConfig, err := parseCLIFlags(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if cliConfig.help {
		printUsage(os.Stdout, fs)
		os.Exit(0)
	}
	if err := validateCLIConfig(cliConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use -help for usage information.\n")
		os.Exit(1)
	}
	setupLogging(cliConfig)

	tf := factory.NewTransportFactory()
	cfg, err := buildConfig(cliConfig, tf.GetCurrentConfig().Kind)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	registry := tf.NewRegistry()
	defer registry.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandling(cancel)
	if cliConfig.duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, cliConfig.duration)
		defer cancel()
	}

	logrus.WithFields(logrus.Fields{
		"function":  "main",
		"mode":      cliConfig.mode,
		"transport": cfg.Transport,
		"port":      cfg.Port,
		"video":     fmt.Sprintf("%dx%d %s %d-bit", cfg.Video.Width, cfg.Video.Height, cfg.Video.Sampling, cfg.Video.Depth),
		"audio":     cfg.Audio.Enabled,
	}).Info("cdilink starting")

	summary, err := run(ctx, cliConfig.mode, cfg, registry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("sent %d video / %d audio, received %d video / %d audio\n",
		summary.VideoSent, summary.AudioSent, summary.VideoReceived, summary.AudioReceived)
}
