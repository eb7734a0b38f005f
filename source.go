package cdilink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/opd-ai/cdilink/av"
	"github.com/opd-ai/cdilink/av/audio"
	"github.com/opd-ai/cdilink/av/video"
	"github.com/opd-ai/cdilink/session"
	"github.com/opd-ai/cdilink/transport"
	"github.com/sirupsen/logrus"
)

// FrameSink receives what a Source decodes. Both methods run on the
// Source's receive goroutine; frame and block are reused after the call
// returns.
type FrameSink interface {
	OutputVideo(frame *video.Frame, f video.Format, tsNs int64)
	OutputAudio(block *audio.Block, tsNs int64)
}

// SourceStats is a snapshot of Source counters.
type SourceStats struct {
	VideoFrames   uint64
	AudioFrames   uint64
	VideoSkipped  uint64
	AudioSkipped  uint64
	DecodeErrors  uint64
	FormatChanges uint64
	Session       session.RxStats
}

type sourceCounters struct {
	videoFrames, audioFrames    atomic.Uint64
	videoSkipped, audioSkipped  atomic.Uint64
	decodeErrors, formatChanges atomic.Uint64
}

// sourceRun is one started Source. Its scratch buffers are touched only
// by the receive goroutine.
type sourceRun struct {
	cfg     Config
	sink    FrameSink
	counter *sourceCounters
	session *session.RxSession
	opts    video.UnpackOptions

	frame    *video.Frame
	videoFmt video.Format
	block    *audio.Block
	audioFmt av.AudioFormat

	cancel context.CancelFunc
	done   chan struct{}
}

// Source receives payloads from one sender and decodes them into host
// frames for a FrameSink. Receive buffers are allocated when a stream's
// format is first seen or changes, never per payload.
type Source struct {
	registry *transport.Registry
	sink     FrameSink

	mu      sync.Mutex
	cfg     Config
	run     *sourceRun
	last    *session.RxSession
	counter sourceCounters
}

// NewSource creates a stopped Source delivering to sink.
func NewSource(cfg Config, registry *transport.Registry, sink FrameSink) *Source {
	return &Source{cfg: cfg, registry: registry, sink: sink}
}

// Start binds the receiving connection and starts decoding.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start()
}

func (s *Source) start() error {
	if s.run != nil {
		return nil
	}
	cfg := s.cfg
	if err := cfg.Validate(); err != nil {
		return &StartError{Stage: StageConfig, Name: cfg.Name, Err: err}
	}
	orientation, _ := video.ParseOrientation(cfg.Video.Orientation)

	maxPayload := cfg.MaxPayloadSize
	if maxPayload == 0 {
		videoSize, audioSize := cfg.payloadSizes()
		maxPayload = max(videoSize, audioSize)
	}

	r := &sourceRun{
		cfg:     cfg,
		sink:    s.sink,
		counter: &s.counter,
		opts:    video.UnpackOptions{Orientation: orientation},
		done:    make(chan struct{}),
	}
	r.session = session.NewRxSession(session.RxConfig{
		Name:           cfg.Name,
		Adapter:        transport.AdapterKey{Kind: cfg.Transport, LocalAddr: cfg.LocalAddr},
		BindAddr:       cfg.bindAddr(),
		Port:           cfg.Port,
		QueueDepth:     cfg.QueueDepth,
		MaxPayloadSize: maxPayload,
	}, s.registry, r)

	if err := r.session.Start(); err != nil {
		return &StartError{Stage: StageSession, Name: cfg.Name, Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go func() {
		defer close(r.done)
		if err := r.session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, session.ErrStopped) {
			logrus.WithFields(logrus.Fields{
				"function": "Source.run",
				"name":     cfg.Name,
				"error":    err.Error(),
			}).Error("Receive loop ended")
		}
	}()

	s.run = r
	s.last = r.session

	logrus.WithFields(logrus.Fields{
		"function":    "Source.Start",
		"name":        cfg.Name,
		"bind":        cfg.bindAddr(),
		"port":        cfg.Port,
		"max_payload": maxPayload,
		"audio":       cfg.Audio.Enabled,
	}).Info("Source started")
	return nil
}

// Stop closes the connection. No sink method runs after Stop returns.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop()
}

func (s *Source) stop() error {
	r := s.run
	if r == nil {
		return nil
	}
	s.run = nil
	r.cancel()
	<-r.done
	err := r.session.Stop()

	logrus.WithFields(logrus.Fields{
		"function": "Source.Stop",
		"name":     r.cfg.Name,
	}).Info("Source stopped")
	return err
}

// Update replaces the configuration, restarting the Source if it is
// running.
func (s *Source) Update(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	if s.run == nil {
		return nil
	}
	if err := s.stop(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Source.Update",
			"name":     cfg.Name,
			"error":    err.Error(),
		}).Warn("Error stopping source for restart")
	}
	return s.start()
}

// IsRunning reports whether the Source is started.
func (s *Source) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

// State returns the connection state, StateIdle when not started.
func (s *Source) State() session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return session.StateIdle
	}
	return s.run.session.State()
}

// Stats returns a snapshot of the counters.
func (s *Source) Stats() SourceStats {
	st := SourceStats{
		VideoFrames:   s.counter.videoFrames.Load(),
		AudioFrames:   s.counter.audioFrames.Load(),
		VideoSkipped:  s.counter.videoSkipped.Load(),
		AudioSkipped:  s.counter.audioSkipped.Load(),
		DecodeErrors:  s.counter.decodeErrors.Load(),
		FormatChanges: s.counter.formatChanges.Load(),
	}
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last != nil {
		st.Session = last.Stats()
	}
	return st
}

// FormatChanged reallocates the scratch buffer of the stream's media type.
func (r *sourceRun) FormatChanged(ev session.FormatEvent) {
	if !ev.Initial {
		r.counter.formatChanges.Add(1)
	}
	switch ev.Current.Type {
	case av.MediaVideo:
		if r.cfg.Video.Enabled {
			r.setVideoFormat(ev.Current.Video)
		}
	case av.MediaAudio:
		if r.cfg.Audio.Enabled {
			r.setAudioFormat(ev.Current.Audio, r.cfg.Audio.MaxSamples)
		}
	}
}

func (r *sourceRun) setVideoFormat(f video.Format) {
	pf := video.HostPixelFormat(f)
	r.videoFmt = f
	r.frame = video.NewFrame(f.Width, f.Height, pf)

	logrus.WithFields(logrus.Fields{
		"function":     "Source.setVideoFormat",
		"name":         r.cfg.Name,
		"width":        f.Width,
		"height":       f.Height,
		"sampling":     f.Sampling.String(),
		"depth":        f.Depth,
		"pixel_format": pf.String(),
	}).Info("Video format set")
}

func (r *sourceRun) setAudioFormat(f av.AudioFormat, samples int) {
	r.audioFmt = f
	r.block = audio.NewBlock(f.Grouping.DecodedChannels(), samples, f.SampleRate)

	logrus.WithFields(logrus.Fields{
		"function": "Source.setAudioFormat",
		"name":     r.cfg.Name,
		"grouping": f.Grouping.String(),
		"rate":     f.SampleRate.String(),
		"speakers": f.Grouping.Speakers().String(),
	}).Info("Audio format set")
}

// HandlePayload decodes one payload and hands it to the sink.
func (r *sourceRun) HandlePayload(p *session.Payload) {
	switch p.Config.Type {
	case av.MediaVideo:
		r.handleVideo(p)
	case av.MediaAudio:
		r.handleAudio(p)
	}
}

func (r *sourceRun) handleVideo(p *session.Payload) {
	if !r.cfg.Video.Enabled {
		r.counter.videoSkipped.Add(1)
		return
	}
	if r.frame == nil || p.Config.Video != r.videoFmt {
		r.setVideoFormat(p.Config.Video)
	}
	if err := video.Unpack(r.frame, p.Data, r.videoFmt, r.opts); err != nil {
		r.counter.decodeErrors.Add(1)
		logrus.WithFields(logrus.Fields{
			"function":  "Source.handleVideo",
			"name":      r.cfg.Name,
			"stream_id": p.StreamID,
			"size":      len(p.Data),
			"error":     err.Error(),
		}).Warn("Dropping undecodable video payload")
		return
	}
	r.counter.videoFrames.Add(1)
	r.sink.OutputVideo(r.frame, r.videoFmt, p.Timestamp.Nanos())
}

func (r *sourceRun) handleAudio(p *session.Payload) {
	if !r.cfg.Audio.Enabled {
		r.counter.audioSkipped.Add(1)
		return
	}
	channels := p.Config.Audio.Grouping.Channels()
	samples := len(p.Data) / audio.PayloadSize(channels, 1)
	if r.block == nil || p.Config.Audio != r.audioFmt || samples > len(r.block.Channels[0]) {
		r.setAudioFormat(p.Config.Audio, max(samples, r.cfg.Audio.MaxSamples))
	}

	n, err := audio.Unpack(r.block.Channels, p.Data, channels)
	if err != nil {
		r.counter.decodeErrors.Add(1)
		logrus.WithFields(logrus.Fields{
			"function":  "Source.handleAudio",
			"name":      r.cfg.Name,
			"stream_id": p.StreamID,
			"size":      len(p.Data),
			"error":     err.Error(),
		}).Warn("Dropping undecodable audio payload")
		return
	}
	r.block.Samples = n
	r.counter.audioFrames.Add(1)
	r.sink.OutputAudio(r.block, p.Timestamp.Nanos())
}
