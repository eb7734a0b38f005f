package cdilink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/cdilink/av"
	"github.com/opd-ai/cdilink/av/audio"
	"github.com/opd-ai/cdilink/av/video"
	"github.com/opd-ai/cdilink/interfaces"
	"github.com/opd-ai/cdilink/pool"
	"github.com/opd-ai/cdilink/session"
	"github.com/opd-ai/cdilink/transport"
	"github.com/sirupsen/logrus"
)

// pollInterval paces completion handling between frames.
const pollInterval = 5 * time.Millisecond

// OutputStats is a snapshot of Output counters.
type OutputStats struct {
	VideoFrames  uint64
	AudioFrames  uint64
	VideoSkipped uint64
	AudioSkipped uint64
	SendErrors   uint64
	Session      session.TxStats
}

type outputCounters struct {
	videoFrames, audioFrames   atomic.Uint64
	videoSkipped, audioSkipped atomic.Uint64
	sendErrors                 atomic.Uint64
}

// outputRun holds everything one Start creates.
type outputRun struct {
	cfg       Config
	session   *session.TxSession
	videoPool *pool.Pool
	audioPool *pool.Pool
	videoFmt  video.Format
	audioFmt  av.AudioFormat
	videoDesc string
	audioDesc string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Output sends host video frames and audio blocks to one receiver.
//
// Frame calls may come from different goroutines, e.g. a video thread and
// an audio thread. Each call acquires a buffer from the stream's pool,
// packs the frame into it and hands it to the transmit session. When the
// pool is empty the frame is skipped rather than blocking the host.
type Output struct {
	registry *transport.Registry

	// mu serializes Start, Stop and Update
	mu      sync.Mutex
	cfg     Config
	pending *Config

	run     atomic.Pointer[outputRun]
	last    atomic.Pointer[session.TxSession]
	counter outputCounters
}

// NewOutput creates a stopped Output. Adapters come from registry so an
// Output and a Source on the same local address share one.
func NewOutput(cfg Config, registry *transport.Registry) *Output {
	return &Output{cfg: cfg, registry: registry}
}

// Start validates the configuration, allocates the buffer pools and opens
// the transmit connection. It waits up to ConnectTimeout for the receiver;
// if none answers, Start still succeeds and the connection keeps trying in
// the background. Frames sent before it connects are skipped.
func (o *Output) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.run.Load() != nil {
		return nil
	}
	if o.pending != nil {
		o.cfg = *o.pending
		o.pending = nil
	}
	cfg := o.cfg

	if err := cfg.Validate(); err != nil {
		return &StartError{Stage: StageConfig, Name: cfg.Name, Err: err}
	}

	r, err := newOutputRun(cfg)
	if err != nil {
		return &StartError{Stage: StagePool, Name: cfg.Name, Err: err}
	}

	txCfg := session.DefaultTxConfig(
		transport.AdapterKey{Kind: cfg.Transport, LocalAddr: cfg.LocalAddr},
		cfg.RemoteAddr, cfg.Port)
	txCfg.Name = cfg.Name
	if cfg.TxTimeout > 0 {
		txCfg.TxTimeout = cfg.TxTimeout
	}
	if cfg.QueueDepth > 0 {
		txCfg.QueueDepth = cfg.QueueDepth
	}
	txCfg.MaxInFlight = 0
	if r.videoPool != nil {
		txCfg.MaxInFlight += r.videoPool.Capacity()
	}
	if r.audioPool != nil {
		txCfg.MaxInFlight += r.audioPool.Capacity()
	}
	txCfg.OnLate = func(l session.LateCompletion) {
		logrus.WithFields(logrus.Fields{
			"function":  "Output.OnLate",
			"name":      cfg.Name,
			"stream_id": l.StreamID,
			"latency":   l.Latency,
			"timeout":   l.Timeout,
			"pending":   l.Pending,
		}).Debug("Payload completed late")
	}
	r.session = session.NewTxSession(txCfg, o.registry)

	if err := r.session.Start(); err != nil {
		return &StartError{Stage: StageSession, Name: cfg.Name, Err: err}
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	if cfg.ConnectTimeout > 0 {
		if err := o.waitConnected(r); err != nil {
			r.cancel()
			r.session.Stop()
			return &StartError{Stage: StageSession, Name: cfg.Name, Err: err}
		}
	}

	r.wg.Add(1)
	go r.pollLoop()

	o.last.Store(r.session)
	o.run.Store(r)

	logrus.WithFields(logrus.Fields{
		"function": "Output.Start",
		"name":     cfg.Name,
		"remote":   cfg.RemoteAddr,
		"port":     cfg.Port,
		"video":    r.videoDesc,
		"audio":    r.audioDesc,
	}).Info("Output started")
	return nil
}

// newOutputRun builds the pools and descriptors for cfg, which must be
// valid.
func newOutputRun(cfg Config) (*outputRun, error) {
	r := &outputRun{cfg: cfg}
	videoSize, audioSize := cfg.payloadSizes()

	if cfg.Video.Enabled {
		r.videoFmt, _ = cfg.Video.Format()
		desc, err := av.MakeVideoConfig(r.videoFmt)
		if err != nil {
			return nil, fmt.Errorf("video descriptor: %w", err)
		}
		r.videoDesc = desc
		if r.videoPool, err = pool.New(cfg.PoolSize, videoSize); err != nil {
			return nil, fmt.Errorf("video pool: %w", err)
		}
	}
	if cfg.Audio.Enabled {
		r.audioFmt, _ = cfg.Audio.Format()
		desc, err := av.MakeAudioConfig(r.audioFmt)
		if err != nil {
			return nil, fmt.Errorf("audio descriptor: %w", err)
		}
		r.audioDesc = desc
		if r.audioPool, err = pool.New(cfg.PoolSize, audioSize); err != nil {
			return nil, fmt.Errorf("audio pool: %w", err)
		}
	}
	return r, nil
}

// waitConnected gives the receiver ConnectTimeout to answer. Only a
// stopped or failed session is an error; a timeout is not.
func (o *Output) waitConnected(r *outputRun) error {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.ConnectTimeout)
	defer cancel()

	err := r.session.WaitConnected(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		logrus.WithFields(logrus.Fields{
			"function": "Output.Start",
			"name":     r.cfg.Name,
			"timeout":  r.cfg.ConnectTimeout,
		}).Warn("Connection could not be established, continuing to try in the background")
		return nil
	}
	return err
}

// pollLoop retires completed payloads while no frames arrive.
func (r *outputRun) pollLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.session.Poll()
		}
	}
}

// Stop closes the connection and returns every buffer to its pool. It
// waits for frame calls blocked in the session. Stop is safe to call on a
// stopped Output.
func (o *Output) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	r := o.run.Swap(nil)
	if r == nil {
		return nil
	}
	r.cancel()
	err := r.session.Stop()
	r.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Output.Stop",
		"name":     r.cfg.Name,
	}).Info("Output stopped")
	return err
}

// Update replaces the configuration. It takes effect on the next Start.
func (o *Output) Update(cfg Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = &cfg

	logrus.WithFields(logrus.Fields{
		"function": "Output.Update",
		"name":     cfg.Name,
		"running":  o.run.Load() != nil,
	}).Info("Configuration updated, applied on next start")
}

// IsRunning reports whether the Output is started.
func (o *Output) IsRunning() bool { return o.run.Load() != nil }

// State returns the connection state, StateIdle when not started.
func (o *Output) State() session.State {
	if r := o.run.Load(); r != nil {
		return r.session.State()
	}
	return session.StateIdle
}

// OnVideoFrame packs fr and sends it with timestamp tsNs, in nanoseconds.
// It returns pool.ErrExhausted or session.ErrNotConnected when the frame
// is skipped.
func (o *Output) OnVideoFrame(fr *video.Frame, tsNs int64) error {
	r := o.run.Load()
	if r == nil {
		return ErrNotRunning
	}
	if r.videoPool == nil {
		return ErrStreamDisabled
	}

	slot, ok := r.videoPool.Acquire()
	if !ok {
		o.skip(&o.counter.videoSkipped, r, av.VideoStreamID, pool.ErrExhausted)
		return pool.ErrExhausted
	}
	n, err := video.Pack(slot.Bytes(), fr, r.videoFmt)
	if err != nil {
		slot.Release()
		return fmt.Errorf("%w: %w", ErrFormatMismatch, err)
	}
	if err := slot.SetLen(n); err != nil {
		slot.Release()
		return err
	}
	return o.send(r, slot, av.VideoStreamID, r.videoDesc, tsNs, &o.counter.videoFrames, &o.counter.videoSkipped)
}

// OnAudioFrame packs b and sends it with timestamp tsNs, in nanoseconds.
// The block must carry one channel per channel of the configured grouping
// at the configured sample rate.
func (o *Output) OnAudioFrame(b *audio.Block, tsNs int64) error {
	r := o.run.Load()
	if r == nil {
		return ErrNotRunning
	}
	if r.audioPool == nil {
		return ErrStreamDisabled
	}
	if b == nil {
		return fmt.Errorf("%w: nil audio block", ErrFormatMismatch)
	}
	if len(b.Channels) != r.audioFmt.Grouping.Channels() {
		return fmt.Errorf("%w: %d channels, %s needs %d", ErrFormatMismatch,
			len(b.Channels), r.audioFmt.Grouping, r.audioFmt.Grouping.Channels())
	}
	if b.SampleRate != r.audioFmt.SampleRate {
		return fmt.Errorf("%w: sample rate %s, stream is %s", ErrFormatMismatch, b.SampleRate, r.audioFmt.SampleRate)
	}
	if b.Samples > r.cfg.Audio.MaxSamples {
		return fmt.Errorf("%w: %d samples, limit %d", ErrFormatMismatch, b.Samples, r.cfg.Audio.MaxSamples)
	}

	slot, ok := r.audioPool.Acquire()
	if !ok {
		o.skip(&o.counter.audioSkipped, r, av.AudioStreamID, pool.ErrExhausted)
		return pool.ErrExhausted
	}
	n, err := audio.Pack(slot.Bytes(), b.Channels, b.Samples)
	if err != nil {
		slot.Release()
		return fmt.Errorf("%w: %w", ErrFormatMismatch, err)
	}
	if err := slot.SetLen(n); err != nil {
		slot.Release()
		return err
	}
	return o.send(r, slot, av.AudioStreamID, r.audioDesc, tsNs, &o.counter.audioFrames, &o.counter.audioSkipped)
}

// send hands slot to the session. On error the slot is released here.
func (o *Output) send(r *outputRun, slot *pool.Slot, streamID uint16, desc string, tsNs int64, sent, skipped *atomic.Uint64) error {
	err := r.session.Send(r.ctx, slot, streamID, interfaces.PTPFromNanos(tsNs), desc)
	if err == nil {
		sent.Add(1)
		return nil
	}
	slot.Release()

	switch {
	case errors.Is(err, session.ErrNotConnected):
		o.skip(skipped, r, streamID, err)
	case errors.Is(err, session.ErrStopped), errors.Is(err, context.Canceled):
		return ErrNotRunning
	default:
		o.counter.sendErrors.Add(1)
	}
	return err
}

func (o *Output) skip(counter *atomic.Uint64, r *outputRun, streamID uint16, reason error) {
	counter.Add(1)
	logrus.WithFields(logrus.Fields{
		"function":  "Output.skip",
		"name":      r.cfg.Name,
		"stream_id": streamID,
		"reason":    reason.Error(),
	}).Debug("Frame skipped")
}

// Stats returns a snapshot of the counters. Session counters describe the
// current or most recent run.
func (o *Output) Stats() OutputStats {
	st := OutputStats{
		VideoFrames:  o.counter.videoFrames.Load(),
		AudioFrames:  o.counter.audioFrames.Load(),
		VideoSkipped: o.counter.videoSkipped.Load(),
		AudioSkipped: o.counter.audioSkipped.Load(),
		SendErrors:   o.counter.sendErrors.Load(),
	}
	if s := o.last.Load(); s != nil {
		st.Session = s.Stats()
	}
	return st
}
