package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/opd-ai/cdilink/av"
	"github.com/opd-ai/cdilink/interfaces"
	"github.com/opd-ai/cdilink/transport"
	"github.com/sirupsen/logrus"
)

// Defaults for RxConfig.
const (
	DefaultRxQueueDepth = 4
	DefaultEventBuffer  = 64
)

// RxConfig configures an RxSession.
type RxConfig struct {
	Name     string
	Adapter  transport.AdapterKey
	BindAddr string
	Port     int

	// QueueDepth is the number of receive buffers the transport keeps
	QueueDepth int

	// MaxPayloadSize is the size of each receive buffer
	MaxPayloadSize int

	// EventBuffer bounds payloads waiting for Poll or Run
	EventBuffer int
}

// FormatEvent reports the descriptor of a stream. Initial is set for the
// first descriptor seen on the stream, which is not a change.
type FormatEvent struct {
	StreamID uint16
	Previous av.BaselineConfig
	Current  av.BaselineConfig
	Initial  bool
}

// Payload is one received payload with its parsed descriptor. Data is
// valid only during HandlePayload.
type Payload struct {
	StreamID  uint16
	Config    av.BaselineConfig
	Data      []byte
	Timestamp interfaces.PTPTimestamp
}

// Handler consumes what an RxSession receives. Both methods run on the
// goroutine that calls Poll or Run.
type Handler interface {
	FormatChanged(ev FormatEvent)
	HandlePayload(p *Payload)
}

// RxStats is a snapshot of RxSession counters.
type RxStats struct {
	Received      uint64
	Delivered     uint64
	Malformed     uint64
	Dropped       uint64
	FormatChanges uint64
}

type rxCounters struct {
	received, delivered, malformed, dropped, formatChanges atomic.Uint64
}

type streamState struct {
	raw   string
	cfg   av.BaselineConfig
	known bool
}

// RxSession receives payloads on one inbound connection.
type RxSession struct {
	cfg      RxConfig
	registry *transport.Registry
	handler  Handler

	state atomic.Int32

	// mu serializes event handling and guards the fields below
	mu      sync.Mutex
	handle  *transport.Handle
	conn    interfaces.IConnection
	streams map[uint16]*streamState
	payload Payload

	events chan event
	done   chan struct{}
	stats  rxCounters
}

// NewRxSession creates an idle receiver delivering to handler.
func NewRxSession(cfg RxConfig, registry *transport.Registry, handler Handler) *RxSession {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultRxQueueDepth
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	return &RxSession{
		cfg:      cfg,
		registry: registry,
		handler:  handler,
		streams: map[uint16]*streamState{
			av.VideoStreamID: {},
			av.AudioStreamID: {},
		},
		events: make(chan event, cfg.EventBuffer),
		done:   make(chan struct{}),
	}
}

// State returns the current state.
func (s *RxSession) State() State { return State(s.state.Load()) }

// Start acquires the shared adapter and binds the receiving connection.
func (s *RxSession) Start() error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		if s.State() == StateStopped {
			return ErrStopped
		}
		return ErrAlreadyStarted
	}

	logrus.WithFields(logrus.Fields{
		"function": "RxSession.Start",
		"name":     s.cfg.Name,
		"adapter":  s.cfg.Adapter.String(),
		"bind":     s.cfg.BindAddr,
		"port":     s.cfg.Port,
	}).Info("Starting receive session")

	h, err := s.registry.AcquireShared(s.cfg.Adapter)
	if err != nil {
		s.state.Store(int32(StateIdle))
		return err
	}
	conn, err := h.Transport().CreateConnection(interfaces.ConnectionConfig{
		Name:           s.cfg.Name,
		Role:           interfaces.RoleRx,
		LocalAddr:      s.cfg.Adapter.LocalAddr,
		BindAddr:       s.cfg.BindAddr,
		Port:           s.cfg.Port,
		QueueDepth:     s.cfg.QueueDepth,
		MaxPayloadSize: s.cfg.MaxPayloadSize,
		OnStatus:       s.onStatus,
		OnReceive:      s.onReceive,
	})
	if err != nil {
		s.registry.ReleaseShared(h)
		s.state.Store(int32(StateIdle))
		logrus.WithFields(logrus.Fields{
			"function": "RxSession.Start",
			"name":     s.cfg.Name,
			"error":    err.Error(),
		}).Error("Failed to create connection")
		return fmt.Errorf("create connection: %w", err)
	}

	s.mu.Lock()
	s.handle = h
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *RxSession) onStatus(st interfaces.Status) {
	select {
	case s.events <- event{kind: eventStatus, status: st}:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "RxSession.onStatus",
			"name":     s.cfg.Name,
			"status":   st.String(),
		}).Warn("Event queue overflow, status change dropped")
	}
}

func (s *RxSession) onReceive(p *interfaces.RxPayload) {
	s.stats.received.Add(1)
	select {
	case s.events <- event{kind: eventReceive, payload: p}:
	default:
		s.stats.dropped.Add(1)
		p.Free()
	}
}

// Poll handles every queued event.
func (s *RxSession) Poll() {
	for {
		select {
		case ev := <-s.events:
			s.mu.Lock()
			s.apply(ev)
			s.mu.Unlock()
		default:
			return
		}
	}
}

// Run handles events as they arrive until ctx ends or the session stops.
func (s *RxSession) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrStopped
		case ev := <-s.events:
			s.mu.Lock()
			s.apply(ev)
			s.mu.Unlock()
		}
	}
}

// apply handles one event. The caller holds s.mu.
func (s *RxSession) apply(ev event) {
	switch ev.kind {
	case eventStatus:
		cur := s.State()
		next := nextState(cur, ev.status)
		if next != cur && s.state.CompareAndSwap(int32(cur), int32(next)) {
			logrus.WithFields(logrus.Fields{
				"function": "RxSession.apply",
				"name":     s.cfg.Name,
				"state":    next.String(),
			}).Info("Connection state changed")
		}
	case eventReceive:
		if s.State() == StateStopped {
			ev.payload.Free()
			return
		}
		s.process(ev.payload)
	}
}

func (s *RxSession) process(p *interfaces.RxPayload) {
	defer p.Free()

	if p.Err != nil {
		s.stats.dropped.Add(1)
		return
	}
	data, ok := p.Linear()
	if !ok {
		s.stats.dropped.Add(1)
		logrus.WithFields(logrus.Fields{
			"function":  "RxSession.process",
			"stream_id": p.StreamID,
			"entries":   len(p.SGL),
		}).Warn("Dropping non-linear payload")
		return
	}

	st := s.streams[p.StreamID]
	if st == nil {
		st = &streamState{}
		s.streams[p.StreamID] = st
	}
	if (!st.known || p.Config != st.raw) && !s.track(st, p) {
		return
	}

	s.payload = Payload{
		StreamID:  p.StreamID,
		Config:    st.cfg,
		Data:      data,
		Timestamp: p.Timestamp,
	}
	s.handler.HandlePayload(&s.payload)
	s.payload.Data = nil
	s.stats.delivered.Add(1)
}

// track parses a descriptor that differs textually from the stream's last
// one and reports a format event when it differs semantically. It returns
// false when the descriptor is malformed.
func (s *RxSession) track(st *streamState, p *interfaces.RxPayload) bool {
	cfg, err := av.ParseBaselineConfig(p.Config)
	if err != nil {
		s.stats.malformed.Add(1)
		logrus.WithFields(logrus.Fields{
			"function":  "RxSession.track",
			"stream_id": p.StreamID,
			"error":     err.Error(),
		}).Warn("Dropping payload with malformed descriptor")
		return false
	}

	prev, known := st.cfg, st.known
	st.raw = p.Config
	st.cfg = cfg
	st.known = true

	switch {
	case !known:
		logrus.WithFields(logrus.Fields{
			"function":  "RxSession.track",
			"stream_id": p.StreamID,
			"type":      cfg.Type.String(),
		}).Info("Stream format detected")
		s.handler.FormatChanged(FormatEvent{StreamID: p.StreamID, Current: cfg, Initial: true})
	case cfg != prev:
		s.stats.formatChanges.Add(1)
		logrus.WithFields(logrus.Fields{
			"function":  "RxSession.track",
			"stream_id": p.StreamID,
			"previous":  prev.Type.String(),
			"current":   cfg.Type.String(),
		}).Info("Stream format changed")
		s.handler.FormatChanged(FormatEvent{StreamID: p.StreamID, Previous: prev, Current: cfg})
	}
	return true
}

// Stop closes the connection, frees payloads still queued and releases
// the shared adapter. Stop is safe to call more than once.
func (s *RxSession) Stop() error {
	if State(s.state.Swap(int32(StateStopped))) == StateStopped {
		return nil
	}
	close(s.done)

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
		s.conn = nil
	}

drain:
	for {
		select {
		case ev := <-s.events:
			if ev.kind == eventReceive {
				ev.payload.Free()
			}
		default:
			break drain
		}
	}

	if s.handle != nil {
		if err := s.registry.ReleaseShared(s.handle); err != nil {
			errs = append(errs, err)
		}
		s.handle = nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "RxSession.Stop",
		"name":     s.cfg.Name,
	}).Info("Receive session stopped")
	return errors.Join(errs...)
}

// Stats returns a snapshot of the session counters.
func (s *RxSession) Stats() RxStats {
	return RxStats{
		Received:      s.stats.received.Load(),
		Delivered:     s.stats.delivered.Load(),
		Malformed:     s.stats.malformed.Load(),
		Dropped:       s.stats.dropped.Load(),
		FormatChanges: s.stats.formatChanges.Load(),
	}
}
