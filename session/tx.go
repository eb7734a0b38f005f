package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/cdilink/interfaces"
	"github.com/opd-ai/cdilink/pool"
	"github.com/opd-ai/cdilink/transport"
	"github.com/sirupsen/logrus"
)

// Defaults for TxConfig.
const (
	DefaultTxTimeout     = 16666 * time.Microsecond
	DefaultQueueDepth    = 8
	DefaultMaxInFlight   = 16
	DefaultRetryInterval = 200 * time.Microsecond
)

// TxConfig configures a TxSession.
type TxConfig struct {
	Name       string
	Adapter    transport.AdapterKey
	RemoteAddr string
	Port       int

	// TxTimeout is the completion latency above which a payload is late
	TxTimeout time.Duration

	// QueueDepth is passed to the transport connection
	QueueDepth int

	// MaxInFlight bounds payloads sent but not yet completed. Size it to
	// the capacity of the pool the slots come from.
	MaxInFlight int

	// RetryInterval is the sleep between attempts on a full queue
	RetryInterval time.Duration

	// TimeProvider stamps sends and completions
	TimeProvider interfaces.TimeProvider

	// OnLate is called from the draining goroutine for each late payload
	OnLate func(LateCompletion)
}

// DefaultTxConfig returns a TxConfig with default timing for the adapter.
func DefaultTxConfig(adapter transport.AdapterKey, remoteAddr string, port int) TxConfig {
	return TxConfig{
		Name:          "tx",
		Adapter:       adapter,
		RemoteAddr:    remoteAddr,
		Port:          port,
		TxTimeout:     DefaultTxTimeout,
		QueueDepth:    DefaultQueueDepth,
		MaxInFlight:   DefaultMaxInFlight,
		RetryInterval: DefaultRetryInterval,
	}
}

func (c *TxConfig) setDefaults() {
	if c.TxTimeout <= 0 {
		c.TxTimeout = DefaultTxTimeout
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.TimeProvider == nil {
		c.TimeProvider = interfaces.DefaultTimeProvider{}
	}
}

// TxStats is a snapshot of TxSession counters.
type TxStats struct {
	Sent       uint64
	Completed  uint64
	Failed     uint64
	Late       uint64
	Retries    uint64
	SendErrors uint64
	Dropped    uint64
}

type txCounters struct {
	sent, completed, failed, late, retries, sendErrors, dropped atomic.Uint64
}

// txRecord correlates one in-flight payload with its slot.
type txRecord struct {
	slot    *pool.Slot
	gen     uint32
	active  bool
	sent    bool
	late    bool
	sentAt  time.Time
	sgl     [1][]byte
	payload interfaces.TxPayload
}

// TxSession sends payloads on one outbound connection.
type TxSession struct {
	cfg      TxConfig
	registry *transport.Registry

	state  atomic.Int32
	stopMu sync.RWMutex

	// mu guards the fields below and serializes draining of events
	mu      sync.Mutex
	handle  *transport.Handle
	conn    interfaces.IConnection
	records []txRecord
	free    chan int

	events chan event
	stats  txCounters
}

// NewTxSession creates an idle sender. Adapters are acquired from registry
// on Start.
func NewTxSession(cfg TxConfig, registry *transport.Registry) *TxSession {
	cfg.setDefaults()
	s := &TxSession{
		cfg:      cfg,
		registry: registry,
		records:  make([]txRecord, cfg.MaxInFlight),
		free:     make(chan int, cfg.MaxInFlight),
		events:   make(chan event, 2*cfg.MaxInFlight+16),
	}
	for i := range s.records {
		s.free <- i
	}
	return s
}

// State returns the current state.
func (s *TxSession) State() State { return State(s.state.Load()) }

// Start acquires the shared adapter and creates the connection. It returns
// once the connection exists; Connected is reached asynchronously.
func (s *TxSession) Start() error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		if s.State() == StateStopped {
			return ErrStopped
		}
		return ErrAlreadyStarted
	}

	logrus.WithFields(logrus.Fields{
		"function": "TxSession.Start",
		"name":     s.cfg.Name,
		"adapter":  s.cfg.Adapter.String(),
		"remote":   s.cfg.RemoteAddr,
		"port":     s.cfg.Port,
	}).Info("Starting transmit session")

	h, err := s.registry.AcquireShared(s.cfg.Adapter)
	if err != nil {
		s.state.Store(int32(StateIdle))
		return err
	}

	conn, err := h.Transport().CreateConnection(interfaces.ConnectionConfig{
		Name:       s.cfg.Name,
		Role:       interfaces.RoleTx,
		LocalAddr:  s.cfg.Adapter.LocalAddr,
		RemoteAddr: s.cfg.RemoteAddr,
		Port:       s.cfg.Port,
		TxTimeout:  s.cfg.TxTimeout,
		QueueDepth: s.cfg.QueueDepth,
		OnStatus:   s.onStatus,
		OnComplete: s.onComplete,
	})
	if err != nil {
		s.registry.ReleaseShared(h)
		s.state.Store(int32(StateIdle))
		logrus.WithFields(logrus.Fields{
			"function": "TxSession.Start",
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

func (s *TxSession) onStatus(st interfaces.Status) {
	s.enqueue(event{kind: eventStatus, status: st})
}

func (s *TxSession) onComplete(c interfaces.Completion) {
	s.enqueue(event{kind: eventComplete, completion: c, at: s.cfg.TimeProvider.Now()})
}

func (s *TxSession) enqueue(ev event) {
	select {
	case s.events <- ev:
	default:
		s.stats.dropped.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "TxSession.enqueue",
			"name":     s.cfg.Name,
			"kind":     ev.kind,
		}).Error("Event queue overflow")
	}
}

// Poll applies every queued transport event, then reports payloads that
// have waited longer than TxTimeout for their completion.
func (s *TxSession) Poll() {
	s.mu.Lock()
	s.drain()
	s.sweep()
	s.mu.Unlock()
}

// sweep reports overdue in-flight payloads once. Their records stay until
// the completion arrives or Stop. The caller holds s.mu.
func (s *TxSession) sweep() {
	var now time.Time
	for i := range s.records {
		rec := &s.records[i]
		if !rec.active || !rec.sent || rec.late {
			continue
		}
		if now.IsZero() {
			now = s.cfg.TimeProvider.Now()
		}
		if age := now.Sub(rec.sentAt); age > s.cfg.TxTimeout {
			rec.late = true
			s.reportLate(rec.payload.StreamID, age, true)
		}
	}
}

// reportLate counts and logs a late payload and calls OnLate.
func (s *TxSession) reportLate(streamID uint16, latency time.Duration, pending bool) {
	s.stats.late.Add(1)
	logrus.WithFields(logrus.Fields{
		"function":  "TxSession.reportLate",
		"stream_id": streamID,
		"latency":   latency,
		"timeout":   s.cfg.TxTimeout,
		"pending":   pending,
	}).Warn("Late payload completion")
	if s.cfg.OnLate != nil {
		s.cfg.OnLate(LateCompletion{StreamID: streamID, Latency: latency, Timeout: s.cfg.TxTimeout, Pending: pending})
	}
}

// drain applies queued events. The caller holds s.mu.
func (s *TxSession) drain() {
	for {
		select {
		case ev := <-s.events:
			s.apply(ev)
		default:
			return
		}
	}
}

func (s *TxSession) apply(ev event) {
	switch ev.kind {
	case eventStatus:
		for {
			cur := s.State()
			next := nextState(cur, ev.status)
			if next == cur || s.state.CompareAndSwap(int32(cur), int32(next)) {
				if next != cur {
					logrus.WithFields(logrus.Fields{
						"function": "TxSession.apply",
						"name":     s.cfg.Name,
						"state":    next.String(),
					}).Info("Connection state changed")
				}
				return
			}
		}
	case eventComplete:
		s.complete(ev.completion, ev.at)
	}
}

// complete consumes the completion record named by the token. Unknown and
// stale tokens are ignored.
func (s *TxSession) complete(c interfaces.Completion, at time.Time) {
	idx := int(uint32(c.Token))
	gen := uint32(c.Token >> 32)
	if idx >= len(s.records) {
		return
	}
	rec := &s.records[idx]
	if !rec.active || rec.gen != gen {
		return
	}

	latency := at.Sub(rec.sentAt)
	if c.Err != nil {
		s.stats.failed.Add(1)
		logrus.WithFields(logrus.Fields{
			"function":  "TxSession.complete",
			"stream_id": c.StreamID,
			"error":     c.Err.Error(),
		}).Warn("Payload transmit failed")
	} else {
		s.stats.completed.Add(1)
	}
	if latency > s.cfg.TxTimeout && !rec.late {
		s.reportLate(c.StreamID, latency, false)
	}
	s.retire(idx)
}

// retire releases a record's slot and returns the record to the free list.
// The caller holds s.mu.
func (s *TxSession) retire(idx int) {
	rec := &s.records[idx]
	if rec.slot != nil {
		rec.slot.Release()
	}
	rec.slot = nil
	rec.sgl[0] = nil
	rec.payload.SGL = nil
	rec.active = false
	rec.sent = false
	rec.late = false
	rec.gen++
	s.free <- idx
}

// WaitConnected drains events until the session is Connected or ctx ends.
func (s *TxSession) WaitConnected(ctx context.Context) error {
	for {
		s.Poll()
		switch s.State() {
		case StateConnected:
			return nil
		case StateStopped:
			return ErrStopped
		case StateIdle:
			return ErrNotConnected
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// Send transmits the payload held by slot. It is valid only while
// Connected. On nil the session owns slot until completion or Stop; on
// error slot stays with the caller.
func (s *TxSession) Send(ctx context.Context, slot *pool.Slot, streamID uint16, ts interfaces.PTPTimestamp, config string) error {
	s.stopMu.RLock()
	defer s.stopMu.RUnlock()

	s.Poll()
	switch s.State() {
	case StateConnected:
	case StateStopped:
		return ErrStopped
	default:
		return ErrNotConnected
	}

	var idx int
	select {
	case idx = <-s.free:
	default:
		return ErrTooManyInFlight
	}

	s.mu.Lock()
	conn := s.conn
	rec := &s.records[idx]
	rec.slot = slot
	rec.active = true
	rec.sgl[0] = slot.Payload()
	rec.payload = interfaces.TxPayload{
		SGL:       rec.sgl[:],
		StreamID:  streamID,
		Timestamp: ts,
		Config:    config,
		Token:     uint64(rec.gen)<<32 | uint64(idx),
	}
	rec.sentAt = s.cfg.TimeProvider.Now()
	gen := rec.gen
	s.mu.Unlock()

	for {
		err := conn.Send(&rec.payload)
		if err == nil {
			s.stats.sent.Add(1)
			s.mu.Lock()
			if rec.active && rec.gen == gen {
				rec.sent = true
			}
			s.mu.Unlock()
			return nil
		}
		if !errors.Is(err, interfaces.ErrQueueFull) {
			s.stats.sendErrors.Add(1)
			s.abandon(idx)
			logrus.WithFields(logrus.Fields{
				"function":  "TxSession.Send",
				"stream_id": streamID,
				"error":     err.Error(),
			}).Error("Transport rejected payload")
			return err
		}

		s.stats.retries.Add(1)
		time.Sleep(s.cfg.RetryInterval)

		s.Poll()
		if err := ctx.Err(); err != nil {
			s.abandon(idx)
			return err
		}
		switch s.State() {
		case StateConnected:
			rec.sentAt = s.cfg.TimeProvider.Now()
		case StateStopped:
			s.abandon(idx)
			return ErrStopped
		default:
			s.stats.sendErrors.Add(1)
			s.abandon(idx)
			logrus.WithFields(logrus.Fields{
				"function":  "TxSession.Send",
				"stream_id": streamID,
			}).Warn("Connection lost while retrying send")
			return ErrConnectionLost
		}
	}
}

// abandon frees a record without releasing its slot, which stays with the
// caller of Send.
func (s *TxSession) abandon(idx int) {
	s.mu.Lock()
	s.records[idx].slot = nil
	s.retire(idx)
	s.mu.Unlock()
}

// InFlight returns the number of payloads awaiting completion.
func (s *TxSession) InFlight() int {
	return len(s.records) - len(s.free)
}

// Stop tears the session down. It waits for Send calls in progress,
// closes the connection, releases every in-flight slot and releases the
// shared adapter. Stop is safe to call more than once.
func (s *TxSession) Stop() error {
	prev := State(s.state.Swap(int32(StateStopped)))
	if prev == StateStopped {
		return nil
	}

	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
		s.conn = nil
	}

	s.drain()
	released := 0
	for i := range s.records {
		if s.records[i].active {
			s.retire(i)
			released++
		}
	}

	if s.handle != nil {
		if err := s.registry.ReleaseShared(s.handle); err != nil {
			errs = append(errs, err)
		}
		s.handle = nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "TxSession.Stop",
		"name":     s.cfg.Name,
		"released": released,
	}).Info("Transmit session stopped")
	return errors.Join(errs...)
}

// Stats returns a snapshot of the session counters.
func (s *TxSession) Stats() TxStats {
	return TxStats{
		Sent:       s.stats.sent.Load(),
		Completed:  s.stats.completed.Load(),
		Failed:     s.stats.failed.Load(),
		Late:       s.stats.late.Load(),
		Retries:    s.stats.retries.Load(),
		SendErrors: s.stats.sendErrors.Load(),
		Dropped:    s.stats.dropped.Load(),
	}
}
