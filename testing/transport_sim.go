package testing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/cdilink/interfaces"
	"github.com/opd-ai/cdilink/pool"
	"github.com/sirupsen/logrus"
)

// ErrSimulatedFailure is the fatal error injected by FailSends when no
// error is given.
var ErrSimulatedFailure = errors.New("simulated transport failure")

// DeliveryRecord represents a payload delivery event for test verification
type DeliveryRecord struct {
	Port      int
	StreamID  uint16
	Size      int
	Config    string
	Timestamp int64
	Delivered bool
	Error     error
}

// SimulationStats summarizes a SimulatedNetwork.
type SimulationStats struct {
	Senders        int
	Receivers      int
	Sent           int
	Delivered      int
	Dropped        int
	QueueFullCount int
}

// faults holds the failures injected into senders.
type faults struct {
	queueFull       int
	perpetualFull   bool
	fatal           error
	completionDelay time.Duration
}

// SimulatedNetwork is an in-memory network joining simulated senders and
// receivers by port. Adapters opened from it share its fault injection and
// delivery log.
type SimulatedNetwork struct {
	mu          sync.Mutex
	receivers   map[int]*simRx
	senders     map[int]map[*simTx]struct{}
	linkDown    map[int]bool
	faults      faults
	deliveryLog []DeliveryRecord
	queueFull   int
}

// NewSimulatedNetwork creates an empty simulated network.
func NewSimulatedNetwork() *SimulatedNetwork {
	logrus.Warn("SIMULATION FUNCTION - NOT A REAL OPERATION")
	logrus.WithFields(logrus.Fields{
		"function": "NewSimulatedNetwork",
	}).Info("Creating simulated network for testing")

	return &SimulatedNetwork{
		receivers: make(map[int]*simRx),
		senders:   make(map[int]map[*simTx]struct{}),
		linkDown:  make(map[int]bool),
	}
}

// Open creates an adapter on the network.
func (n *SimulatedNetwork) Open(localAddr string) *SimulatedTransport {
	return &SimulatedTransport{network: n, localAddr: localAddr, conns: make(map[interfaces.IConnection]struct{})}
}

// SetQueueFull makes the next count Send calls return ErrQueueFull.
func (n *SimulatedNetwork) SetQueueFull(count int) {
	n.mu.Lock()
	n.faults.queueFull = count
	n.mu.Unlock()
}

// SetPerpetualQueueFull makes every Send return ErrQueueFull until cleared.
func (n *SimulatedNetwork) SetPerpetualQueueFull(on bool) {
	n.mu.Lock()
	n.faults.perpetualFull = on
	n.mu.Unlock()
}

// FailSends makes every Send return a fatal error wrapping err. A nil err
// injects ErrSimulatedFailure; call ClearFaults to stop.
func (n *SimulatedNetwork) FailSends(err error) {
	if err == nil {
		err = ErrSimulatedFailure
	}
	n.mu.Lock()
	n.faults.fatal = err
	n.mu.Unlock()
}

// SetCompletionDelay delays every completion by d.
func (n *SimulatedNetwork) SetCompletionDelay(d time.Duration) {
	n.mu.Lock()
	n.faults.completionDelay = d
	n.mu.Unlock()
}

// ClearFaults removes every injected failure.
func (n *SimulatedNetwork) ClearFaults() {
	n.mu.Lock()
	n.faults = faults{}
	n.mu.Unlock()
}

// SetLinkUp raises or drops the link to port. Connections on both ends
// report the change through OnStatus.
func (n *SimulatedNetwork) SetLinkUp(port int, up bool) {
	logrus.WithFields(logrus.Fields{
		"function": "SimulatedNetwork.SetLinkUp",
		"port":     port,
		"up":       up,
	}).Info("Simulating link state change")

	n.mu.Lock()
	n.linkDown[port] = !up
	n.mu.Unlock()
	n.refreshStatus(port)
}

// Inject delivers a payload straight to the receiver on port, bypassing
// any sender. It returns an error when no receiver can take it.
func (n *SimulatedNetwork) Inject(port int, p *interfaces.TxPayload) error {
	n.mu.Lock()
	rx := n.receivers[port]
	n.mu.Unlock()
	if rx == nil {
		return fmt.Errorf("no receiver on port %d", port)
	}
	return n.deliver(rx, port, p)
}

// GetDeliveryLog returns the complete delivery log for test verification
func (n *SimulatedNetwork) GetDeliveryLog() []DeliveryRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]DeliveryRecord, len(n.deliveryLog))
	copy(out, n.deliveryLog)
	return out
}

// ClearDeliveryLog clears the delivery log for test cleanup
func (n *SimulatedNetwork) ClearDeliveryLog() {
	n.mu.Lock()
	n.deliveryLog = nil
	n.mu.Unlock()
}

// Stats returns statistics about the simulation
func (n *SimulatedNetwork) Stats() SimulationStats {
	n.mu.Lock()
	defer n.mu.Unlock()

	s := SimulationStats{Receivers: len(n.receivers), QueueFullCount: n.queueFull}
	for _, set := range n.senders {
		s.Senders += len(set)
	}
	for _, r := range n.deliveryLog {
		s.Sent++
		if r.Delivered {
			s.Delivered++
		} else {
			s.Dropped++
		}
	}
	return s
}

// linkUp reports whether a sender to port would reach a receiver. The
// caller holds n.mu.
func (n *SimulatedNetwork) linkUp(port int) bool {
	return n.receivers[port] != nil && !n.linkDown[port]
}

func (n *SimulatedNetwork) refreshStatus(port int) {
	n.mu.Lock()
	status := interfaces.StatusDisconnected
	if n.linkUp(port) {
		status = interfaces.StatusConnected
	}
	txs := make([]*simTx, 0, len(n.senders[port]))
	for tx := range n.senders[port] {
		txs = append(txs, tx)
	}
	rx := n.receivers[port]
	n.mu.Unlock()

	for _, tx := range txs {
		tx.setStatus(status)
	}
	if rx != nil {
		rx.setStatus(status)
	}
}

// admit applies injected faults to a Send. The caller holds n.mu.
func (n *SimulatedNetwork) admit() error {
	if n.faults.fatal != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrFatal, n.faults.fatal)
	}
	if n.faults.perpetualFull {
		n.queueFull++
		return interfaces.ErrQueueFull
	}
	if n.faults.queueFull > 0 {
		n.faults.queueFull--
		n.queueFull++
		return interfaces.ErrQueueFull
	}
	return nil
}

func (n *SimulatedNetwork) deliver(rx *simRx, port int, p *interfaces.TxPayload) error {
	err := rx.receive(p)
	n.mu.Lock()
	n.deliveryLog = append(n.deliveryLog, DeliveryRecord{
		Port:      port,
		StreamID:  p.StreamID,
		Size:      p.Len(),
		Config:    p.Config,
		Timestamp: time.Now().UnixNano(),
		Delivered: err == nil,
		Error:     err,
	})
	n.mu.Unlock()
	return err
}

// SimulatedTransport implements interfaces.ITransport on a SimulatedNetwork.
type SimulatedTransport struct {
	network   *SimulatedNetwork
	localAddr string
	mu        sync.Mutex
	conns     map[interfaces.IConnection]struct{}
	closed    bool
}

// Kind returns interfaces.TransportSimulated.
func (t *SimulatedTransport) Kind() string { return interfaces.TransportSimulated }

// LocalAddr returns the address the adapter was opened with.
func (t *SimulatedTransport) LocalAddr() string { return t.localAddr }

// CreateConnection registers a sender or receiver on the network.
func (t *SimulatedTransport) CreateConnection(cfg interfaces.ConnectionConfig) (interfaces.IConnection, error) {
	logrus.Warn("SIMULATION FUNCTION - NOT A REAL OPERATION")
	logrus.WithFields(logrus.Fields{
		"function": "SimulatedTransport.CreateConnection",
		"name":     cfg.Name,
		"role":     cfg.Role.String(),
		"port":     cfg.Port,
	}).Info("Creating simulated connection")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("%w: transport closed", interfaces.ErrFatal)
	}

	var c interfaces.IConnection
	if cfg.Role == interfaces.RoleTx {
		c = t.network.newTx(t, cfg)
	} else {
		rx, err := t.network.newRx(t, cfg)
		if err != nil {
			return nil, err
		}
		c = rx
	}
	t.conns[c] = struct{}{}
	return c, nil
}

// Close closes every connection of the adapter.
func (t *SimulatedTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	conns := make([]interfaces.IConnection, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return nil
}

// IsClosed reports whether Close was called.
func (t *SimulatedTransport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *SimulatedTransport) forget(c interfaces.IConnection) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}

type simStatus struct {
	status   atomic.Uint32
	onStatus func(interfaces.Status)
}

func (s *simStatus) Status() interfaces.Status { return interfaces.Status(s.status.Load()) }

func (s *simStatus) setStatus(st interfaces.Status) {
	if interfaces.Status(s.status.Swap(uint32(st))) != st && s.onStatus != nil {
		s.onStatus(st)
	}
}

// simTx delivers queued payloads to the receiver on its port from one
// worker goroutine.
type simTx struct {
	simStatus
	network   *SimulatedNetwork
	owner     *SimulatedTransport
	cfg       interfaces.ConnectionConfig
	queue     chan *interfaces.TxPayload
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (n *SimulatedNetwork) newTx(owner *SimulatedTransport, cfg interfaces.ConnectionConfig) *simTx {
	ctx, cancel := context.WithCancel(context.Background())
	tx := &simTx{
		simStatus: simStatus{onStatus: cfg.OnStatus},
		network:   n,
		owner:     owner,
		cfg:       cfg,
		queue:     make(chan *interfaces.TxPayload, cfg.QueueDepth),
		ctx:       ctx,
		cancel:    cancel,
	}

	n.mu.Lock()
	if n.senders[cfg.Port] == nil {
		n.senders[cfg.Port] = make(map[*simTx]struct{})
	}
	n.senders[cfg.Port][tx] = struct{}{}
	n.mu.Unlock()

	tx.wg.Add(1)
	go tx.run()
	go n.refreshStatus(cfg.Port)
	return tx
}

// Send queues p, subject to injected faults.
func (tx *simTx) Send(p *interfaces.TxPayload) error {
	if tx.ctx.Err() != nil {
		return fmt.Errorf("%w: connection closed", interfaces.ErrFatal)
	}
	tx.network.mu.Lock()
	err := tx.network.admit()
	tx.network.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case tx.queue <- p:
		return nil
	default:
		tx.network.mu.Lock()
		tx.network.queueFull++
		tx.network.mu.Unlock()
		return interfaces.ErrQueueFull
	}
}

// Close stops the worker. Queued payloads are abandoned without
// completion.
func (tx *simTx) Close() error {
	tx.closeOnce.Do(func() {
		tx.cancel()
		tx.wg.Wait()

		tx.network.mu.Lock()
		delete(tx.network.senders[tx.cfg.Port], tx)
		tx.network.mu.Unlock()
		tx.owner.forget(tx)
	})
	return nil
}

func (tx *simTx) run() {
	defer tx.wg.Done()
	for {
		select {
		case <-tx.ctx.Done():
			return
		case p := <-tx.queue:
			tx.network.mu.Lock()
			delay := tx.network.faults.completionDelay
			rx := tx.network.receivers[tx.cfg.Port]
			up := tx.network.linkUp(tx.cfg.Port)
			tx.network.mu.Unlock()

			if delay > 0 {
				select {
				case <-tx.ctx.Done():
					return
				case <-time.After(delay):
				}
			}

			var err error
			if up {
				// delivery failures on the receiver are not the sender's
				tx.network.deliver(rx, tx.cfg.Port, p)
			} else {
				err = fmt.Errorf("%w: no receiver on port %d", interfaces.ErrFatal, tx.cfg.Port)
			}
			if tx.cfg.OnComplete != nil {
				tx.cfg.OnComplete(interfaces.Completion{Token: p.Token, StreamID: p.StreamID, Err: err})
			}
		}
	}
}

// simRx copies delivered payloads into its own slot pool.
type simRx struct {
	simStatus
	network *SimulatedNetwork
	owner   *SimulatedTransport
	cfg     interfaces.ConnectionConfig
	slots   *pool.Pool
	mu      sync.RWMutex
	closed  bool
}

func (n *SimulatedNetwork) newRx(owner *SimulatedTransport, cfg interfaces.ConnectionConfig) (*simRx, error) {
	slots, err := pool.New(cfg.QueueDepth, cfg.MaxPayloadSize)
	if err != nil {
		return nil, err
	}
	rx := &simRx{
		simStatus: simStatus{onStatus: cfg.OnStatus},
		network:   n,
		owner:     owner,
		cfg:       cfg,
		slots:     slots,
	}

	n.mu.Lock()
	if n.receivers[cfg.Port] != nil {
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: port %d already bound", interfaces.ErrInvalidAddress, cfg.Port)
	}
	n.receivers[cfg.Port] = rx
	n.mu.Unlock()

	go n.refreshStatus(cfg.Port)
	return rx, nil
}

// Send is not supported on a receiving connection.
func (rx *simRx) Send(*interfaces.TxPayload) error {
	return fmt.Errorf("%w: send on receive connection", interfaces.ErrFatal)
}

// Close unbinds the receiver; senders on its port go disconnected.
func (rx *simRx) Close() error {
	rx.mu.Lock()
	if rx.closed {
		rx.mu.Unlock()
		return nil
	}
	rx.closed = true
	rx.mu.Unlock()

	rx.network.mu.Lock()
	if rx.network.receivers[rx.cfg.Port] == rx {
		delete(rx.network.receivers, rx.cfg.Port)
	}
	rx.network.mu.Unlock()
	rx.owner.forget(rx)
	rx.network.refreshStatus(rx.cfg.Port)
	return nil
}

// InUse returns the number of delivered payloads not yet freed.
func (rx *simRx) InUse() int { return rx.slots.InUse() }

func (rx *simRx) receive(p *interfaces.TxPayload) error {
	rx.mu.RLock()
	defer rx.mu.RUnlock()
	if rx.closed {
		return errors.New("receiver closed")
	}

	size := p.Len()
	slot, ok := rx.slots.Acquire()
	if !ok {
		return errors.New("receiver out of buffers")
	}
	if err := slot.SetLen(size); err != nil {
		slot.Release()
		return err
	}
	buf := slot.Payload()
	off := 0
	for _, b := range p.SGL {
		off += copy(buf[off:], b)
	}

	payload := interfaces.NewRxPayload([][]byte{buf}, p.Config, p.StreamID, p.Timestamp, slot.Release)
	if rx.cfg.OnReceive != nil {
		rx.cfg.OnReceive(payload)
	} else {
		payload.Free()
	}
	return nil
}
