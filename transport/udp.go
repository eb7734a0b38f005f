package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/cdilink/av/rtp"
	"github.com/opd-ai/cdilink/interfaces"
	"github.com/opd-ai/cdilink/pool"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultKeepaliveInterval paces probes from sender to receiver.
	DefaultKeepaliveInterval = 250 * time.Millisecond

	// keepaliveMisses is how many silent intervals mark a peer gone.
	keepaliveMisses = 3

	readTimeout = 100 * time.Millisecond
)

// ErrTransportClosed is returned by CreateConnection after Close.
var ErrTransportClosed = errors.New("transport closed")

// UDPOptions tunes a UDPTransport.
type UDPOptions struct {
	MaxPacketSize     int
	KeepaliveInterval time.Duration
	TimeProvider      interfaces.TimeProvider
}

func (o *UDPOptions) setDefaults() {
	if o.MaxPacketSize == 0 {
		o.MaxPacketSize = rtp.DefaultMaxPacketSize
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if o.TimeProvider == nil {
		o.TimeProvider = interfaces.DefaultTimeProvider{}
	}
}

// closer is a connection the adapter tears down on Close.
type closer interface {
	Close() error
}

// connSet tracks the connections of one adapter.
type connSet struct {
	mu     sync.Mutex
	conns  map[closer]struct{}
	closed bool
}

func (s *connSet) add(c closer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrTransportClosed
	}
	if s.conns == nil {
		s.conns = make(map[closer]struct{})
	}
	s.conns[c] = struct{}{}
	return nil
}

func (s *connSet) remove(c closer) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *connSet) closeAll() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]closer, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UDPTransport carries payloads as RTP datagrams over UDP. Every connection
// owns its socket; the adapter groups connections that share a local
// address.
type UDPTransport struct {
	localAddr string
	opts      UDPOptions
	conns     connSet
}

// NewUDPTransport creates a UDP adapter bound to localAddr for outbound
// sockets.
func NewUDPTransport(localAddr string, opts UDPOptions) (*UDPTransport, error) {
	opts.setDefaults()
	if opts.MaxPacketSize < rtp.MinMaxPacketSize || opts.MaxPacketSize > rtp.MaxMaxPacketSize {
		return nil, fmt.Errorf("invalid packet size: %d", opts.MaxPacketSize)
	}
	return &UDPTransport{localAddr: localAddr, opts: opts}, nil
}

// Kind returns interfaces.TransportUDP.
func (t *UDPTransport) Kind() string { return interfaces.TransportUDP }

// CreateConnection opens a sender or receiver socket.
func (t *UDPTransport) CreateConnection(cfg interfaces.ConnectionConfig) (interfaces.IConnection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		c   interfaces.IConnection
		err error
	)
	if cfg.Role == interfaces.RoleTx {
		c, err = t.newTx(cfg)
	} else {
		c, err = t.newRx(cfg)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "UDPTransport.CreateConnection",
			"name":     cfg.Name,
			"role":     cfg.Role.String(),
			"error":    err.Error(),
		}).Error("Failed to create connection")
		return nil, err
	}
	if err := t.conns.add(c); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Close shuts down every connection created by the adapter.
func (t *UDPTransport) Close() error {
	return t.conns.closeAll()
}

// statusReporter stores the connection status and reports changes.
type statusReporter struct {
	status   atomic.Uint32
	onStatus func(interfaces.Status)
	name     string
}

func (s *statusReporter) Status() interfaces.Status {
	return interfaces.Status(s.status.Load())
}

func (s *statusReporter) set(st interfaces.Status) {
	if interfaces.Status(s.status.Swap(uint32(st))) == st {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":   "statusReporter.set",
		"connection": s.name,
		"status":     st.String(),
	}).Debug("Connection status changed")
	if s.onStatus != nil {
		s.onStatus(st)
	}
}

// udpTx is the sending side of a UDP connection.
type udpTx struct {
	statusReporter
	owner      *UDPTransport
	conn       net.PacketConn
	remote     net.Addr
	packetizer *rtp.Packetizer
	queue      chan *interfaces.TxPayload
	cfg        interfaces.ConnectionConfig
	lastAck    atomic.Int64
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

func (t *UDPTransport) newTx(cfg interfaces.ConnectionConfig) (*udpTx, error) {
	remote, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.RemoteAddr, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidAddress, err)
	}
	pk, err := rtp.NewPacketizer(t.opts.MaxPacketSize)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenPacket("udp", net.JoinHostPort(t.localAddr, "0"))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &udpTx{
		statusReporter: statusReporter{onStatus: cfg.OnStatus, name: cfg.Name},
		owner:          t,
		conn:           conn,
		remote:         remote,
		packetizer:     pk,
		queue:          make(chan *interfaces.TxPayload, cfg.QueueDepth),
		cfg:            cfg,
		ctx:            ctx,
		cancel:         cancel,
	}

	c.wg.Add(2)
	go c.readAcks()
	go c.sendLoop()
	return c, nil
}

// Send queues p without blocking.
func (c *udpTx) Send(p *interfaces.TxPayload) error {
	if c.ctx.Err() != nil {
		return fmt.Errorf("%w: connection closed", interfaces.ErrFatal)
	}
	select {
	case c.queue <- p:
		return nil
	default:
		return interfaces.ErrQueueFull
	}
}

// Close stops the connection. No payload memory is touched after it
// returns.
func (c *udpTx) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		err = c.conn.Close()
		c.owner.conns.remove(c)
	})
	return err
}

func (c *udpTx) sendLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.owner.opts.KeepaliveInterval)
	defer ticker.Stop()
	c.probe()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.probe()
			c.checkPeer()
		case p := <-c.queue:
			c.transmit(p)
		}
	}
}

func (c *udpTx) transmit(p *interfaces.TxPayload) {
	err := c.packetizer.Packetize(p, func(b []byte) error {
		_, err := c.conn.WriteTo(b, c.remote)
		return err
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "udpTx.transmit",
			"stream_id": p.StreamID,
			"error":     err.Error(),
		}).Warn("Failed to transmit payload")
	}
	if c.cfg.OnComplete != nil {
		c.cfg.OnComplete(interfaces.Completion{Token: p.Token, StreamID: p.StreamID, Err: err})
	}
}

func (c *udpTx) probe() {
	b, err := c.packetizer.Control(rtp.PayloadTypeProbe)
	if err == nil {
		_, err = c.conn.WriteTo(b, c.remote)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "udpTx.probe",
			"error":    err.Error(),
		}).Debug("Probe not sent")
	}
}

func (c *udpTx) checkPeer() {
	last := c.lastAck.Load()
	if last == 0 {
		return
	}
	silence := c.owner.opts.TimeProvider.Since(time.Unix(0, last))
	if silence > keepaliveMisses*c.owner.opts.KeepaliveInterval {
		c.set(interfaces.StatusDisconnected)
	}
}

func (c *udpTx) readAcks() {
	defer c.wg.Done()

	buf := make([]byte, 1500)
	for c.ctx.Err() == nil {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := c.conn.ReadFrom(buf)
		if err != nil {
			continue
		}
		if pt, ok := rtp.PayloadTypeOf(buf[:n]); ok && pt == rtp.PayloadTypeAck {
			c.lastAck.Store(c.owner.opts.TimeProvider.Now().UnixNano())
			c.set(interfaces.StatusConnected)
		}
	}
}

// udpRx is the receiving side of a UDP connection.
type udpRx struct {
	statusReporter
	owner     *UDPTransport
	conn      net.PacketConn
	control   *rtp.Packetizer
	depack    *rtp.Depacketizer
	cfg       interfaces.ConnectionConfig
	lastSeen  time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (t *UDPTransport) newRx(cfg interfaces.ConnectionConfig) (*udpRx, error) {
	slots, err := pool.New(cfg.QueueDepth, cfg.MaxPayloadSize)
	if err != nil {
		return nil, err
	}
	control, err := rtp.NewPacketizer(rtp.DefaultMaxPacketSize)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenPacket("udp", net.JoinHostPort(cfg.BindAddr, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, err
	}

	depack := rtp.NewDepacketizer(slots)
	depack.SetTimeProvider(t.opts.TimeProvider)

	ctx, cancel := context.WithCancel(context.Background())
	c := &udpRx{
		statusReporter: statusReporter{onStatus: cfg.OnStatus, name: cfg.Name},
		owner:          t,
		conn:           conn,
		control:        control,
		depack:         depack,
		cfg:            cfg,
		ctx:            ctx,
		cancel:         cancel,
	}

	c.wg.Add(1)
	go c.receiveLoop()
	return c, nil
}

// LocalAddr returns the bound address.
func (c *udpRx) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Send is not supported on a receiving connection.
func (c *udpRx) Send(*interfaces.TxPayload) error {
	return fmt.Errorf("%w: send on receive connection", interfaces.ErrFatal)
}

// Close stops the receiver and discards partial payloads. Payloads already
// delivered stay valid until freed.
func (c *udpRx) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		err = c.conn.Close()
		c.depack.Reset()
		c.owner.conns.remove(c)
	})
	return err
}

func (c *udpRx) receiveLoop() {
	defer c.wg.Done()

	buf := make([]byte, rtp.MaxMaxPacketSize)
	for c.ctx.Err() == nil {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, addr, err := c.conn.ReadFrom(buf)
		if err != nil {
			c.checkPeer()
			continue
		}
		c.handleDatagram(buf[:n], addr)
	}
}

func (c *udpRx) handleDatagram(b []byte, addr net.Addr) {
	pt, ok := rtp.PayloadTypeOf(b)
	if !ok {
		return
	}
	c.lastSeen = c.owner.opts.TimeProvider.Now()
	c.set(interfaces.StatusConnected)

	switch pt {
	case rtp.PayloadTypeProbe:
		if ack, err := c.control.Control(rtp.PayloadTypeAck); err == nil {
			_, _ = c.conn.WriteTo(ack, addr)
		}
	case rtp.PayloadTypeData:
		p, err := c.depack.Push(b)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "udpRx.handleDatagram",
				"from":     addr.String(),
				"error":    err.Error(),
			}).Debug("Dropped datagram")
			return
		}
		if p == nil {
			return
		}
		if c.cfg.OnReceive != nil {
			c.cfg.OnReceive(p)
		} else {
			p.Free()
		}
	}
}

func (c *udpRx) checkPeer() {
	if c.lastSeen.IsZero() {
		return
	}
	if c.owner.opts.TimeProvider.Since(c.lastSeen) > keepaliveMisses*c.owner.opts.KeepaliveInterval {
		c.set(interfaces.StatusDisconnected)
	}
}
