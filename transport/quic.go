package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/opd-ai/cdilink/av/rtp"
	"github.com/opd-ai/cdilink/interfaces"
	"github.com/opd-ai/cdilink/limits"
	"github.com/opd-ai/cdilink/pool"
	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

const (
	quicALPN = "cdilink"

	quicDialTimeout   = 2 * time.Second
	quicRedialBackoff = 500 * time.Millisecond
	quicIdleTimeout   = 5 * time.Second

	quicErrNone    quic.ApplicationErrorCode = 0
	quicErrNoSlot  quic.StreamErrorCode      = 1
	quicErrTooLong quic.StreamErrorCode      = 2
)

// QUICOptions tunes a QUICTransport.
type QUICOptions struct {
	KeepaliveInterval time.Duration
}

// QUICTransport carries each payload on its own unidirectional QUIC stream.
// Streams give per-payload framing and retransmission, at the cost of
// latency under loss.
type QUICTransport struct {
	localAddr string
	opts      QUICOptions
	conns     connSet
}

// NewQUICTransport creates a QUIC adapter bound to localAddr for outbound
// connections.
func NewQUICTransport(localAddr string, opts QUICOptions) *QUICTransport {
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = DefaultKeepaliveInterval
	}
	return &QUICTransport{localAddr: localAddr, opts: opts}
}

// Kind returns interfaces.TransportQUIC.
func (t *QUICTransport) Kind() string { return interfaces.TransportQUIC }

// CreateConnection starts a dialing sender or a listening receiver.
func (t *QUICTransport) CreateConnection(cfg interfaces.ConnectionConfig) (interfaces.IConnection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		c   interfaces.IConnection
		err error
	)
	if cfg.Role == interfaces.RoleTx {
		c = t.newTx(cfg)
	} else {
		c, err = t.newRx(cfg)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "QUICTransport.CreateConnection",
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
func (t *QUICTransport) Close() error {
	return t.conns.closeAll()
}

func (t *QUICTransport) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  quicIdleTimeout,
		KeepAlivePeriod: t.opts.KeepaliveInterval,
	}
}

// quicTx dials the receiver and redials when the connection drops.
type quicTx struct {
	statusReporter
	owner     *QUICTransport
	addr      string
	cfg       interfaces.ConnectionConfig
	queue     chan *interfaces.TxPayload
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (t *QUICTransport) newTx(cfg interfaces.ConnectionConfig) *quicTx {
	ctx, cancel := context.WithCancel(context.Background())
	c := &quicTx{
		statusReporter: statusReporter{onStatus: cfg.OnStatus, name: cfg.Name},
		owner:          t,
		addr:           net.JoinHostPort(cfg.RemoteAddr, strconv.Itoa(cfg.Port)),
		cfg:            cfg,
		queue:          make(chan *interfaces.TxPayload, cfg.QueueDepth),
		ctx:            ctx,
		cancel:         cancel,
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Send queues p without blocking.
func (c *quicTx) Send(p *interfaces.TxPayload) error {
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

// Close stops dialing and closes the QUIC connection.
func (c *quicTx) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		c.owner.conns.remove(c)
	})
	return nil
}

func (c *quicTx) run() {
	defer c.wg.Done()

	for c.ctx.Err() == nil {
		conn, err := c.dial()
		if err != nil {
			c.set(interfaces.StatusDisconnected)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(quicRedialBackoff):
			}
			continue
		}
		c.set(interfaces.StatusConnected)
		c.serve(conn)
		conn.CloseWithError(quicErrNone, "")
		c.set(interfaces.StatusDisconnected)
	}
}

func (c *quicTx) dial() (quic.Connection, error) {
	ctx, cancel := context.WithTimeout(c.ctx, quicDialTimeout)
	defer cancel()

	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicALPN},
	}
	conn, err := quic.DialAddr(ctx, c.addr, tlsConf, c.owner.quicConfig())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "quicTx.dial",
			"remote":   c.addr,
			"error":    err.Error(),
		}).Debug("Dial failed")
		return nil, err
	}
	return conn, nil
}

// serve sends queued payloads until the connection fails or the sender
// closes.
func (c *quicTx) serve(conn quic.Connection) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-conn.Context().Done():
			return
		case p := <-c.queue:
			err := c.writePayload(conn, p)
			if c.cfg.OnComplete != nil {
				c.cfg.OnComplete(interfaces.Completion{Token: p.Token, StreamID: p.StreamID, Err: err})
			}
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function":  "quicTx.serve",
					"stream_id": p.StreamID,
					"error":     err.Error(),
				}).Warn("Payload write failed")
				return
			}
		}
	}
}

func (c *quicTx) writePayload(conn quic.Connection, p *interfaces.TxPayload) error {
	h := rtp.PayloadHeader{
		StreamID:  p.StreamID,
		Timestamp: p.Timestamp,
		Length:    uint32(p.Len()),
		Config:    p.Config,
	}
	var hdr [rtp.PayloadHeaderFixedSize + limits.MaxDescriptorLength]byte
	n, err := h.MarshalTo(hdr[:])
	if err != nil {
		return err
	}

	ctx := c.ctx
	if c.cfg.TxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(c.ctx, c.cfg.TxTimeout*4)
		defer cancel()
	}
	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		return err
	}
	if _, err := stream.Write(hdr[:n]); err != nil {
		return err
	}
	for _, b := range p.SGL {
		if _, err := stream.Write(b); err != nil {
			return err
		}
	}
	return stream.Close()
}

// quicRx listens for senders and reassembles one payload per stream.
type quicRx struct {
	statusReporter
	owner     *QUICTransport
	listener  *quic.Listener
	slots     *pool.Pool
	sgls      [][1][]byte
	cfg       interfaces.ConnectionConfig
	mu        sync.Mutex
	active    int
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (t *QUICTransport) newRx(cfg interfaces.ConnectionConfig) (*quicRx, error) {
	slots, err := pool.New(cfg.QueueDepth, cfg.MaxPayloadSize)
	if err != nil {
		return nil, err
	}
	cert, err := selfSignedCert(cfg.Name)
	if err != nil {
		return nil, err
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
	}
	ln, err := quic.ListenAddr(net.JoinHostPort(cfg.BindAddr, strconv.Itoa(cfg.Port)), tlsConf, t.quicConfig())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &quicRx{
		statusReporter: statusReporter{onStatus: cfg.OnStatus, name: cfg.Name},
		owner:          t,
		listener:       ln,
		slots:          slots,
		sgls:           make([][1][]byte, slots.Capacity()),
		cfg:            cfg,
		ctx:            ctx,
		cancel:         cancel,
	}
	c.wg.Add(1)
	go c.acceptLoop()
	return c, nil
}

// LocalAddr returns the listening address.
func (c *quicRx) LocalAddr() net.Addr { return c.listener.Addr() }

// Send is not supported on a receiving connection.
func (c *quicRx) Send(*interfaces.TxPayload) error {
	return fmt.Errorf("%w: send on receive connection", interfaces.ErrFatal)
}

// Close stops the listener and every accepted connection.
func (c *quicRx) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.listener.Close()
		c.wg.Wait()
		c.owner.conns.remove(c)
	})
	return err
}

func (c *quicRx) acceptLoop() {
	defer c.wg.Done()

	for {
		conn, err := c.listener.Accept(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil && !errors.Is(err, quic.ErrServerClosed) {
				logrus.WithFields(logrus.Fields{
					"function": "quicRx.acceptLoop",
					"error":    err.Error(),
				}).Warn("Accept failed")
			}
			return
		}
		c.peerUp()
		c.wg.Add(1)
		go c.serveConn(conn)
	}
}

func (c *quicRx) peerUp() {
	c.mu.Lock()
	c.active++
	c.mu.Unlock()
	c.set(interfaces.StatusConnected)
}

func (c *quicRx) peerDown() {
	c.mu.Lock()
	c.active--
	last := c.active == 0
	c.mu.Unlock()
	if last {
		c.set(interfaces.StatusDisconnected)
	}
}

// serveConn reads payload streams in arrival order.
func (c *quicRx) serveConn(conn quic.Connection) {
	defer c.wg.Done()
	defer c.peerDown()
	defer conn.CloseWithError(quicErrNone, "")

	var (
		h       rtp.PayloadHeader
		scratch = make([]byte, limits.MaxDescriptorLength)
	)
	for {
		stream, err := conn.AcceptUniStream(c.ctx)
		if err != nil {
			return
		}
		c.readPayload(stream, &h, scratch)
	}
}

func (c *quicRx) readPayload(stream quic.ReceiveStream, h *rtp.PayloadHeader, scratch []byte) {
	if err := h.ReadFrom(stream, scratch); err != nil {
		stream.CancelRead(quicErrTooLong)
		logrus.WithFields(logrus.Fields{
			"function": "quicRx.readPayload",
			"error":    err.Error(),
		}).Debug("Bad payload header")
		return
	}
	if err := limits.ValidatePayloadSize(int(h.Length), c.slots.SlotSize()); err != nil {
		stream.CancelRead(quicErrTooLong)
		return
	}
	slot, ok := c.slots.Acquire()
	if !ok {
		stream.CancelRead(quicErrNoSlot)
		logrus.WithFields(logrus.Fields{
			"function":  "quicRx.readPayload",
			"stream_id": h.StreamID,
		}).Warn("No receive buffer, payload dropped")
		return
	}
	if err := slot.SetLen(int(h.Length)); err != nil {
		slot.Release()
		stream.CancelRead(quicErrTooLong)
		return
	}
	if _, err := io.ReadFull(stream, slot.Payload()); err != nil {
		slot.Release()
		return
	}

	sgl := &c.sgls[slot.Index()]
	sgl[0] = slot.Payload()
	p := interfaces.NewRxPayload(sgl[:], h.Config, h.StreamID, h.Timestamp, slot.Release)
	if c.cfg.OnReceive != nil {
		c.cfg.OnReceive(p)
	} else {
		p.Free()
	}
}
