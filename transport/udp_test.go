package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/cdilink/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDescriptor = "cdi_profile_version=01.00; type=audio; order=ST; rate=48kHz; language=eng;"

func freeUDPPort(t *testing.T) int {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := pc.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, pc.Close())
	return port
}

type statusLog struct {
	mu       sync.Mutex
	statuses []interfaces.Status
}

func (s *statusLog) record(st interfaces.Status) {
	s.mu.Lock()
	s.statuses = append(s.statuses, st)
	s.mu.Unlock()
}

func (s *statusLog) has(st interfaces.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.statuses {
		if v == st {
			return true
		}
	}
	return false
}

func TestNewUDPTransportPacketSize(t *testing.T) {
	_, err := NewUDPTransport("127.0.0.1", UDPOptions{MaxPacketSize: 64})
	assert.Error(t, err)

	tr, err := NewUDPTransport("127.0.0.1", UDPOptions{})
	require.NoError(t, err)
	assert.Equal(t, interfaces.TransportUDP, tr.Kind())
}

func TestUDPLoopback(t *testing.T) {
	port := freeUDPPort(t)
	tr, err := NewUDPTransport("127.0.0.1", UDPOptions{KeepaliveInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	defer tr.Close()

	received := make(chan *interfaces.RxPayload, 4)
	rxStatus := &statusLog{}
	_, err = tr.CreateConnection(interfaces.ConnectionConfig{
		Name:           "rx",
		Role:           interfaces.RoleRx,
		BindAddr:       "127.0.0.1",
		Port:           port,
		QueueDepth:     4,
		MaxPayloadSize: 64 * 1024,
		OnStatus:       rxStatus.record,
		OnReceive:      func(p *interfaces.RxPayload) { received <- p },
	})
	require.NoError(t, err)

	completions := make(chan interfaces.Completion, 4)
	txStatus := &statusLog{}
	tx, err := tr.CreateConnection(interfaces.ConnectionConfig{
		Name:       "tx",
		Role:       interfaces.RoleTx,
		RemoteAddr: "127.0.0.1",
		Port:       port,
		QueueDepth: 4,
		TxTimeout:  time.Second,
		OnStatus:   txStatus.record,
		OnComplete: func(c interfaces.Completion) { completions <- c },
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return tx.Status() == interfaces.StatusConnected },
		2*time.Second, 10*time.Millisecond)
	assert.True(t, txStatus.has(interfaces.StatusConnected))

	data := make([]byte, 20000)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, tx.Send(&interfaces.TxPayload{
		SGL:       [][]byte{data[:7], data[7:]},
		StreamID:  1,
		Timestamp: interfaces.PTPTimestamp{Seconds: 1, Nanoseconds: 2},
		Config:    testDescriptor,
		Token:     42,
	}))

	select {
	case c := <-completions:
		assert.Equal(t, uint64(42), c.Token)
		assert.NoError(t, c.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("no completion")
	}

	select {
	case p := <-received:
		buf, ok := p.Linear()
		require.True(t, ok)
		assert.Equal(t, data, buf)
		assert.Equal(t, testDescriptor, p.Config)
		assert.Equal(t, uint16(1), p.StreamID)
		p.Free()
	case <-time.After(2 * time.Second):
		t.Fatal("payload not received")
	}
	assert.True(t, rxStatus.has(interfaces.StatusConnected))
}

func TestUDPSendQueueFull(t *testing.T) {
	tr, err := NewUDPTransport("127.0.0.1", UDPOptions{})
	require.NoError(t, err)
	defer tr.Close()

	tx := &udpTx{queue: make(chan *interfaces.TxPayload, 1)}
	tx.ctx, tx.cancel = context.WithCancel(context.Background())

	p := &interfaces.TxPayload{SGL: [][]byte{{1}}, Config: testDescriptor}
	require.NoError(t, tx.Send(p))
	assert.ErrorIs(t, tx.Send(p), interfaces.ErrQueueFull)

	tx.cancel()
	assert.ErrorIs(t, tx.Send(p), interfaces.ErrFatal)
}

func TestUDPCreateConnectionValidates(t *testing.T) {
	tr, err := NewUDPTransport("127.0.0.1", UDPOptions{})
	require.NoError(t, err)

	_, err = tr.CreateConnection(interfaces.ConnectionConfig{Role: interfaces.RoleTx, Port: 5000, QueueDepth: 1})
	assert.ErrorIs(t, err, interfaces.ErrInvalidAddress)

	require.NoError(t, tr.Close())
	_, err = tr.CreateConnection(interfaces.ConnectionConfig{
		Role: interfaces.RoleTx, RemoteAddr: "127.0.0.1", Port: 5000, QueueDepth: 1,
	})
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestUDPReceiveConnectionRejectsSend(t *testing.T) {
	tr, err := NewUDPTransport("127.0.0.1", UDPOptions{})
	require.NoError(t, err)
	defer tr.Close()

	rx, err := tr.CreateConnection(interfaces.ConnectionConfig{
		Role:           interfaces.RoleRx,
		BindAddr:       "127.0.0.1",
		Port:           freeUDPPort(t),
		QueueDepth:     1,
		MaxPayloadSize: 1024,
	})
	require.NoError(t, err)
	assert.ErrorIs(t, rx.Send(&interfaces.TxPayload{}), interfaces.ErrFatal)
	assert.Equal(t, interfaces.StatusDisconnected, rx.Status())
}
