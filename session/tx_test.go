package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/cdilink/interfaces"
	"github.com/opd-ai/cdilink/pool"
	simnet "github.com/opd-ai/cdilink/testing"
	"github.com/opd-ai/cdilink/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const txDescriptor = "cdi_profile_version=01.00; type=audio; order=ST; rate=48kHz; language=eng;"

type txHarness struct {
	network  *simnet.SimulatedNetwork
	registry *transport.Registry
	pool     *pool.Pool
	session  *TxSession
	port     int

	mu       sync.Mutex
	received [][]byte
}

func newTxHarness(t *testing.T, port int, withReceiver bool, tweak func(*TxConfig)) *txHarness {
	t.Helper()
	h := &txHarness{network: simnet.NewSimulatedNetwork(), port: port}
	h.registry = newSimRegistry(h.network)

	var err error
	h.pool, err = pool.New(4, 64)
	require.NoError(t, err)

	if withReceiver {
		_, err := h.network.Open("rx").CreateConnection(interfaces.ConnectionConfig{
			Role:           interfaces.RoleRx,
			Port:           port,
			QueueDepth:     8,
			MaxPayloadSize: 64,
			OnReceive: func(p *interfaces.RxPayload) {
				buf, _ := p.Linear()
				h.mu.Lock()
				h.received = append(h.received, append([]byte(nil), buf...))
				h.mu.Unlock()
				p.Free()
			},
		})
		require.NoError(t, err)
	}

	cfg := DefaultTxConfig(simKey, "127.0.0.1", port)
	cfg.MaxInFlight = h.pool.Capacity()
	cfg.RetryInterval = 100 * time.Microsecond
	if tweak != nil {
		tweak(&cfg)
	}
	h.session = NewTxSession(cfg, h.registry)
	require.NoError(t, h.session.Start())
	t.Cleanup(func() { h.session.Stop() })
	return h
}

func (h *txHarness) waitConnected(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.session.WaitConnected(ctx))
}

func (h *txHarness) slot(t *testing.T, fill byte) *pool.Slot {
	t.Helper()
	s, ok := h.pool.Acquire()
	require.True(t, ok)
	require.NoError(t, s.SetLen(16))
	for i := range s.Payload() {
		s.Payload()[i] = fill
	}
	return s
}

func (h *txHarness) receivedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.received)
}

func TestTxSessionSendCompletes(t *testing.T) {
	h := newTxHarness(t, 6000, true, nil)
	h.waitConnected(t)
	assert.Equal(t, StateConnected, h.session.State())

	s := h.slot(t, 0xAB)
	require.NoError(t, h.session.Send(context.Background(), s, 0, interfaces.PTPTimestamp{Seconds: 1}, txDescriptor))

	require.Eventually(t, func() bool {
		h.session.Poll()
		return h.pool.InUse() == 0
	}, time.Second, time.Millisecond)
	assert.False(t, s.Held())
	assert.Equal(t, 0, h.session.InFlight())

	stats := h.session.Stats()
	assert.Equal(t, uint64(1), stats.Sent)
	assert.Equal(t, uint64(1), stats.Completed)
	require.Equal(t, 1, h.receivedCount())
	assert.Equal(t, byte(0xAB), h.received[0][15])
}

func TestTxSessionNotConnected(t *testing.T) {
	h := newTxHarness(t, 6001, false, nil)
	h.session.Poll()
	assert.Equal(t, StateConnecting, h.session.State())

	s := h.slot(t, 1)
	err := h.session.Send(context.Background(), s, 0, interfaces.PTPTimestamp{}, txDescriptor)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.True(t, s.Held(), "slot stays with the caller on error")
	s.Release()
}

func TestTxSessionBackpressure(t *testing.T) {
	h := newTxHarness(t, 6002, true, nil)
	h.waitConnected(t)
	h.network.SetPerpetualQueueFull(true)

	s := h.slot(t, 0x5A)
	done := make(chan error, 1)
	go func() {
		done <- h.session.Send(context.Background(), s, 1, interfaces.PTPTimestamp{}, txDescriptor)
	}()

	require.Eventually(t, func() bool { return h.session.Stats().Retries > 20 }, time.Second, time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("send returned during perpetual queue full: %v", err)
	default:
	}
	assert.True(t, s.Held())
	assert.Equal(t, 0, h.receivedCount())

	h.network.ClearFaults()
	require.NoError(t, <-done)
	require.Eventually(t, func() bool {
		h.session.Poll()
		return !s.Held()
	}, time.Second, time.Millisecond)

	require.Equal(t, 1, h.receivedCount())
	for _, b := range h.received[0] {
		assert.Equal(t, byte(0x5A), b, "payload must not be corrupted by retries")
	}
}

func TestTxSessionConnectionLostDuringRetry(t *testing.T) {
	h := newTxHarness(t, 6003, true, nil)
	h.waitConnected(t)
	h.network.SetPerpetualQueueFull(true)

	s := h.slot(t, 2)
	done := make(chan error, 1)
	go func() {
		done <- h.session.Send(context.Background(), s, 0, interfaces.PTPTimestamp{}, txDescriptor)
	}()
	require.Eventually(t, func() bool { return h.session.Stats().Retries > 0 }, time.Second, time.Millisecond)

	h.network.SetLinkUp(6003, false)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnectionLost)
		assert.ErrorIs(t, err, interfaces.ErrFatal)
	case <-time.After(2 * time.Second):
		t.Fatal("send kept retrying against a dead connection")
	}
	assert.True(t, s.Held())
	assert.Equal(t, 0, h.session.InFlight())
	assert.Equal(t, StateConnecting, h.session.State())
	s.Release()

	h.network.ClearFaults()
	h.network.SetLinkUp(6003, true)
	h.waitConnected(t)
}

func TestTxSessionFatalError(t *testing.T) {
	h := newTxHarness(t, 6004, true, nil)
	h.waitConnected(t)

	boom := errors.New("nic gone")
	h.network.FailSends(boom)
	s := h.slot(t, 3)
	err := h.session.Send(context.Background(), s, 0, interfaces.PTPTimestamp{}, txDescriptor)
	assert.ErrorIs(t, err, interfaces.ErrFatal)
	assert.ErrorIs(t, err, boom)
	assert.True(t, s.Held())
	assert.Equal(t, 0, h.session.InFlight())
	assert.Equal(t, uint64(1), h.session.Stats().SendErrors)
	s.Release()
}

func TestTxSessionContextCancelDuringRetry(t *testing.T) {
	h := newTxHarness(t, 6005, true, nil)
	h.waitConnected(t)
	h.network.SetPerpetualQueueFull(true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s := h.slot(t, 4)
	err := h.session.Send(ctx, s, 0, interfaces.PTPTimestamp{}, txDescriptor)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, s.Held())
	s.Release()
}

func TestTxSessionTooManyInFlight(t *testing.T) {
	h := newTxHarness(t, 6006, true, func(c *TxConfig) { c.MaxInFlight = 1 })
	h.waitConnected(t)
	h.network.SetCompletionDelay(200 * time.Millisecond)

	first := h.slot(t, 5)
	require.NoError(t, h.session.Send(context.Background(), first, 0, interfaces.PTPTimestamp{}, txDescriptor))

	second := h.slot(t, 6)
	err := h.session.Send(context.Background(), second, 1, interfaces.PTPTimestamp{}, txDescriptor)
	assert.ErrorIs(t, err, ErrTooManyInFlight)
	second.Release()
}

func TestTxSessionStopReleasesInFlight(t *testing.T) {
	h := newTxHarness(t, 6007, true, nil)
	h.waitConnected(t)
	h.network.SetCompletionDelay(time.Hour)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.session.Send(context.Background(), h.slot(t, byte(i)), 0, interfaces.PTPTimestamp{}, txDescriptor))
	}
	assert.Equal(t, 3, h.pool.InUse())
	assert.Equal(t, 1, h.registry.Refs(simKey))

	require.NoError(t, h.session.Stop())
	assert.Equal(t, 0, h.pool.InUse(), "stop returns every in-flight slot")
	assert.Equal(t, StateStopped, h.session.State())
	assert.Equal(t, 0, h.registry.Refs(simKey))

	require.NoError(t, h.session.Stop())
	s := h.slot(t, 9)
	assert.ErrorIs(t, h.session.Send(context.Background(), s, 0, interfaces.PTPTimestamp{}, txDescriptor), ErrStopped)
	s.Release()
}

func TestTxSessionStopDuringRetry(t *testing.T) {
	h := newTxHarness(t, 6008, true, nil)
	h.waitConnected(t)
	h.network.SetPerpetualQueueFull(true)

	s := h.slot(t, 7)
	done := make(chan error, 1)
	go func() {
		done <- h.session.Send(context.Background(), s, 0, interfaces.PTPTimestamp{}, txDescriptor)
	}()
	require.Eventually(t, func() bool { return h.session.Stats().Retries > 0 }, time.Second, time.Millisecond)

	require.NoError(t, h.session.Stop())
	assert.ErrorIs(t, <-done, ErrStopped)
	assert.True(t, s.Held(), "a send that never reached the transport leaves the slot with the caller")
	s.Release()
}

func TestTxSessionLateCompletion(t *testing.T) {
	var late []LateCompletion
	clock := &steppingClock{now: time.Unix(100, 0), step: 20 * time.Millisecond}
	h := newTxHarness(t, 6009, true, func(c *TxConfig) {
		c.TimeProvider = clock
		c.OnLate = func(l LateCompletion) { late = append(late, l) }
	})
	h.waitConnected(t)

	require.NoError(t, h.session.Send(context.Background(), h.slot(t, 8), 1, interfaces.PTPTimestamp{}, txDescriptor))
	require.Eventually(t, func() bool {
		h.session.Poll()
		return h.pool.InUse() == 0
	}, time.Second, time.Millisecond)

	require.Len(t, late, 1)
	assert.Equal(t, uint16(1), late[0].StreamID)
	assert.GreaterOrEqual(t, late[0].Latency, 20*time.Millisecond)
	assert.Equal(t, DefaultTxTimeout, late[0].Timeout)
	assert.Equal(t, uint64(1), h.session.Stats().Late)
	assert.Equal(t, StateConnected, h.session.State(), "late completion does not affect the connection")
}

func TestTxSessionOnTimeCompletion(t *testing.T) {
	clock := &steppingClock{now: time.Unix(100, 0)}
	h := newTxHarness(t, 6010, true, func(c *TxConfig) { c.TimeProvider = clock })
	h.waitConnected(t)

	require.NoError(t, h.session.Send(context.Background(), h.slot(t, 8), 0, interfaces.PTPTimestamp{}, txDescriptor))
	require.Eventually(t, func() bool {
		h.session.Poll()
		return h.pool.InUse() == 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint64(0), h.session.Stats().Late)
}

func TestTxSessionOverdueCompletionReportedOnce(t *testing.T) {
	var late []LateCompletion
	clock := &steppingClock{now: time.Unix(100, 0)}
	h := newTxHarness(t, 6015, true, func(c *TxConfig) {
		c.TimeProvider = clock
		c.OnLate = func(l LateCompletion) { late = append(late, l) }
	})
	h.waitConnected(t)
	h.network.SetCompletionDelay(200 * time.Millisecond)

	require.NoError(t, h.session.Send(context.Background(), h.slot(t, 3), 1, interfaces.PTPTimestamp{}, txDescriptor))
	h.session.Poll()
	assert.Empty(t, late)

	clock.mu.Lock()
	clock.now = clock.now.Add(30 * time.Millisecond)
	clock.mu.Unlock()
	h.session.Poll()
	h.session.Poll()

	require.Len(t, late, 1)
	assert.True(t, late[0].Pending)
	assert.Equal(t, 30*time.Millisecond, late[0].Latency)
	assert.Equal(t, uint64(1), h.session.Stats().Late)
	assert.Equal(t, 1, h.session.InFlight(), "the record waits for its completion")

	require.Eventually(t, func() bool {
		h.session.Poll()
		return h.pool.InUse() == 0
	}, 2*time.Second, time.Millisecond)
	assert.Len(t, late, 1, "the completion of a reported payload is not reported again")
	assert.Equal(t, uint64(1), h.session.Stats().Late)
	assert.Equal(t, uint64(1), h.session.Stats().Completed)
}

func TestTxSessionStartTwice(t *testing.T) {
	h := newTxHarness(t, 6011, false, nil)
	assert.ErrorIs(t, h.session.Start(), ErrAlreadyStarted)
	require.NoError(t, h.session.Stop())
	assert.ErrorIs(t, h.session.Start(), ErrStopped)
}

func TestTxSessionSharedAdapter(t *testing.T) {
	network := simnet.NewSimulatedNetwork()
	registry := newSimRegistry(network)

	video := NewTxSession(DefaultTxConfig(simKey, "127.0.0.1", 6012), registry)
	audio := NewTxSession(DefaultTxConfig(simKey, "127.0.0.1", 6013), registry)
	require.NoError(t, video.Start())
	require.NoError(t, audio.Start())
	assert.Equal(t, 2, registry.Refs(simKey))

	require.NoError(t, video.Stop())
	assert.Equal(t, 1, registry.Refs(simKey))
	require.NoError(t, audio.Stop())
	assert.Equal(t, 0, registry.Refs(simKey))
}

func TestTxSessionIgnoresStaleCompletion(t *testing.T) {
	h := newTxHarness(t, 6014, true, nil)
	h.session.mu.Lock()
	h.session.complete(interfaces.Completion{Token: 99}, time.Now())
	h.session.complete(interfaces.Completion{Token: 1 << 32}, time.Now())
	h.session.mu.Unlock()
	assert.Equal(t, uint64(0), h.session.Stats().Completed)
	assert.Equal(t, 0, h.session.InFlight())
}
