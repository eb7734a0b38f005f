package rtp

import (
	"bytes"
	"testing"
	"time"

	"github.com/opd-ai/cdilink/interfaces"
	"github.com/opd-ai/cdilink/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = "cdi_profile_version=01.00; type=audio; order=ST; rate=48kHz; language=eng;"

type mockTimeProvider struct {
	now time.Time
}

func (m *mockTimeProvider) Now() time.Time                  { return m.now }
func (m *mockTimeProvider) Since(t time.Time) time.Duration { return m.now.Sub(t) }

func testPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func collect(t *testing.T, pk *Packetizer, p *interfaces.TxPayload) [][]byte {
	t.Helper()
	var out [][]byte
	err := pk.Packetize(p, func(b []byte) error {
		out = append(out, append([]byte(nil), b...))
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestPayloadHeaderRoundTrip(t *testing.T) {
	h := PayloadHeader{
		StreamID:  1,
		Timestamp: interfaces.PTPTimestamp{Seconds: 12, Nanoseconds: 345},
		Length:    2880,
		Config:    testConfig,
	}
	buf := make([]byte, h.Size())
	n, err := h.MarshalTo(buf)
	require.NoError(t, err)
	assert.Equal(t, PayloadHeaderFixedSize+len(testConfig), n)

	var got PayloadHeader
	m, err := got.Unmarshal(buf)
	require.NoError(t, err)
	assert.Equal(t, n, m)
	assert.Equal(t, h, got)

	var streamed PayloadHeader
	require.NoError(t, streamed.ReadFrom(bytes.NewReader(buf), make([]byte, 1024)))
	assert.Equal(t, h, streamed)
}

func TestPayloadHeaderErrors(t *testing.T) {
	h := PayloadHeader{Length: 1, Config: testConfig}
	buf := make([]byte, h.Size())
	_, err := h.MarshalTo(buf)
	require.NoError(t, err)

	var got PayloadHeader
	_, err = got.Unmarshal(buf[:10])
	assert.ErrorIs(t, err, ErrMalformedPacket)

	_, err = got.Unmarshal(buf[:PayloadHeaderFixedSize+3])
	assert.ErrorIs(t, err, ErrMalformedPacket)

	bad := append([]byte(nil), buf...)
	bad[0] = 9
	_, err = got.Unmarshal(bad)
	assert.ErrorIs(t, err, ErrHeaderVersion)

	_, err = (&PayloadHeader{Length: 1}).MarshalTo(buf)
	assert.Error(t, err, "empty descriptor must be rejected")

	_, err = h.MarshalTo(buf[:5])
	assert.Error(t, err)
}

func TestNewPacketizerBounds(t *testing.T) {
	_, err := NewPacketizer(100)
	assert.Error(t, err)
	_, err = NewPacketizer(MaxMaxPacketSize + 1)
	assert.Error(t, err)

	pk, err := NewPacketizer(DefaultMaxPacketSize)
	require.NoError(t, err)
	assert.NotNil(t, pk)
}

func TestPacketizeFragmentation(t *testing.T) {
	pk, err := NewPacketizer(DefaultMaxPacketSize)
	require.NoError(t, err)

	data := testPayload(5000)
	p := &interfaces.TxPayload{
		SGL:      [][]byte{data[:1000], data[1000:1001], data[1001:]},
		StreamID: 0,
		Config:   testConfig,
	}
	packets := collect(t, pk, p)
	require.Len(t, packets, PacketCount(len(data), len(testConfig), DefaultMaxPacketSize))

	for i, b := range packets {
		assert.LessOrEqual(t, len(b), DefaultMaxPacketSize)
		pt, ok := PayloadTypeOf(b)
		require.True(t, ok)
		assert.Equal(t, PayloadTypeData, pt)
		marker := b[1]&0x80 != 0
		assert.Equal(t, i == len(packets)-1, marker, "marker only on last packet")
	}
}

func TestPacketizeReassemble(t *testing.T) {
	pk, err := NewPacketizer(DefaultMaxPacketSize)
	require.NoError(t, err)
	rxPool, err := pool.New(2, 8192)
	require.NoError(t, err)
	d := NewDepacketizer(rxPool)

	data := testPayload(6000)
	ts := interfaces.PTPTimestamp{Seconds: 3, Nanoseconds: 999}
	packets := collect(t, pk, &interfaces.TxPayload{
		SGL:       [][]byte{data},
		StreamID:  1,
		Timestamp: ts,
		Config:    testConfig,
	})

	var got *interfaces.RxPayload
	for i, b := range packets {
		p, err := d.Push(b)
		require.NoError(t, err)
		if i < len(packets)-1 {
			assert.Nil(t, p)
		} else {
			got = p
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, testConfig, got.Config)
	assert.Equal(t, uint16(1), got.StreamID)
	assert.Equal(t, ts, got.Timestamp)
	buf, ok := got.Linear()
	require.True(t, ok)
	assert.Equal(t, data, buf)
	assert.Equal(t, 1, rxPool.InUse())

	got.Free()
	assert.Equal(t, 0, rxPool.InUse())
	assert.Equal(t, uint64(1), d.Stats().Completed)
}

func TestDepacketizeOutOfOrderFragments(t *testing.T) {
	pk, err := NewPacketizer(DefaultMaxPacketSize)
	require.NoError(t, err)
	rxPool, err := pool.New(1, 8192)
	require.NoError(t, err)
	d := NewDepacketizer(rxPool)

	data := testPayload(4000)
	packets := collect(t, pk, &interfaces.TxPayload{SGL: [][]byte{data}, Config: testConfig})
	require.Greater(t, len(packets), 2)

	// first packet must arrive first; the rest may reorder
	order := []int{0}
	for i := len(packets) - 1; i > 0; i-- {
		order = append(order, i)
	}
	var got *interfaces.RxPayload
	for _, i := range order {
		p, err := d.Push(packets[i])
		require.NoError(t, err)
		if p != nil {
			got = p
		}
	}
	require.NotNil(t, got)
	buf, _ := got.Linear()
	assert.Equal(t, data, buf)
	got.Free()
}

func TestDepacketizeDuplicateDoesNotComplete(t *testing.T) {
	pk, err := NewPacketizer(DefaultMaxPacketSize)
	require.NoError(t, err)
	rxPool, err := pool.New(1, 8192)
	require.NoError(t, err)
	d := NewDepacketizer(rxPool)

	data := testPayload(3000)
	packets := collect(t, pk, &interfaces.TxPayload{SGL: [][]byte{data}, Config: testConfig})
	require.Len(t, packets, 3)

	for _, i := range []int{0, 1, 1, 0} {
		p, err := d.Push(packets[i])
		require.NoError(t, err)
		require.Nil(t, p, "payload delivered with fragment 2 missing")
	}
	assert.Equal(t, uint64(2), d.Stats().Duplicates)
	assert.Equal(t, 1, d.Pending())

	got, err := d.Push(packets[2])
	require.NoError(t, err)
	require.NotNil(t, got)
	buf, ok := got.Linear()
	require.True(t, ok)
	assert.Equal(t, data, buf)
	got.Free()
	assert.Equal(t, 0, rxPool.InUse())
}

func TestDepacketizeDuplicatesHoldOneSlot(t *testing.T) {
	pk, err := NewPacketizer(DefaultMaxPacketSize)
	require.NoError(t, err)
	rxPool, err := pool.New(2, 8192)
	require.NoError(t, err)
	d := NewDepacketizer(rxPool)
	tp := &mockTimeProvider{now: time.Unix(1000, 0)}
	d.SetTimeProvider(tp)

	first := collect(t, pk, &interfaces.TxPayload{SGL: [][]byte{testPayload(3000)}, Config: testConfig})
	second := collect(t, pk, &interfaces.TxPayload{SGL: [][]byte{testPayload(3000)}, Config: testConfig})

	// every datagram of both payloads twice, with the final fragments lost
	for round := 0; round < 2; round++ {
		for _, packets := range [][][]byte{first, second} {
			for _, b := range packets[:len(packets)-1] {
				tp.now = tp.now.Add(time.Millisecond)
				p, err := d.Push(b)
				require.NoError(t, err)
				require.Nil(t, p)
			}
		}
	}
	assert.Equal(t, 2, rxPool.InUse())
	assert.Equal(t, 2, d.Pending())
	assert.Equal(t, uint64(4), d.Stats().Duplicates)

	third := collect(t, pk, &interfaces.TxPayload{SGL: [][]byte{testPayload(100)}, Config: testConfig})
	p, err := d.Push(third[0])
	require.NoError(t, err, "a full pending set evicts its oldest payload")
	require.NotNil(t, p)
	p.Free()
	assert.Equal(t, uint64(1), d.Stats().Evicted)

	_, err = d.Push(first[len(first)-1])
	assert.ErrorIs(t, err, ErrOrphanFragment)

	p, err = d.Push(second[len(second)-1])
	require.NoError(t, err)
	require.NotNil(t, p)
	p.Free()
	assert.Equal(t, 0, rxPool.InUse())
	assert.Equal(t, 0, d.Pending())
}

func TestDepacketizeOrphanAndMalformed(t *testing.T) {
	pk, err := NewPacketizer(DefaultMaxPacketSize)
	require.NoError(t, err)
	rxPool, err := pool.New(1, 8192)
	require.NoError(t, err)
	d := NewDepacketizer(rxPool)

	packets := collect(t, pk, &interfaces.TxPayload{SGL: [][]byte{testPayload(3000)}, Config: testConfig})

	_, err = d.Push(packets[1])
	assert.ErrorIs(t, err, ErrOrphanFragment)

	_, err = d.Push([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedPacket)

	probe, err := pk.Control(PayloadTypeProbe)
	require.NoError(t, err)
	_, err = d.Push(probe)
	assert.ErrorIs(t, err, ErrMalformedPacket)

	assert.Equal(t, uint64(3), d.Stats().Dropped)
	assert.Equal(t, 0, rxPool.InUse())
}

func TestDepacketizeRejectsOversizedPayload(t *testing.T) {
	pk, err := NewPacketizer(DefaultMaxPacketSize)
	require.NoError(t, err)
	rxPool, err := pool.New(1, 1024)
	require.NoError(t, err)
	d := NewDepacketizer(rxPool)

	packets := collect(t, pk, &interfaces.TxPayload{SGL: [][]byte{testPayload(2048)}, Config: testConfig})
	_, err = d.Push(packets[0])
	assert.Error(t, err)
	assert.Equal(t, 0, rxPool.InUse())
}

func TestDepacketizeNoBuffer(t *testing.T) {
	pk, err := NewPacketizer(DefaultMaxPacketSize)
	require.NoError(t, err)
	rxPool, err := pool.New(1, 8192)
	require.NoError(t, err)
	d := NewDepacketizer(rxPool)

	first := collect(t, pk, &interfaces.TxPayload{SGL: [][]byte{testPayload(100)}, Config: testConfig})
	held, err := d.Push(first[0])
	require.NoError(t, err)
	require.NotNil(t, held)

	second := collect(t, pk, &interfaces.TxPayload{SGL: [][]byte{testPayload(100)}, Config: testConfig})
	_, err = d.Push(second[0])
	assert.ErrorIs(t, err, ErrNoBuffer)

	held.Free()
	p, err := d.Push(second[0])
	require.NoError(t, err)
	require.NotNil(t, p)
	p.Free()
}

func TestDepacketizeEvictsStalePayload(t *testing.T) {
	pk, err := NewPacketizer(DefaultMaxPacketSize)
	require.NoError(t, err)
	rxPool, err := pool.New(2, 8192)
	require.NoError(t, err)
	d := NewDepacketizer(rxPool)
	tp := &mockTimeProvider{now: time.Unix(1000, 0)}
	d.SetTimeProvider(tp)

	stale := collect(t, pk, &interfaces.TxPayload{SGL: [][]byte{testPayload(3000)}, Config: testConfig})
	_, err = d.Push(stale[0])
	require.NoError(t, err)
	assert.Equal(t, 1, d.Pending())
	assert.Equal(t, 1, rxPool.InUse())

	tp.now = tp.now.Add(DefaultAssemblyTimeout + time.Second)
	fresh := collect(t, pk, &interfaces.TxPayload{SGL: [][]byte{testPayload(3000)}, Config: testConfig})
	_, err = d.Push(fresh[0])
	require.NoError(t, err)
	assert.Equal(t, 1, d.Pending())
	assert.Equal(t, uint64(1), d.Stats().Evicted)

	d.Reset()
	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, 0, rxPool.InUse())
}

func TestPayloadTypeOf(t *testing.T) {
	pk, err := NewPacketizer(DefaultMaxPacketSize)
	require.NoError(t, err)
	ack, err := pk.Control(PayloadTypeAck)
	require.NoError(t, err)
	pt, ok := PayloadTypeOf(ack)
	assert.True(t, ok)
	assert.Equal(t, PayloadTypeAck, pt)

	_, ok = PayloadTypeOf([]byte{0x80})
	assert.False(t, ok)
}
