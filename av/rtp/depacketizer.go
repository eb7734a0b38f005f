package rtp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/cdilink/interfaces"
	"github.com/opd-ai/cdilink/limits"
	"github.com/opd-ai/cdilink/pool"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultAssemblyTimeout evicts payloads that stop receiving fragments.
	DefaultAssemblyTimeout = 5 * time.Second
)

var (
	// ErrNoBuffer indicates the receive pool had no free slot for a new payload
	ErrNoBuffer = errors.New("no receive buffer available")

	// ErrOrphanFragment indicates a fragment whose first packet was never seen
	ErrOrphanFragment = errors.New("fragment without payload header")
)

// assembly is one payload being reassembled into a pool slot.
type assembly struct {
	key          uint64
	header       PayloadHeader
	slot         *pool.Slot
	received     int
	lastActivity time.Time
	sgl          [1][]byte

	// firstSeq is the sequence number of the header fragment; bit i of
	// seen is set once fragment firstSeq+i has been copied.
	firstSeq uint16
	seen     []uint64
}

// DepacketizerStats counts reassembly outcomes.
type DepacketizerStats struct {
	Completed  uint64
	Dropped    uint64
	Evicted    uint64
	Duplicates uint64
}

// Depacketizer reassembles payloads from datagrams produced by a
// Packetizer. It is driven by a single reader goroutine and is not safe
// for concurrent use; delivered payloads may be freed from any goroutine.
type Depacketizer struct {
	pool         *pool.Pool
	maxPayload   int
	records      []assembly
	pending      map[uint64]*assembly
	maxPending   int
	timeout      time.Duration
	timeProvider interfaces.TimeProvider
	scratch      PayloadHeader
	packet       rtp.Packet
	stats        DepacketizerStats
}

// NewDepacketizer creates a depacketizer that reassembles into slots of p.
// Payloads longer than p's slot size are rejected.
func NewDepacketizer(p *pool.Pool) *Depacketizer {
	records := make([]assembly, p.Capacity())
	words := (maxFragments(p.SlotSize()) + 63) / 64
	for i := range records {
		records[i].seen = make([]uint64, words)
	}
	return &Depacketizer{
		pool:         p,
		maxPayload:   p.SlotSize(),
		records:      records,
		pending:      make(map[uint64]*assembly, p.Capacity()),
		maxPending:   p.Capacity(),
		timeout:      DefaultAssemblyTimeout,
		timeProvider: interfaces.DefaultTimeProvider{},
	}
}

// maxFragments bounds the datagrams a payload of n bytes can span when the
// sender uses the smallest allowed packet size.
func maxFragments(n int) int {
	room := MinMaxPacketSize - rtpHeaderSize - fragmentHeaderSize
	return 1 + (n+room-1)/room
}

// SetTimeProvider sets the time source used for eviction.
func (d *Depacketizer) SetTimeProvider(tp interfaces.TimeProvider) {
	if tp == nil {
		tp = interfaces.DefaultTimeProvider{}
	}
	d.timeProvider = tp
}

// SetTimeout sets how long an incomplete payload may wait for fragments.
func (d *Depacketizer) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.timeout = timeout
	}
}

// Stats returns a snapshot of the reassembly counters.
func (d *Depacketizer) Stats() DepacketizerStats { return d.stats }

// Pending returns the number of incomplete payloads.
func (d *Depacketizer) Pending() int { return len(d.pending) }

// Push consumes one data datagram. It returns a payload when the datagram
// completes one, and nil otherwise. The returned payload holds a pool slot
// until its Free method is called.
func (d *Depacketizer) Push(datagram []byte) (*interfaces.RxPayload, error) {
	if err := d.packet.Unmarshal(datagram); err != nil {
		d.stats.Dropped++
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if d.packet.PayloadType != PayloadTypeData || len(d.packet.Payload) < fragmentHeaderSize {
		d.stats.Dropped++
		return nil, fmt.Errorf("%w: payload type %d, %d bytes", ErrMalformedPacket, d.packet.PayloadType, len(d.packet.Payload))
	}

	offset := int(binary.BigEndian.Uint32(d.packet.Payload))
	body := d.packet.Payload[fragmentHeaderSize:]
	key := uint64(d.packet.SSRC)<<32 | uint64(d.packet.Timestamp)
	now := d.timeProvider.Now()

	seq := d.packet.SequenceNumber
	a := d.pending[key]
	if offset == 0 {
		if a != nil {
			d.stats.Duplicates++
			return nil, nil
		}
		var err error
		if a, body, err = d.begin(key, seq, body, now); err != nil {
			d.stats.Dropped++
			return nil, err
		}
	}
	if a == nil {
		d.stats.Dropped++
		return nil, ErrOrphanFragment
	}

	if offset+len(body) > int(a.header.Length) {
		d.discard(a)
		d.stats.Dropped++
		return nil, fmt.Errorf("%w: fragment [%d, %d) beyond length %d", ErrMalformedPacket, offset, offset+len(body), a.header.Length)
	}
	index := int(seq - a.firstSeq)
	if index >= len(a.seen)*64 {
		d.discard(a)
		d.stats.Dropped++
		return nil, fmt.Errorf("%w: fragment index %d out of range", ErrMalformedPacket, index)
	}
	word, bit := index/64, uint64(1)<<(index%64)
	if a.seen[word]&bit != 0 {
		d.stats.Duplicates++
		a.lastActivity = now
		return nil, nil
	}
	a.seen[word] |= bit
	copy(a.slot.Bytes()[offset:], body)
	a.received += len(body)
	a.lastActivity = now

	if a.received < int(a.header.Length) {
		return nil, nil
	}

	delete(d.pending, a.key)
	d.stats.Completed++
	a.sgl[0] = a.slot.Payload()
	slot := a.slot
	a.slot = nil
	return interfaces.NewRxPayload(a.sgl[:], a.header.Config, a.header.StreamID, a.header.Timestamp, slot.Release), nil
}

// begin parses the payload header and reserves a slot for the payload.
func (d *Depacketizer) begin(key uint64, seq uint16, body []byte, now time.Time) (*assembly, []byte, error) {
	n, err := d.scratch.Unmarshal(body)
	if err != nil {
		return nil, nil, err
	}
	if err := limits.ValidatePayloadSize(int(d.scratch.Length), d.maxPayload); err != nil {
		return nil, nil, err
	}

	d.evict(now)
	slot, ok := d.pool.Acquire()
	if !ok {
		return nil, nil, ErrNoBuffer
	}
	if err := slot.SetLen(int(d.scratch.Length)); err != nil {
		slot.Release()
		return nil, nil, err
	}

	a := &d.records[slot.Index()]
	a.key = key
	a.header = d.scratch
	a.slot = slot
	a.received = 0
	a.lastActivity = now
	a.firstSeq = seq
	clear(a.seen)
	d.pending[key] = a
	return a, body[n:], nil
}

// evict drops timed out payloads, then the oldest one if the pending set
// is still full.
func (d *Depacketizer) evict(now time.Time) {
	cutoff := now.Add(-d.timeout)
	for _, a := range d.pending {
		if a.lastActivity.Before(cutoff) {
			d.discard(a)
			d.stats.Evicted++
		}
	}
	if len(d.pending) < d.maxPending {
		return
	}

	var oldest *assembly
	for _, a := range d.pending {
		if oldest == nil || a.lastActivity.Before(oldest.lastActivity) {
			oldest = a
		}
	}
	if oldest != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Depacketizer.evict",
			"stream_id": oldest.header.StreamID,
			"received":  oldest.received,
			"length":    oldest.header.Length,
		}).Debug("Evicting incomplete payload")
		d.discard(oldest)
		d.stats.Evicted++
	}
}

func (d *Depacketizer) discard(a *assembly) {
	delete(d.pending, a.key)
	if a.slot != nil {
		a.slot.Release()
		a.slot = nil
	}
}

// Reset discards every incomplete payload.
func (d *Depacketizer) Reset() {
	for _, a := range d.pending {
		d.discard(a)
	}
}
