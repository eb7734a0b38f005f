package audio

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedChannelCount indicates a channel count outside the
	// grouping table (1, 2, 4, 6, 8, 24).
	ErrUnsupportedChannelCount = errors.New("unsupported channel count")

	// ErrUnsupportedSampleRate indicates a rate other than 48 or 96 kHz.
	ErrUnsupportedSampleRate = errors.New("unsupported sample rate")

	// ErrBufferTooSmall indicates a destination or source shorter than the
	// conversion requires.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrInvalidLength indicates a payload that is not a whole number of
	// interleaved sample frames.
	ErrInvalidLength = errors.New("payload length not a multiple of the sample frame")
)

const (
	bytesPerSample = 3
	fullScale      = 0x7FFFFFFF
	maxSample24    = 0x7FFFFF
	minSample24    = -0x800000
)

// PayloadSize returns the packed size of sampleCount samples per channel.
func PayloadSize(channels, sampleCount int) int {
	return channels * sampleCount * bytesPerSample
}

// Block is one block of planar float audio.
type Block struct {
	Channels   [][]float32
	Samples    int
	SampleRate SampleRate
}

// NewBlock allocates a block for the given channel and sample counts.
func NewBlock(channels, samples int, rate SampleRate) *Block {
	b := &Block{
		Channels:   make([][]float32, channels),
		Samples:    samples,
		SampleRate: rate,
	}
	for i := range b.Channels {
		b.Channels[i] = make([]float32, samples)
	}
	return b
}

// quantize converts a float sample to a signed 24-bit value. The sample is
// clamped to [-1, 1] and scaled by 0x7FFFFFFF; the discarded low byte is
// rounded rather than truncated so a decoded value packs back to itself.
func quantize(v float32) int32 {
	x := float64(v)
	if x != x {
		x = 0
	}
	if x > 1 {
		x = 1
	} else if x < -1 {
		x = -1
	}
	s := (int64(x*fullScale) + 0x80) >> 8
	if s > maxSample24 {
		s = maxSample24
	}
	return int32(s)
}

// dequantize is the inverse of quantize.
func dequantize(b0, b1, b2 byte) float32 {
	s := int32(uint32(b0)<<24 | uint32(b1)<<16 | uint32(b2)<<8)
	x := float64(s) / fullScale
	if x < -1 {
		x = -1
	}
	return float32(x)
}

// Pack interleaves sampleCount samples from each channel into dst as
// big-endian 24-bit integers. Channel c of sample i lands at
// i*len(channels)*3 + c*3. It returns the number of bytes written.
func Pack(dst []byte, channels [][]float32, sampleCount int) (int, error) {
	ch := len(channels)
	if _, err := GroupingForChannels(ch); err != nil {
		return 0, err
	}
	if sampleCount < 0 {
		return 0, fmt.Errorf("%w: negative sample count %d", ErrBufferTooSmall, sampleCount)
	}
	for c, samples := range channels {
		if len(samples) < sampleCount {
			return 0, fmt.Errorf("%w: channel %d has %d samples, need %d", ErrBufferTooSmall, c, len(samples), sampleCount)
		}
	}
	size := PayloadSize(ch, sampleCount)
	if len(dst) < size {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, size, len(dst))
	}

	frame := ch * bytesPerSample
	for c, samples := range channels {
		off := c * bytesPerSample
		for i := 0; i < sampleCount; i++ {
			s := quantize(samples[i])
			dst[off] = byte(s >> 16)
			dst[off+1] = byte(s >> 8)
			dst[off+2] = byte(s)
			off += frame
		}
	}
	return size, nil
}

// Unpack de-interleaves a payload of channelCount channels into dst and
// returns the number of samples per channel. Only the first
// min(channelCount, MaxDecodedChannels) channels are decoded, so dst needs
// that many entries, each long enough for the payload's sample count.
func Unpack(dst [][]float32, src []byte, channelCount int) (int, error) {
	g, err := GroupingForChannels(channelCount)
	if err != nil {
		return 0, err
	}
	frame := channelCount * bytesPerSample
	if len(src)%frame != 0 {
		return 0, fmt.Errorf("%w: %d bytes, %d channels", ErrInvalidLength, len(src), channelCount)
	}
	samples := len(src) / frame

	decoded := g.DecodedChannels()
	if len(dst) < decoded {
		return 0, fmt.Errorf("%w: %d output channels, need %d", ErrBufferTooSmall, len(dst), decoded)
	}
	for c := 0; c < decoded; c++ {
		if len(dst[c]) < samples {
			return 0, fmt.Errorf("%w: channel %d holds %d samples, need %d", ErrBufferTooSmall, c, len(dst[c]), samples)
		}
	}

	for c := 0; c < decoded; c++ {
		out := dst[c]
		off := c * bytesPerSample
		for i := 0; i < samples; i++ {
			out[i] = dequantize(src[off], src[off+1], src[off+2])
			off += frame
		}
	}
	return samples, nil
}
