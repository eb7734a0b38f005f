package main

import (
	"encoding/binary"
	"math"

	"github.com/opd-ai/cdilink/av/audio"
	"github.com/opd-ai/cdilink/av/video"
)

const (
	toneFrequency = 1000.0
	toneLevel     = 0.25
	barCount      = 8
)

// barColors are 8-bit Y, Cb, Cr and R, G, B for the classic colour bars.
var barColors = [barCount][6]uint8{
	{235, 128, 128, 255, 255, 255},
	{210, 16, 146, 255, 255, 0},
	{170, 166, 16, 0, 255, 255},
	{145, 54, 34, 0, 255, 0},
	{106, 202, 222, 255, 0, 255},
	{81, 90, 240, 255, 0, 0},
	{41, 240, 110, 0, 0, 255},
	{16, 128, 128, 0, 0, 0},
}

// patternGenerator draws colour bars that scroll one column per frame.
type patternGenerator struct {
	format video.Format
	frame  *video.Frame
	offset int
}

func newPatternGenerator(f video.Format) *patternGenerator {
	return &patternGenerator{
		format: f,
		frame:  video.NewFrame(f.Width, f.Height, video.HostPixelFormat(f)),
	}
}

// next redraws the frame and returns it. The frame is reused.
func (g *patternGenerator) next() *video.Frame {
	fr := g.frame
	w := g.format.Width
	shift := uint(0)
	if g.format.Depth > 8 {
		shift = uint(g.format.Depth - 8)
	}

	for y := 0; y < g.format.Height; y++ {
		for x := 0; x < w; x++ {
			c := barColors[((x+g.offset)*barCount/w)%barCount]
			switch fr.PixelFormat {
			case video.PixelRGBA:
				row := fr.Planes[0][y*fr.Strides[0]:]
				row[4*x], row[4*x+1], row[4*x+2], row[4*x+3] = c[3], c[4], c[5], 0xFF
			case video.PixelBGRA:
				row := fr.Planes[0][y*fr.Strides[0]:]
				row[4*x], row[4*x+1], row[4*x+2], row[4*x+3] = c[5], c[4], c[3], 0xFF
			case video.PixelI444, video.PixelI422:
				fr.Planes[0][y*fr.Strides[0]+x] = c[0]
				if cx, ok := chromaColumn(fr.PixelFormat, x); ok {
					fr.Planes[1][y*fr.Strides[1]+cx] = c[1]
					fr.Planes[2][y*fr.Strides[2]+cx] = c[2]
				}
			default:
				put16(fr.Planes[0][y*fr.Strides[0]:], x, uint16(c[0])<<shift)
				if cx, ok := chromaColumn(fr.PixelFormat, x); ok {
					put16(fr.Planes[1][y*fr.Strides[1]:], cx, uint16(c[1])<<shift)
					put16(fr.Planes[2][y*fr.Strides[2]:], cx, uint16(c[2])<<shift)
				}
			}
		}
	}
	g.offset = (g.offset + 1) % w
	return fr
}

// chromaColumn maps a luma column to its chroma column, reporting false
// for the second pixel of a 4:2:2 pair.
func chromaColumn(pf video.PixelFormat, x int) (int, bool) {
	if pf == video.PixelI422 || pf == video.PixelI422P16 {
		return x / 2, x%2 == 0
	}
	return x, true
}

func put16(row []byte, x int, v uint16) {
	binary.LittleEndian.PutUint16(row[2*x:], v)
}

// sineTone produces the same sine wave on every channel.
type sineTone struct {
	block *audio.Block
	step  float64
	phase float64
}

func newSineTone(channels, samples int, rate audio.SampleRate, freq float64) *sineTone {
	return &sineTone{
		block: audio.NewBlock(channels, samples, rate),
		step:  2 * math.Pi * freq / float64(rate),
	}
}

// next fills the block with the following samples and returns it. The
// block is reused.
func (t *sineTone) next() *audio.Block {
	first := t.block.Channels[0]
	for i := range first {
		first[i] = float32(toneLevel * math.Sin(t.phase))
		t.phase += t.step
	}
	t.phase = math.Mod(t.phase, 2*math.Pi)
	for _, ch := range t.block.Channels[1:] {
		copy(ch, first)
	}
	return t.block
}
