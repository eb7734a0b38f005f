package video

import (
	"fmt"
)

// PixelFormat is the in-memory layout of a host frame.
type PixelFormat uint8

const (
	// PixelI444 is three full resolution 8-bit planes: Y, Cb, Cr.
	PixelI444 PixelFormat = iota
	// PixelI422 is an 8-bit Y plane with half-width Cb and Cr planes.
	PixelI422
	// PixelI444P16 is PixelI444 with 16-bit little-endian samples holding
	// the value right-justified at the wire depth.
	PixelI444P16
	// PixelI422P16 is PixelI422 with 16-bit little-endian samples holding
	// the value right-justified at the wire depth.
	PixelI422P16
	// PixelRGBA is one interleaved plane, 4 bytes per pixel.
	PixelRGBA
	// PixelBGRA is one interleaved plane, 4 bytes per pixel.
	PixelBGRA
)

// String returns the name of the pixel format.
func (p PixelFormat) String() string {
	switch p {
	case PixelI444:
		return "I444"
	case PixelI422:
		return "I422"
	case PixelI444P16:
		return "I444P16"
	case PixelI422P16:
		return "I422P16"
	case PixelRGBA:
		return "RGBA"
	case PixelBGRA:
		return "BGRA"
	default:
		return fmt.Sprintf("PixelFormat(%d)", uint8(p))
	}
}

// IsPlanar reports whether the format stores Y, Cb and Cr in separate planes.
func (p PixelFormat) IsPlanar() bool { return p <= PixelI422P16 }

func (p PixelFormat) wide() bool { return p == PixelI444P16 || p == PixelI422P16 }

// chromaShift is log2 of the horizontal chroma subsampling.
func (p PixelFormat) chromaShift() int {
	if p == PixelI422 || p == PixelI422P16 {
		return 1
	}
	return 0
}

func (p PixelFormat) bytesPerSample() int {
	if p.wide() {
		return 2
	}
	return 1
}

// planeCount returns how many entries of Frame.Planes the format uses.
func (p PixelFormat) planeCount() int {
	if p.IsPlanar() {
		return 3
	}
	return 1
}

// rowBytes returns the tight row length of plane i for the given width.
func (p PixelFormat) rowBytes(i, width int) int {
	if !p.IsPlanar() {
		return width * 4
	}
	if i == 0 {
		return width * p.bytesPerSample()
	}
	return ((width + (1 << p.chromaShift()) - 1) >> p.chromaShift()) * p.bytesPerSample()
}

// Frame is a host frame. Planar formats use Planes[0..2] for Y, Cb, Cr;
// interleaved formats use Planes[0] only. Strides may exceed the tight row
// length.
type Frame struct {
	Width       int
	Height      int
	PixelFormat PixelFormat
	Planes      [3][]byte
	Strides     [3]int
}

// NewFrame allocates a tightly packed frame. Sessions call it when a format
// is set, never per frame.
func NewFrame(width, height int, pf PixelFormat) *Frame {
	f := &Frame{Width: width, Height: height, PixelFormat: pf}
	for i := 0; i < pf.planeCount(); i++ {
		f.Strides[i] = pf.rowBytes(i, width)
		f.Planes[i] = make([]byte, f.Strides[i]*height)
	}
	return f
}

// FrameSize returns the bytes NewFrame allocates for the given geometry.
func FrameSize(width, height int, pf PixelFormat) int {
	n := 0
	for i := 0; i < pf.planeCount(); i++ {
		n += pf.rowBytes(i, width) * height
	}
	return n
}

// check verifies the frame matches the format's geometry and that every
// plane is long enough for its stride.
func (fr *Frame) check(f Format) error {
	if fr == nil {
		return fmt.Errorf("%w: nil frame", ErrBufferTooSmall)
	}
	if fr.Width != f.Width || fr.Height != f.Height {
		return fmt.Errorf("%w: frame %dx%d, format %dx%d",
			ErrInvalidDimensions, fr.Width, fr.Height, f.Width, f.Height)
	}
	if fr.PixelFormat > PixelBGRA {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, fr.PixelFormat)
	}
	for i := 0; i < fr.PixelFormat.planeCount(); i++ {
		row := fr.PixelFormat.rowBytes(i, fr.Width)
		if fr.Strides[i] < row {
			return fmt.Errorf("%w: plane %d stride %d < row %d", ErrBufferTooSmall, i, fr.Strides[i], row)
		}
		need := (fr.Height-1)*fr.Strides[i] + row
		if len(fr.Planes[i]) < need {
			return fmt.Errorf("%w: plane %d has %d bytes, need %d", ErrBufferTooSmall, i, len(fr.Planes[i]), need)
		}
	}
	return nil
}

// compatible reports whether host frames of pf can be packed from or
// unpacked into the wire sampling s.
//
// 4:2:2 wire data converts to and from both 4:2:2 and 4:4:4 host planes.
// 4:4:4 wire data needs full resolution host chroma. RGB needs an
// interleaved host format.
func compatible(s Sampling, pf PixelFormat) bool {
	switch s {
	case SamplingYCbCr422:
		return pf.IsPlanar()
	case SamplingYCbCr444:
		return pf == PixelI444 || pf == PixelI444P16
	case SamplingRGB:
		return pf == PixelRGBA || pf == PixelBGRA
	}
	return false
}

// HostPixelFormat returns the frame layout a receiver unpacks f into.
// Depths above 8 bits keep full precision in the 16-bit planar formats;
// RGB is narrowed to BGRA.
func HostPixelFormat(f Format) PixelFormat {
	switch f.Sampling {
	case SamplingYCbCr422:
		if f.Depth > 8 {
			return PixelI422P16
		}
		return PixelI422
	case SamplingYCbCr444:
		if f.Depth > 8 {
			return PixelI444P16
		}
		return PixelI444
	default:
		return PixelBGRA
	}
}
