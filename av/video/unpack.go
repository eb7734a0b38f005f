package video

import (
	"encoding/binary"
	"fmt"
)

// Orientation selects the row order Unpack writes into the host frame.
type Orientation uint8

const (
	// TopDown writes wire row 0 to host row 0.
	TopDown Orientation = iota
	// BottomUp writes wire row 0 to the last host row.
	BottomUp
)

// String returns the name of the orientation.
func (o Orientation) String() string {
	if o == BottomUp {
		return "bottom-up"
	}
	return "top-down"
}

// ParseOrientation is the inverse of Orientation.String. An empty string
// selects TopDown.
func ParseOrientation(s string) (Orientation, error) {
	switch s {
	case "", "top-down":
		return TopDown, nil
	case "bottom-up":
		return BottomUp, nil
	}
	return 0, fmt.Errorf("%w: orientation %q", ErrUnsupportedFormat, s)
}

// UnpackOptions controls how a payload lands in the host frame.
type UnpackOptions struct {
	Orientation Orientation
}

func (o UnpackOptions) row(y, height int) int {
	if o.Orientation == BottomUp {
		return height - 1 - y
	}
	return y
}

// Unpack converts a wire payload described by f into dst.
//
// 8-bit host formats receive the top 8 bits of each sample; the P16 formats
// receive the full wire value. 4:2:2 chroma unpacked into a 4:4:4 host is
// written to both pixels of the pair. RGB into a host without a wire alpha
// plane gets opaque alpha.
func Unpack(dst *Frame, src []byte, f Format, opts UnpackOptions) error {
	size, err := PayloadSize(f)
	if err != nil {
		return err
	}
	if err := dst.check(f); err != nil {
		return err
	}
	if !compatible(f.Sampling, dst.PixelFormat) {
		return fmt.Errorf("%w: cannot unpack %s into %s", ErrUnsupportedFormat, f.Sampling, dst.PixelFormat)
	}
	if opts.Orientation > BottomUp {
		return fmt.Errorf("%w: orientation %d", ErrUnsupportedFormat, opts.Orientation)
	}
	if len(src) < size {
		return fmt.Errorf("%w: payload has %d bytes, need %d", ErrBufferTooSmall, len(src), size)
	}

	if f.Sampling == SamplingRGB {
		unpackRGB(dst, src[:size], f, opts)
	} else {
		unpackYCbCr(dst, src[:size], f, opts)
	}
	return nil
}

// storeSample writes a wire-depth value into a planar row.
func storeSample(row []byte, x int, v uint32, wide bool, depth uint) {
	if wide {
		binary.LittleEndian.PutUint16(row[2*x:], uint16(v))
		return
	}
	row[x] = narrow(v, depth)
}

func unpackYCbCr(dst *Frame, src []byte, f Format, opts UnpackOptions) {
	depth := uint(f.Depth)
	wide := dst.PixelFormat.wide()
	cs := dst.PixelFormat.chromaShift()
	r := bitReader{buf: src}

	for y := 0; y < f.Height; y++ {
		dy := opts.row(y, f.Height)
		yRow := dst.Planes[0][dy*dst.Strides[0]:]
		cbRow := dst.Planes[1][dy*dst.Strides[1]:]
		crRow := dst.Planes[2][dy*dst.Strides[2]:]

		if f.Sampling == SamplingYCbCr422 {
			for x := 0; x < f.Width; x += 2 {
				cb := r.read(depth)
				y0 := r.read(depth)
				cr := r.read(depth)
				y1 := r.read(depth)
				storeSample(yRow, x, y0, wide, depth)
				storeSample(yRow, x+1, y1, wide, depth)
				if cs == 1 {
					storeSample(cbRow, x>>1, cb, wide, depth)
					storeSample(crRow, x>>1, cr, wide, depth)
					continue
				}
				storeSample(cbRow, x, cb, wide, depth)
				storeSample(cbRow, x+1, cb, wide, depth)
				storeSample(crRow, x, cr, wide, depth)
				storeSample(crRow, x+1, cr, wide, depth)
			}
			continue
		}

		for x := 0; x < f.Width; x++ {
			storeSample(cbRow, x, r.read(depth), wide, depth)
			storeSample(yRow, x, r.read(depth), wide, depth)
			storeSample(crRow, x, r.read(depth), wide, depth)
		}
	}
}

func unpackRGB(dst *Frame, src []byte, f Format, opts UnpackOptions) {
	depth := uint(f.Depth)
	ri, bi := rgbIndices(dst.PixelFormat)
	stride := dst.Strides[0]
	r := bitReader{buf: src}
	a := bitReader{buf: src[f.colorBytes():]}

	for y := 0; y < f.Height; y++ {
		dy := opts.row(y, f.Height)
		row := dst.Planes[0][dy*stride : dy*stride+f.Width*4]
		for x := 0; x < len(row); x += 4 {
			row[x+ri] = narrow(r.read(depth), depth)
			row[x+1] = narrow(r.read(depth), depth)
			row[x+bi] = narrow(r.read(depth), depth)
			if f.Alpha {
				row[x+3] = narrow(a.read(depth), depth)
			} else {
				row[x+3] = 0xFF
			}
		}
	}
}
