package video

import (
	"encoding/binary"
	"fmt"
)

// Pack converts src into the wire layout described by f and writes it to
// the front of dst. It returns the number of bytes written, which always
// equals PayloadSize(f).
//
// Parameters:
//   - dst: destination buffer, at least PayloadSize(f) bytes
//   - src: host frame whose geometry matches f
//   - f: wire format
//
// Pack does not allocate. Validation happens before any byte is written so
// a failed call leaves dst untouched.
func Pack(dst []byte, src *Frame, f Format) (int, error) {
	size, err := PayloadSize(f)
	if err != nil {
		return 0, err
	}
	if err := src.check(f); err != nil {
		return 0, err
	}
	if !compatible(f.Sampling, src.PixelFormat) {
		return 0, fmt.Errorf("%w: cannot pack %s from %s", ErrUnsupportedFormat, f.Sampling, src.PixelFormat)
	}
	if len(dst) < size {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, size, len(dst))
	}

	w := bitWriter{buf: dst[:size]}
	if f.Sampling == SamplingRGB {
		packRGB(&w, src, f)
	} else {
		packYCbCr(&w, src, f)
	}
	return w.pos, nil
}

// hostSample reads sample x of a planar row at the wire depth.
func hostSample(row []byte, x int, wide bool, depth uint) uint32 {
	if wide {
		return uint32(binary.LittleEndian.Uint16(row[2*x:])) & (1<<depth - 1)
	}
	return expand(row[x], depth)
}

func packYCbCr(w *bitWriter, src *Frame, f Format) {
	depth := uint(f.Depth)
	wide := src.PixelFormat.wide()
	cs := src.PixelFormat.chromaShift()

	for y := 0; y < f.Height; y++ {
		yRow := src.Planes[0][y*src.Strides[0]:]
		cbRow := src.Planes[1][y*src.Strides[1]:]
		crRow := src.Planes[2][y*src.Strides[2]:]

		if f.Sampling == SamplingYCbCr422 {
			// 4:4:4 hosts contribute the chroma of the even pixel
			for x := 0; x < f.Width; x += 2 {
				c := x >> cs
				w.write(hostSample(cbRow, c, wide, depth), depth)
				w.write(hostSample(yRow, x, wide, depth), depth)
				w.write(hostSample(crRow, c, wide, depth), depth)
				w.write(hostSample(yRow, x+1, wide, depth), depth)
			}
			continue
		}

		for x := 0; x < f.Width; x++ {
			w.write(hostSample(cbRow, x, wide, depth), depth)
			w.write(hostSample(yRow, x, wide, depth), depth)
			w.write(hostSample(crRow, x, wide, depth), depth)
		}
	}
	w.flush()
}

// rgbIndices returns the byte offsets of red and blue within a pixel.
func rgbIndices(pf PixelFormat) (int, int) {
	if pf == PixelBGRA {
		return 2, 0
	}
	return 0, 2
}

func packRGB(w *bitWriter, src *Frame, f Format) {
	depth := uint(f.Depth)
	ri, bi := rgbIndices(src.PixelFormat)
	stride := src.Strides[0]

	for y := 0; y < f.Height; y++ {
		row := src.Planes[0][y*stride : y*stride+f.Width*4]
		for x := 0; x < len(row); x += 4 {
			w.write(expand(row[x+ri], depth), depth)
			w.write(expand(row[x+1], depth), depth)
			w.write(expand(row[x+bi], depth), depth)
		}
	}
	w.flush()

	if !f.Alpha {
		return
	}
	for y := 0; y < f.Height; y++ {
		row := src.Planes[0][y*stride : y*stride+f.Width*4]
		for x := 3; x < len(row); x += 4 {
			w.write(expandAlpha(row[x], depth), depth)
		}
	}
	w.flush()
}
