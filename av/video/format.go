package video

import (
	"errors"
	"fmt"

	"github.com/opd-ai/cdilink/limits"
)

var (
	// ErrInvalidDimensions indicates a width or height the wire format cannot
	// represent, or a frame whose size does not match its format.
	ErrInvalidDimensions = errors.New("invalid frame dimensions")

	// ErrUnsupportedFormat indicates a sampling/depth/alpha combination or a
	// host pixel format the codec does not convert.
	ErrUnsupportedFormat = errors.New("unsupported video format")

	// ErrBufferTooSmall indicates a destination or source buffer shorter than
	// the conversion requires.
	ErrBufferTooSmall = errors.New("buffer too small")
)

// Sampling is the chroma/sample layout of the wire format.
type Sampling uint8

const (
	// SamplingYCbCr422 carries one Cb/Cr pair per two luma samples (Cb Y0 Cr Y1).
	SamplingYCbCr422 Sampling = iota
	// SamplingYCbCr444 carries one Cb/Cr pair per luma sample (Cb Y Cr).
	SamplingYCbCr444
	// SamplingRGB carries R G B per pixel with an optional trailing alpha plane.
	SamplingRGB
)

// String returns the descriptor name of the sampling.
func (s Sampling) String() string {
	switch s {
	case SamplingYCbCr422:
		return "YCbCr422"
	case SamplingYCbCr444:
		return "YCbCr444"
	case SamplingRGB:
		return "RGB"
	default:
		return fmt.Sprintf("Sampling(%d)", uint8(s))
	}
}

// ParseSampling is the inverse of Sampling.String.
func ParseSampling(s string) (Sampling, error) {
	switch s {
	case "YCbCr422":
		return SamplingYCbCr422, nil
	case "YCbCr444":
		return SamplingYCbCr444, nil
	case "RGB":
		return SamplingRGB, nil
	}
	return 0, fmt.Errorf("%w: sampling %q", ErrUnsupportedFormat, s)
}

// samplesPerPixel returns the average colour samples per pixel.
func (s Sampling) samplesPerPixel() int {
	if s == SamplingYCbCr422 {
		return 2
	}
	return 3
}

// Colorimetry tags the colour primaries. The codec never converts between
// them; the tag travels with the payload.
type Colorimetry uint8

const (
	ColorimetryBT709 Colorimetry = iota
	ColorimetryBT601
	ColorimetryBT2020
)

// String returns the descriptor name of the colorimetry.
func (c Colorimetry) String() string {
	switch c {
	case ColorimetryBT709:
		return "BT709"
	case ColorimetryBT601:
		return "BT601"
	case ColorimetryBT2020:
		return "BT2020"
	default:
		return fmt.Sprintf("Colorimetry(%d)", uint8(c))
	}
}

// ParseColorimetry is the inverse of Colorimetry.String.
func ParseColorimetry(s string) (Colorimetry, error) {
	switch s {
	case "BT709":
		return ColorimetryBT709, nil
	case "BT601":
		return ColorimetryBT601, nil
	case "BT2020":
		return ColorimetryBT2020, nil
	}
	return 0, fmt.Errorf("%w: colorimetry %q", ErrUnsupportedFormat, s)
}

// Range is the quantization range of the samples.
type Range uint8

const (
	RangeNarrow Range = iota
	RangeFull
)

// String returns the descriptor name of the range.
func (r Range) String() string {
	if r == RangeFull {
		return "FULL"
	}
	return "NARROW"
}

// ParseRange is the inverse of Range.String.
func ParseRange(s string) (Range, error) {
	switch s {
	case "FULL":
		return RangeFull, nil
	case "NARROW":
		return RangeNarrow, nil
	}
	return 0, fmt.Errorf("%w: range %q", ErrUnsupportedFormat, s)
}

// Format describes a packed video payload. It is fixed for the lifetime of
// a session; a receiver seeing a different Format on the same stream treats
// it as a format change.
type Format struct {
	Width       int
	Height      int
	Sampling    Sampling
	Depth       int
	Alpha       bool
	Colorimetry Colorimetry
	Range       Range

	FrameRateNum uint32
	FrameRateDen uint32
}

// Validate checks that the format can be packed.
//
// 4:2:2 needs an even width and height. 10 and 12 bit packing groups span
// two or four samples, so those depths need even dimensions in every
// layout. Alpha is only carried with RGB.
func (f Format) Validate() error {
	if err := limits.ValidateVideoDimensions(f.Width, f.Height); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDimensions, err)
	}
	switch f.Depth {
	case 8, 10, 12:
	default:
		return fmt.Errorf("%w: depth %d", ErrUnsupportedFormat, f.Depth)
	}
	if f.Sampling > SamplingRGB {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, f.Sampling)
	}
	if f.Alpha && f.Sampling != SamplingRGB {
		return fmt.Errorf("%w: alpha with %s", ErrUnsupportedFormat, f.Sampling)
	}
	if f.Sampling == SamplingYCbCr422 || f.Depth > 8 {
		if f.Width%2 != 0 || f.Height%2 != 0 {
			return fmt.Errorf("%w: %dx%d must be even for %s at %d bits",
				ErrInvalidDimensions, f.Width, f.Height, f.Sampling, f.Depth)
		}
	}
	return nil
}

// FrameRatePeriod returns the frame period in microseconds, or 0 when the
// rate is unset.
func (f Format) FrameRatePeriod() int64 {
	if f.FrameRateNum == 0 {
		return 0
	}
	return 1000000 * int64(f.FrameRateDen) / int64(f.FrameRateNum)
}

// colorBytes is the size of the packed colour area.
func (f Format) colorBytes() int {
	return (f.Width*f.Height*f.Sampling.samplesPerPixel()*f.Depth + 7) / 8
}

// alphaBytes is the size of the trailing alpha plane, zero without alpha.
func (f Format) alphaBytes() int {
	if !f.Alpha {
		return 0
	}
	return (f.Width*f.Height*f.Depth + 7) / 8
}

// PayloadSize returns the exact number of bytes Pack writes for f.
//
//	8-bit 4:2:2       W*H*2
//	N-bit 4:2:2       W*H*2*N/8
//	N-bit 4:4:4, RGB  W*H*3*N/8 (+ W*H*N/8 with alpha)
func PayloadSize(f Format) (int, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	return f.colorBytes() + f.alphaBytes(), nil
}
