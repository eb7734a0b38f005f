package video

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadSize(t *testing.T) {
	const w, h = 1920, 1080
	tests := []struct {
		name   string
		format Format
		want   int
	}{
		{"8-bit 422", Format{Width: w, Height: h, Sampling: SamplingYCbCr422, Depth: 8}, w * h * 2},
		{"10-bit 422", Format{Width: w, Height: h, Sampling: SamplingYCbCr422, Depth: 10}, 5184000},
		{"12-bit 422", Format{Width: w, Height: h, Sampling: SamplingYCbCr422, Depth: 12}, w * h * 2 * 12 / 8},
		{"8-bit 444", Format{Width: w, Height: h, Sampling: SamplingYCbCr444, Depth: 8}, w * h * 3},
		{"10-bit 444", Format{Width: w, Height: h, Sampling: SamplingYCbCr444, Depth: 10}, w * h * 3 * 10 / 8},
		{"12-bit 444", Format{Width: w, Height: h, Sampling: SamplingYCbCr444, Depth: 12}, w * h * 3 * 12 / 8},
		{"8-bit RGB", Format{Width: w, Height: h, Sampling: SamplingRGB, Depth: 8}, w * h * 3},
		{"8-bit RGBA", Format{Width: w, Height: h, Sampling: SamplingRGB, Depth: 8, Alpha: true}, w*h*3 + w*h},
		{"10-bit RGBA", Format{Width: w, Height: h, Sampling: SamplingRGB, Depth: 10, Alpha: true}, w*h*3*10/8 + w*h*10/8},
		{"12-bit RGBA", Format{Width: w, Height: h, Sampling: SamplingRGB, Depth: 12, Alpha: true}, w*h*3*12/8 + w*h*12/8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PayloadSize(tt.format)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatValidate(t *testing.T) {
	tests := []struct {
		name    string
		format  Format
		wantErr error
	}{
		{"odd width 422", Format{Width: 1919, Height: 1080, Sampling: SamplingYCbCr422, Depth: 8}, ErrInvalidDimensions},
		{"odd height 422", Format{Width: 1920, Height: 1081, Sampling: SamplingYCbCr422, Depth: 8}, ErrInvalidDimensions},
		{"odd width 10-bit 444", Format{Width: 3, Height: 2, Sampling: SamplingYCbCr444, Depth: 10}, ErrInvalidDimensions},
		{"odd width 12-bit RGB", Format{Width: 5, Height: 4, Sampling: SamplingRGB, Depth: 12}, ErrInvalidDimensions},
		{"zero height", Format{Width: 2, Height: 0, Sampling: SamplingRGB, Depth: 8}, ErrInvalidDimensions},
		{"444 with alpha", Format{Width: 2, Height: 2, Sampling: SamplingYCbCr444, Depth: 8, Alpha: true}, ErrUnsupportedFormat},
		{"422 with alpha", Format{Width: 2, Height: 2, Sampling: SamplingYCbCr422, Depth: 10, Alpha: true}, ErrUnsupportedFormat},
		{"depth 16", Format{Width: 2, Height: 2, Sampling: SamplingRGB, Depth: 16}, ErrUnsupportedFormat},
		{"unknown sampling", Format{Width: 2, Height: 2, Sampling: Sampling(9), Depth: 8}, ErrUnsupportedFormat},
		{"odd 8-bit 444 ok", Format{Width: 3, Height: 3, Sampling: SamplingYCbCr444, Depth: 8}, nil},
		{"odd 8-bit RGBA ok", Format{Width: 3, Height: 1, Sampling: SamplingRGB, Depth: 8, Alpha: true}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.format.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestEnumStrings(t *testing.T) {
	for _, s := range []Sampling{SamplingYCbCr422, SamplingYCbCr444, SamplingRGB} {
		got, err := ParseSampling(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	for _, c := range []Colorimetry{ColorimetryBT601, ColorimetryBT709, ColorimetryBT2020} {
		got, err := ParseColorimetry(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	for _, r := range []Range{RangeNarrow, RangeFull} {
		got, err := ParseRange(r.String())
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}

	_, err := ParseSampling("YCbCr420")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	_, err = ParseColorimetry("P3")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	_, err = ParseRange("PARTIAL")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestFrameRatePeriod(t *testing.T) {
	assert.Equal(t, int64(16683), Format{FrameRateNum: 60000, FrameRateDen: 1001}.FrameRatePeriod())
	assert.Equal(t, int64(40000), Format{FrameRateNum: 25, FrameRateDen: 1}.FrameRatePeriod())
	assert.Equal(t, int64(0), Format{}.FrameRatePeriod())
}

func TestNewFrameLayout(t *testing.T) {
	tests := []struct {
		pf      PixelFormat
		strides [3]int
	}{
		{PixelI444, [3]int{6, 6, 6}},
		{PixelI422, [3]int{6, 3, 3}},
		{PixelI444P16, [3]int{12, 12, 12}},
		{PixelI422P16, [3]int{12, 6, 6}},
		{PixelRGBA, [3]int{24, 0, 0}},
		{PixelBGRA, [3]int{24, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.pf.String(), func(t *testing.T) {
			fr := NewFrame(6, 4, tt.pf)
			assert.Equal(t, tt.strides, fr.Strides)
			total := 0
			for i := range fr.Planes {
				assert.Len(t, fr.Planes[i], tt.strides[i]*4)
				total += len(fr.Planes[i])
			}
			assert.Equal(t, FrameSize(6, 4, tt.pf), total)
		})
	}
}

func TestHostPixelFormat(t *testing.T) {
	tests := []struct {
		sampling Sampling
		depth    int
		want     PixelFormat
	}{
		{SamplingYCbCr422, 8, PixelI422},
		{SamplingYCbCr422, 10, PixelI422P16},
		{SamplingYCbCr444, 8, PixelI444},
		{SamplingYCbCr444, 12, PixelI444P16},
		{SamplingRGB, 8, PixelBGRA},
		{SamplingRGB, 10, PixelBGRA},
	}
	for _, tt := range tests {
		f := Format{Width: 4, Height: 2, Sampling: tt.sampling, Depth: tt.depth}
		pf := HostPixelFormat(f)
		assert.Equal(t, tt.want, pf, "%s %d-bit", tt.sampling, tt.depth)
		assert.True(t, compatible(tt.sampling, pf))
	}
}

func TestParseOrientation(t *testing.T) {
	for _, o := range []Orientation{TopDown, BottomUp} {
		got, err := ParseOrientation(o.String())
		require.NoError(t, err)
		assert.Equal(t, o, got)
	}
	got, err := ParseOrientation("")
	require.NoError(t, err)
	assert.Equal(t, TopDown, got)

	_, err = ParseOrientation("sideways")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
