// Package video converts between host frames and the packed wire layout of
// uncompressed video payloads.
//
// # Wire Layout
//
// Samples are written MSB first with no padding between them. A row of
// 4:2:2 is a run of pixel groups, each Cb Y0 Cr Y1 for two pixels; at 10
// bits one group is 5 bytes. 4:4:4 and RGB write every sample of a pixel in
// turn (Cb Y Cr, or R G B). RGB with alpha appends a separate alpha plane
// after the colour area. The last byte of each area is zero padded.
//
//	Format                 Payload bytes
//	8-bit 4:2:2            W*H*2
//	N-bit 4:2:2            W*H*2*N/8
//	N-bit 4:4:4, RGB       W*H*3*N/8
//	RGB with alpha         + W*H*N/8
//
// # Host Frames
//
// A Frame holds planar Y, Cb and Cr (PixelI444, PixelI422 and their 16-bit
// P16 variants) or interleaved RGBA and BGRA. Pack widens 8-bit host
// samples to the wire depth by shifting; Unpack narrows by dropping the low
// bits, so an 8-bit round trip is exact. The P16 formats carry wire values
// unchanged at any depth.
//
//	fr := video.NewFrame(f.Width, f.Height, video.HostPixelFormat(f))
//	n, err := video.Pack(buf, fr, f)
//	...
//	err = video.Unpack(fr, payload, f, video.UnpackOptions{Orientation: video.BottomUp})
//
// Neither call allocates. Both validate everything before touching their
// destination.
package video
