// Package audio converts between planar float audio and the interleaved
// 24-bit PCM carried in audio payloads.
//
// # Wire Layout
//
// Each sample is a big-endian signed 24-bit integer. Samples are
// interleaved by channel, so channel c of sample i starts at byte
// (i*channels + c) * 3. Floats are clamped to [-1, 1], scaled by 0x7FFFFFFF
// and the top 24 bits kept, rounding the discarded byte.
//
// A sender that truncates the product instead writes a code one lower
// whenever the discarded byte is 0x80 or above: 0.5 packs to 0x400000 here
// and to 0x3FFFFF there. Receivers decode either the same way. Truncation
// would not survive a second round trip, since a decoded positive code
// scales back to just under its own multiple of 256.
//
//	b := audio.NewBlock(2, 1024, audio.SampleRate48kHz)
//	n, err := audio.Pack(buf, b.Channels, b.Samples)
//	...
//	samples, err := audio.Unpack(b.Channels, payload, 2)
//
// # Channel Groupings
//
// The descriptor's order tag selects a Grouping: M, ST, SGRP, 51, 71 or
// 222. The 24-channel 222 grouping decodes only its first
// MaxDecodedChannels channels, which map to a 7.1 speaker layout.
package audio
