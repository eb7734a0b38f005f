// Package av builds and parses the text descriptors that travel with every
// cdilink payload.
//
// A descriptor names the media type and the exact wire format of the
// payload it accompanies, so a receiver can unpack it without prior
// negotiation:
//
//	cdi_profile_version=01.00; type=video; sampling=YCbCr422; depth=10;
//	width=1920; height=1080; exactframerate=60/1; colorimetry=BT709;
//	range=NARROW; alpha_channel=unused;
//
//	cdi_profile_version=01.00; type=audio; order=ST; rate=48kHz; language=eng;
//
// MakeVideoConfig and MakeAudioConfig produce descriptors from
// [video.Format] and [AudioFormat]. ParseBaselineConfig reverses them and
// reports ErrMalformedDescriptor for anything it cannot read. Two
// descriptors describe the same format when their parsed BaselineConfig
// values are equal, regardless of key order or spacing.
//
// # Sub-Packages
//
//   - av/video: video formats and the bit-exact pack and unpack between
//     host frames and wire payloads
//   - av/audio: channel groupings and 24-bit PCM conversion
//   - av/rtp: RTP framing used by the UDP and QUIC adapters
package av
