package audio

import (
	"fmt"
)

// MaxDecodedChannels is the number of channels a receiver hands to the
// host. Wider groupings are truncated to their first MaxDecodedChannels.
const MaxDecodedChannels = 8

// Grouping is the wire channel grouping tag.
type Grouping uint8

const (
	GroupingMono Grouping = iota + 1
	GroupingStereo
	GroupingQuad
	Grouping51
	Grouping71
	// Grouping222 declares 24 channels. Only the first 8 in wire order are
	// decoded; the host receives them as a 7.1 layout.
	Grouping222
)

var groupings = [...]struct {
	tag      string
	channels int
	speakers SpeakerLayout
}{
	GroupingMono:   {"M", 1, SpeakersMono},
	GroupingStereo: {"ST", 2, SpeakersStereo},
	GroupingQuad:   {"SGRP", 4, SpeakersQuad},
	Grouping51:     {"51", 6, Speakers51},
	Grouping71:     {"71", 8, Speakers71},
	Grouping222:    {"222", 24, Speakers71},
}

func (g Grouping) valid() bool { return g >= GroupingMono && g <= Grouping222 }

// String returns the descriptor tag of the grouping.
func (g Grouping) String() string {
	if !g.valid() {
		return fmt.Sprintf("Grouping(%d)", uint8(g))
	}
	return groupings[g].tag
}

// Channels returns the number of channels carried on the wire.
func (g Grouping) Channels() int {
	if !g.valid() {
		return 0
	}
	return groupings[g].channels
}

// DecodedChannels returns the number of channels Unpack produces.
func (g Grouping) DecodedChannels() int {
	return min(g.Channels(), MaxDecodedChannels)
}

// Speakers returns the host speaker layout for the decoded channels.
func (g Grouping) Speakers() SpeakerLayout {
	if !g.valid() {
		return SpeakersUnknown
	}
	return groupings[g].speakers
}

// GroupingForChannels maps a channel count to its grouping.
func GroupingForChannels(n int) (Grouping, error) {
	for g := GroupingMono; g <= Grouping222; g++ {
		if groupings[g].channels == n {
			return g, nil
		}
	}
	return 0, fmt.Errorf("%w: %d", ErrUnsupportedChannelCount, n)
}

// ParseGrouping is the inverse of Grouping.String.
func ParseGrouping(s string) (Grouping, error) {
	for g := GroupingMono; g <= Grouping222; g++ {
		if groupings[g].tag == s {
			return g, nil
		}
	}
	return 0, fmt.Errorf("%w: grouping %q", ErrUnsupportedChannelCount, s)
}

// SpeakerLayout is the host speaker arrangement.
type SpeakerLayout uint8

const (
	SpeakersUnknown SpeakerLayout = iota
	SpeakersMono
	SpeakersStereo
	SpeakersQuad
	Speakers51
	Speakers71
)

// String returns the layout name.
func (s SpeakerLayout) String() string {
	switch s {
	case SpeakersMono:
		return "mono"
	case SpeakersStereo:
		return "stereo"
	case SpeakersQuad:
		return "4.0"
	case Speakers51:
		return "5.1"
	case Speakers71:
		return "7.1"
	default:
		return "unknown"
	}
}

// SampleRate is a wire sample rate.
type SampleRate uint32

const (
	SampleRate48kHz SampleRate = 48000
	SampleRate96kHz SampleRate = 96000
)

// String returns the descriptor form, e.g. "48kHz".
func (r SampleRate) String() string {
	return fmt.Sprintf("%dkHz", uint32(r)/1000)
}

// ParseSampleRate accepts "48kHz" and "96kHz".
func ParseSampleRate(s string) (SampleRate, error) {
	switch s {
	case "48kHz":
		return SampleRate48kHz, nil
	case "96kHz":
		return SampleRate96kHz, nil
	}
	return 0, fmt.Errorf("%w: sample rate %q", ErrUnsupportedSampleRate, s)
}
