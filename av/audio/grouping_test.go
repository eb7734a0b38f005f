package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupingTable(t *testing.T) {
	tests := []struct {
		channels int
		tag      string
		decoded  int
		speakers SpeakerLayout
	}{
		{1, "M", 1, SpeakersMono},
		{2, "ST", 2, SpeakersStereo},
		{4, "SGRP", 4, SpeakersQuad},
		{6, "51", 6, Speakers51},
		{8, "71", 8, Speakers71},
		{24, "222", 8, Speakers71},
	}

	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			g, err := GroupingForChannels(tt.channels)
			require.NoError(t, err)
			assert.Equal(t, tt.tag, g.String())
			assert.Equal(t, tt.channels, g.Channels())
			assert.Equal(t, tt.decoded, g.DecodedChannels())
			assert.Equal(t, tt.speakers, g.Speakers())

			parsed, err := ParseGrouping(tt.tag)
			require.NoError(t, err)
			assert.Equal(t, g, parsed)
		})
	}
}

func TestInvalidGrouping(t *testing.T) {
	_, err := GroupingForChannels(3)
	assert.ErrorIs(t, err, ErrUnsupportedChannelCount)

	_, err = ParseGrouping("STEREO")
	assert.ErrorIs(t, err, ErrUnsupportedChannelCount)

	var g Grouping
	assert.Equal(t, 0, g.Channels())
	assert.Equal(t, SpeakersUnknown, g.Speakers())
	assert.Equal(t, "Grouping(0)", g.String())
}

func TestSampleRate(t *testing.T) {
	assert.Equal(t, "48kHz", SampleRate48kHz.String())
	assert.Equal(t, "96kHz", SampleRate96kHz.String())

	r, err := ParseSampleRate("96kHz")
	require.NoError(t, err)
	assert.Equal(t, SampleRate96kHz, r)

	_, err = ParseSampleRate("44.1kHz")
	assert.ErrorIs(t, err, ErrUnsupportedSampleRate)
}

func TestSpeakerLayoutString(t *testing.T) {
	assert.Equal(t, "5.1", Speakers51.String())
	assert.Equal(t, "unknown", SpeakersUnknown.String())
}
