package av

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/opd-ai/cdilink/av/audio"
	"github.com/opd-ai/cdilink/av/video"
	"github.com/opd-ai/cdilink/limits"
)

// ProfileVersion is the baseline configuration version written into every
// descriptor and required on parse.
const ProfileVersion = "01.00"

// Stream identifiers carried with each payload.
const (
	VideoStreamID uint16 = 0
	AudioStreamID uint16 = 1
)

// DefaultLanguage is the audio language tag used when none is configured.
const DefaultLanguage = "eng"

// MediaType is the kind of payload a descriptor describes.
type MediaType uint8

const (
	MediaVideo MediaType = iota + 1
	MediaAudio
)

// String returns the descriptor name of the media type.
func (m MediaType) String() string {
	switch m {
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	default:
		return fmt.Sprintf("MediaType(%d)", uint8(m))
	}
}

// AudioFormat describes a packed audio payload.
type AudioFormat struct {
	Grouping   audio.Grouping
	SampleRate audio.SampleRate
	Language   string
}

// Validate checks the grouping and sample rate.
func (a AudioFormat) Validate() error {
	if a.Grouping.Channels() == 0 {
		return fmt.Errorf("%w: grouping %s", audio.ErrUnsupportedChannelCount, a.Grouping)
	}
	if a.SampleRate != audio.SampleRate48kHz && a.SampleRate != audio.SampleRate96kHz {
		return fmt.Errorf("%w: %d", audio.ErrUnsupportedSampleRate, uint32(a.SampleRate))
	}
	return nil
}

// BaselineConfig is the parsed form of a format descriptor. Only the
// member matching Type is meaningful. Two configs compare equal with ==
// exactly when they describe the same wire format.
type BaselineConfig struct {
	Type  MediaType
	Video video.Format
	Audio AudioFormat
}

// MakeVideoConfig renders the descriptor string for a video format.
func MakeVideoConfig(f video.Format) (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}
	alpha := "unused"
	if f.Alpha {
		alpha = "used"
	}
	if f.FrameRateNum == 0 || f.FrameRateDen == 0 {
		return "", fmt.Errorf("%w: frame rate %d/%d", video.ErrUnsupportedFormat, f.FrameRateNum, f.FrameRateDen)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "cdi_profile_version=%s; type=video; sampling=%s; depth=%d; width=%d; height=%d; ",
		ProfileVersion, f.Sampling, f.Depth, f.Width, f.Height)
	fmt.Fprintf(&b, "exactframerate=%d/%d; colorimetry=%s; range=%s; alpha_channel=%s;",
		f.FrameRateNum, f.FrameRateDen, f.Colorimetry, f.Range, alpha)
	return b.String(), nil
}

// MakeAudioConfig renders the descriptor string for an audio format.
func MakeAudioConfig(a AudioFormat) (string, error) {
	if err := a.Validate(); err != nil {
		return "", err
	}
	lang := a.Language
	if lang == "" {
		lang = DefaultLanguage
	}
	return fmt.Sprintf("cdi_profile_version=%s; type=audio; order=%s; rate=%s; language=%s;",
		ProfileVersion, a.Grouping, a.SampleRate, lang), nil
}

// ParseBaselineConfig parses a descriptor produced by MakeVideoConfig or
// MakeAudioConfig. Unknown, duplicate, missing or invalid fields all fail
// with an error wrapping ErrMalformedDescriptor.
func ParseBaselineConfig(desc string) (BaselineConfig, error) {
	var cfg BaselineConfig
	if err := limits.ValidateDescriptor(desc); err != nil {
		return cfg, fmt.Errorf("%w: %w", ErrMalformedDescriptor, err)
	}

	fields, err := splitFields(desc)
	if err != nil {
		return cfg, err
	}
	if v := fields["cdi_profile_version"]; v != ProfileVersion {
		return cfg, fmt.Errorf("%w: profile version %q", ErrMalformedDescriptor, v)
	}

	switch fields["type"] {
	case "video":
		cfg.Type = MediaVideo
		cfg.Video, err = parseVideoFields(fields)
	case "audio":
		cfg.Type = MediaAudio
		cfg.Audio, err = parseAudioFields(fields)
	default:
		return cfg, fmt.Errorf("%w: %w %q", ErrMalformedDescriptor, ErrUnknownMediaType, fields["type"])
	}
	if err != nil {
		return BaselineConfig{}, err
	}
	return cfg, nil
}

var (
	videoKeys = []string{"cdi_profile_version", "type", "sampling", "depth", "width", "height",
		"exactframerate", "colorimetry", "range", "alpha_channel"}
	audioKeys = []string{"cdi_profile_version", "type", "order", "rate", "language"}
)

func splitFields(desc string) (map[string]string, error) {
	fields := make(map[string]string, len(videoKeys))
	for _, part := range strings.Split(desc, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: field %q has no value", ErrMalformedDescriptor, part)
		}
		key = strings.TrimSpace(key)
		if _, dup := fields[key]; dup {
			return nil, fmt.Errorf("%w: duplicate field %q", ErrMalformedDescriptor, key)
		}
		fields[key] = strings.TrimSpace(value)
	}
	return fields, nil
}

// checkKeys requires exactly the given key set.
func checkKeys(fields map[string]string, keys []string) error {
	for _, k := range keys {
		if _, ok := fields[k]; !ok {
			return fmt.Errorf("%w: missing field %q", ErrMalformedDescriptor, k)
		}
	}
	if len(fields) != len(keys) {
		for k := range fields {
			if !containsKey(keys, k) {
				return fmt.Errorf("%w: unknown field %q", ErrMalformedDescriptor, k)
			}
		}
	}
	return nil
}

func containsKey(keys []string, k string) bool {
	for _, key := range keys {
		if key == k {
			return true
		}
	}
	return false
}

func parseVideoFields(fields map[string]string) (video.Format, error) {
	var f video.Format
	if err := checkKeys(fields, videoKeys); err != nil {
		return f, err
	}

	var err error
	if f.Sampling, err = video.ParseSampling(fields["sampling"]); err != nil {
		return f, fmt.Errorf("%w: %w", ErrMalformedDescriptor, err)
	}
	if f.Depth, err = parseInt(fields, "depth"); err != nil {
		return f, err
	}
	if f.Width, err = parseInt(fields, "width"); err != nil {
		return f, err
	}
	if f.Height, err = parseInt(fields, "height"); err != nil {
		return f, err
	}
	if f.FrameRateNum, f.FrameRateDen, err = parseRate(fields["exactframerate"]); err != nil {
		return f, err
	}
	if f.Colorimetry, err = video.ParseColorimetry(fields["colorimetry"]); err != nil {
		return f, fmt.Errorf("%w: %w", ErrMalformedDescriptor, err)
	}
	if f.Range, err = video.ParseRange(fields["range"]); err != nil {
		return f, fmt.Errorf("%w: %w", ErrMalformedDescriptor, err)
	}
	switch fields["alpha_channel"] {
	case "used":
		f.Alpha = true
	case "unused":
	default:
		return f, fmt.Errorf("%w: alpha_channel %q", ErrMalformedDescriptor, fields["alpha_channel"])
	}

	if err := f.Validate(); err != nil {
		return f, fmt.Errorf("%w: %w", ErrMalformedDescriptor, err)
	}
	return f, nil
}

func parseAudioFields(fields map[string]string) (AudioFormat, error) {
	var a AudioFormat
	if err := checkKeys(fields, audioKeys); err != nil {
		return a, err
	}

	var err error
	if a.Grouping, err = audio.ParseGrouping(fields["order"]); err != nil {
		return a, fmt.Errorf("%w: %w", ErrMalformedDescriptor, err)
	}
	if a.SampleRate, err = audio.ParseSampleRate(fields["rate"]); err != nil {
		return a, fmt.Errorf("%w: %w", ErrMalformedDescriptor, err)
	}
	a.Language = fields["language"]
	if a.Language == "" {
		return a, fmt.Errorf("%w: empty language", ErrMalformedDescriptor)
	}
	return a, nil
}

func parseInt(fields map[string]string, key string) (int, error) {
	v, err := strconv.Atoi(fields[key])
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrMalformedDescriptor, key, err)
	}
	return v, nil
}

// parseRate accepts "num/den" or a bare integer rate.
func parseRate(s string) (uint32, uint32, error) {
	numStr, denStr, hasDen := strings.Cut(s, "/")
	num, err := strconv.ParseUint(numStr, 10, 32)
	if err != nil || num == 0 {
		return 0, 0, fmt.Errorf("%w: exactframerate %q", ErrMalformedDescriptor, s)
	}
	den := uint64(1)
	if hasDen {
		den, err = strconv.ParseUint(denStr, 10, 32)
		if err != nil || den == 0 {
			return 0, 0, fmt.Errorf("%w: exactframerate %q", ErrMalformedDescriptor, s)
		}
	}
	return uint32(num), uint32(den), nil
}
