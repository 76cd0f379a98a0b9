package deepgram

import (
	"fmt"

	engine "github.com/koscakluka/voicelink/core"
	"github.com/koscakluka/voicelink/core/audio"
)

type encodingInfo struct {
	SampleRate int
	Format     encodingFormat
}

type encodingFormat string

func (e encodingFormat) Name() string { return string(e) }

const (
	encodingLinear16 encodingFormat = "linear16"
	encodingALaw     encodingFormat = "alaw"
	encodingMulaw    encodingFormat = "mulaw"
)

func convertEncoding(format audio.Format) (encodingInfo, error) {
	info := encodingInfo{}
	switch format.SampleRate {
	case 8000, 16000, 24000, 32000, 48000:
		info.SampleRate = format.SampleRate
	default:
		return info, fmt.Errorf("%w: unsupported sample rate %d", engine.ErrConfig, format.SampleRate)
	}
	if format.Channels != 1 {
		return info, fmt.Errorf("%w: deepgram sessions need mono audio, got %d channels", engine.ErrConfig, format.Channels)
	}

	switch format.Encoding {
	case audio.EncodingLinear16:
		info.Format = encodingLinear16
	case audio.EncodingALaw, audio.EncodingMulaw:
		info.Format = encodingALaw
		if format.Encoding == audio.EncodingMulaw {
			info.Format = encodingMulaw
		}
		if info.SampleRate != 8000 {
			return info, fmt.Errorf("%w: %s needs 8000Hz, got %d", engine.ErrConfig, format.Encoding, info.SampleRate)
		}
	default:
		return info, fmt.Errorf("%w: unsupported encoding %q", engine.ErrConfig, format.Encoding)
	}
	return info, nil
}
