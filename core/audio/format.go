package audio

import (
	"fmt"
	"time"
)

const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1
)

// Encoding names the sample format of raw audio exchanged with the speech
// service.
type Encoding string

const (
	EncodingMulaw    Encoding = "mulaw"
	EncodingALaw     Encoding = "alaw"
	EncodingLinear16 Encoding = "linear16"
)

// SampleSize is the size of one sample in bytes, or -1 for unknown encodings.
func (e Encoding) SampleSize() int {
	switch e {
	case EncodingMulaw, EncodingALaw:
		return 1
	case EncodingLinear16:
		return 2
	}
	return -1
}

// Silence is the byte value of a silent sample.
func (e Encoding) Silence() byte {
	switch e {
	case EncodingALaw:
		return 0x55
	case EncodingMulaw:
		return 0xFF
	}
	return 0
}

// Format describes raw PCM audio.
type Format struct {
	SampleRate int
	Channels   int
	Encoding   Encoding
}

func DefaultFormat() Format {
	return Format{SampleRate: DefaultSampleRate, Channels: DefaultChannels, Encoding: EncodingLinear16}
}

func (f Format) IsZero() bool {
	return f.SampleRate == 0 || f.Encoding == ""
}

func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("invalid channel count %d", f.Channels)
	}
	if f.Encoding.SampleSize() < 0 {
		return fmt.Errorf("unsupported encoding %q", f.Encoding)
	}
	return nil
}

func (f Format) BytesPerFrame() int {
	return f.Encoding.SampleSize() * f.Channels
}

// Duration is how long n bytes of audio in this format play for.
func (f Format) Duration(n int) time.Duration {
	bytesPerSecond := f.BytesPerFrame() * f.SampleRate
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bytesPerSecond)
}

func (f Format) String() string {
	return fmt.Sprintf("%s %dHz x%d", f.Encoding, f.SampleRate, f.Channels)
}
