package miniaudio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/koscakluka/voicelink/core/audio"
)

// DefaultMaxBuffered bounds how much audio a Sink queues ahead of the device.
const DefaultMaxBuffered = 30 * time.Second

var ErrBufferFull = errors.New("playback buffer full")

// Sink plays raw linear16 audio on the default output device. It implements
// the engine's audio sink: Write copies the audio, Clear drops everything not
// yet played.
type Sink struct {
	format audio.Format
	device *malgo.Device
	buffer playbackBuffer

	mu sync.Mutex
}

func (c *Client) NewSink(format audio.Format) (*Sink, error) {
	if format.IsZero() {
		format = audio.DefaultFormat()
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if format.Encoding != audio.EncodingLinear16 {
		return nil, fmt.Errorf("unsupported playback encoding %q", format.Encoding)
	}

	sink := &Sink{
		format: format,
		buffer: playbackBuffer{
			silence:  format.Encoding.Silence(),
			maxBytes: int(DefaultMaxBuffered/time.Second) * format.SampleRate * format.BytesPerFrame(),
		},
	}

	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.SampleRate = uint32(format.SampleRate)
	config.Playback.Format = malgo.FormatS16
	config.Playback.Channels = uint32(format.Channels)
	config.Alsa.NoMMap = 1
	config.PeriodSizeInFrames = uint32(format.SampleRate / 10) // ~100ms of audio
	config.Periods = 4

	bytesPerFrame := format.BytesPerFrame()
	device, err := malgo.InitDevice(c.audioContext.Context, config, malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, frameCount uint32) {
			need := int(frameCount) * bytesPerFrame
			if need > len(pOutput) {
				need = len(pOutput)
			}
			sink.buffer.fill(pOutput[:need])
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize playback device: %w", err)
	}
	sink.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("failed to start playback device: %w", err)
	}

	logger.Info("playback device started", "format", format.String())
	return sink, nil
}

func (s *Sink) Write(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return fmt.Errorf("device not initialized")
	} else if !s.device.IsStarted() {
		return fmt.Errorf("device not started")
	}

	return s.buffer.write(audio)
}

func (s *Sink) Clear() {
	s.buffer.clear()
}

// Buffered reports how much written audio has not been played yet.
func (s *Sink) Buffered() time.Duration {
	return s.format.Duration(s.buffer.len())
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device == nil {
		return nil
	}

	var err error
	if s.device.IsStarted() {
		if stopErr := s.device.Stop(); stopErr != nil {
			err = fmt.Errorf("failed to stop playback device: %w", stopErr)
		}
	}
	s.device.Uninit()
	s.device = nil
	s.buffer.clear()
	return err
}

// playbackBuffer hands audio from writers to the device callback.
type playbackBuffer struct {
	mu       sync.Mutex
	pending  []byte
	silence  byte
	maxBytes int
}

func (b *playbackBuffer) write(audio []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxBytes > 0 && len(b.pending)+len(audio) > b.maxBytes {
		return fmt.Errorf("%w: %d bytes pending", ErrBufferFull, len(b.pending))
	}
	b.pending = append(b.pending, audio...)
	return nil
}

// fill copies pending audio into out and pads the rest with silence. It
// returns the number of audio bytes copied.
func (b *playbackBuffer) fill(out []byte) int {
	b.mu.Lock()
	n := copy(out, b.pending)
	b.pending = b.pending[n:]
	if len(b.pending) == 0 {
		b.pending = nil
	}
	b.mu.Unlock()

	for i := n; i < len(out); i++ {
		out[i] = b.silence
	}
	return n
}

func (b *playbackBuffer) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
}

func (b *playbackBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
