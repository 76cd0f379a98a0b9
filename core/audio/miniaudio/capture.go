package miniaudio

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/koscakluka/voicelink/core/audio"
)

// Microphone captures raw linear16 audio from the default input device, used
// as the upstream audio of a speech session.
type Microphone struct {
	format audio.Format
	device *malgo.Device

	onAudio func(audio []byte)
	stop    context.CancelFunc

	mu sync.Mutex
}

func (c *Client) NewMicrophone(format audio.Format) (*Microphone, error) {
	if format.IsZero() {
		format = audio.DefaultFormat()
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if format.Encoding != audio.EncodingLinear16 {
		return nil, fmt.Errorf("unsupported capture encoding %q", format.Encoding)
	}

	mic := &Microphone{format: format}

	config := malgo.DefaultDeviceConfig(malgo.Capture)
	config.SampleRate = uint32(format.SampleRate)
	config.Capture.Format = malgo.FormatS16
	config.Capture.Channels = uint32(format.Channels)
	config.Alsa.NoMMap = 1
	config.PerformanceProfile = malgo.LowLatency
	config.PeriodSizeInFrames = 480
	config.Periods = 3

	bytesPerFrame := format.BytesPerFrame()
	device, err := malgo.InitDevice(c.audioContext.Context, config, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if len(pInput) < n || n == 0 {
				return
			}

			mic.mu.Lock()
			onAudio := mic.onAudio
			mic.mu.Unlock()
			if onAudio != nil {
				onAudio(pInput[:n])
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize capture device: %w", err)
	}
	mic.device = device

	return mic, nil
}

// Start delivers captured audio to onAudio until Stop is called or ctx is
// done. The slice passed to onAudio is only valid during the call.
func (m *Microphone) Start(ctx context.Context, onAudio func(audio []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		return fmt.Errorf("device not initialized")
	} else if m.device.IsStarted() {
		return nil
	}

	if err := m.device.Start(); err != nil {
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	m.onAudio = onAudio

	ctx, cancel := context.WithCancel(ctx)
	m.stop = cancel
	go func() {
		<-ctx.Done()
		if err := m.Stop(); err != nil {
			logger.Warn("failed to stop capture", "error", err)
		}
	}()

	return nil
}

func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		m.stop()
		m.stop = nil
	}
	m.onAudio = nil

	if m.device == nil || !m.device.IsStarted() {
		return nil
	}
	if err := m.device.Stop(); err != nil {
		return fmt.Errorf("failed to stop capture device: %w", err)
	}
	return nil
}

func (m *Microphone) Close() error {
	err := m.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		m.device.Uninit()
		m.device = nil
	}
	return err
}
