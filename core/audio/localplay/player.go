package localplay

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	engine "github.com/koscakluka/voicelink/core"
	"github.com/koscakluka/voicelink/core/audio"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultToneFrequency = 880.0
	DefaultToneDuration  = 180 * time.Millisecond
	DefaultToneGap       = 120 * time.Millisecond
	DefaultToneBeeps     = 2

	chunkDuration = 20 * time.Millisecond
)

// Writer is where generated audio goes, usually the same sink the engine
// writes speech to.
type Writer interface {
	Write(audio []byte) error
}

// BluetoothSource plays the paired bluetooth stream until ctx is done or the
// stream ends.
type BluetoothSource func(ctx context.Context) error

// Player serves local playback intents: prompt tones are synthesized here
// and bluetooth playback is handed to the host.
type Player struct {
	out       Writer
	format    audio.Format
	bluetooth BluetoothSource

	frequency float64
	beep      time.Duration
	gap       time.Duration
	beeps     int

	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Player)

func WithBluetoothSource(source BluetoothSource) Option {
	return func(p *Player) { p.bluetooth = source }
}

func WithFormat(format audio.Format) Option {
	return func(p *Player) {
		if !format.IsZero() {
			p.format = format
		}
	}
}

// WithTone configures the prompt tone as beeps of frequency Hz, each lasting
// beep and separated by gap.
func WithTone(frequency float64, beep, gap time.Duration, beeps int) Option {
	return func(p *Player) {
		if frequency > 0 {
			p.frequency = frequency
		}
		if beep > 0 {
			p.beep = beep
		}
		if gap >= 0 {
			p.gap = gap
		}
		if beeps > 0 {
			p.beeps = beeps
		}
	}
}

func New(out Writer, opts ...Option) (*Player, error) {
	p := &Player{
		out:       out,
		format:    audio.DefaultFormat(),
		frequency: DefaultToneFrequency,
		beep:      DefaultToneDuration,
		gap:       DefaultToneGap,
		beeps:     DefaultToneBeeps,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.out == nil {
		return nil, fmt.Errorf("%w: local player needs an audio writer", engine.ErrConfig)
	}
	if err := p.format.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrConfig, err)
	}
	if p.format.Encoding != audio.EncodingLinear16 {
		return nil, fmt.Errorf("%w: tones need linear16 audio, got %s", engine.ErrConfig, p.format.Encoding)
	}
	return p, nil
}

func (p *Player) Play(ctx context.Context, intent engine.Intent) error {
	ctx, span := tracer.Start(ctx, "play local intent")
	defer span.End()
	span.SetAttributes(attribute.String("intent", intent.Kind.String()))

	var err error
	switch intent.Kind {
	case engine.IntentTone:
		err = p.playTone(ctx)
	case engine.IntentBluetooth:
		if p.bluetooth == nil {
			err = fmt.Errorf("%w: no bluetooth source configured", engine.ErrConfig)
			break
		}
		err = p.bluetooth(ctx)
	default:
		err = fmt.Errorf("%w: local player cannot serve %s", engine.ErrConfig, intent.Kind)
	}

	if err != nil && ctx.Err() == nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if ctx.Err() != nil {
		logger.Debug("local playback interrupted", "intent", intent.Kind.String())
	}
	return nil
}

// playTone writes the beeps in real time so a cancelled context stops the
// tone within one chunk.
func (p *Player) playTone(ctx context.Context) error {
	beep := p.synthesize(p.beep)
	silence := make([]byte, p.bytesFor(p.gap))

	chunk := p.bytesFor(chunkDuration)
	for i := 0; i < p.beeps; i++ {
		segments := [][]byte{beep}
		if i < p.beeps-1 {
			segments = append(segments, silence)
		}
		for _, segment := range segments {
			for offset := 0; offset < len(segment); offset += chunk {
				end := min(offset+chunk, len(segment))
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := p.out.Write(segment[offset:end]); err != nil {
					return fmt.Errorf("writing tone: %w", err)
				}
				if err := p.sleep(ctx, p.format.Duration(end-offset)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (p *Player) bytesFor(d time.Duration) int {
	frames := int(d * time.Duration(p.format.SampleRate) / time.Second)
	return frames * p.format.BytesPerFrame()
}

// synthesize renders a sine beep with short linear fades to avoid clicks.
func (p *Player) synthesize(d time.Duration) []byte {
	frames := int(d * time.Duration(p.format.SampleRate) / time.Second)
	fade := max(frames/10, 1)
	out := make([]byte, frames*p.format.BytesPerFrame())

	for i := 0; i < frames; i++ {
		gain := 0.4
		if i < fade {
			gain *= float64(i) / float64(fade)
		} else if frames-i < fade {
			gain *= float64(frames-i) / float64(fade)
		}
		sample := int16(gain * math.MaxInt16 * math.Sin(2*math.Pi*p.frequency*float64(i)/float64(p.format.SampleRate)))
		for ch := 0; ch < p.format.Channels; ch++ {
			offset := (i*p.format.Channels + ch) * 2
			binary.LittleEndian.PutUint16(out[offset:], uint16(sample))
		}
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
