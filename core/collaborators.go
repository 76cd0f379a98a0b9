package engine

import (
	"context"
	"io"
)

// SessionRequest describes one session opened with the speech service. A
// turn keeps its TurnID across the automatic restart while RequestID changes.
type SessionRequest struct {
	TurnID    string
	RequestID string
	Methods   Method
	Restart   bool
}

// SessionClient opens and tears down sessions with the cloud speech
// service. Both calls run on the dispatcher goroutine and must return
// promptly; results flow back through [Engine.Deliver].
type SessionClient interface {
	Open(ctx context.Context, req SessionRequest) error
	Cancel(ctx context.Context, requestID string) error
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber delivers inbound channel payloads to handler from its own
// goroutines until the returned unsubscribe func is called.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (unsubscribe func() error, err error)
}

// MediaFetcher opens a remote media stream for playback.
type MediaFetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// MediaResolver turns a media identifier into a URL the fetcher can stream.
type MediaResolver interface {
	Resolve(ctx context.Context, url string) (string, error)
}

// LocalPlayer plays sources that do not come from the speech service, like
// prompt tones or a bluetooth stream. Play is cancelled through ctx when TTS
// audio needs the output.
type LocalPlayer interface {
	Play(ctx context.Context, intent Intent) error
}

// Sink is the single audio output. Write must not retain audio after it
// returns.
type Sink interface {
	Write(audio []byte) error
	Clear()
}

type noopSessionClient struct{}

func (noopSessionClient) Open(context.Context, SessionRequest) error { return nil }
func (noopSessionClient) Cancel(context.Context, string) error       { return nil }

type identityResolver struct{}

func (identityResolver) Resolve(_ context.Context, url string) (string, error) { return url, nil }
